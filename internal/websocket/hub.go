package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/replikit/replikit/internal/auth"
	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/collection"
	"github.com/replikit/replikit/internal/protocol"
	"github.com/replikit/replikit/internal/security"
	"github.com/replikit/replikit/internal/stream"
)

// AwarenessTimeout is the time after which stale awareness entries are cleaned up
const AwarenessTimeout = 30 * time.Second

// AwarenessCleanupInterval is how often the cleanup runs
const AwarenessCleanupInterval = 30 * time.Second

// DefaultCollectionName is used when a message omits a "collection" field —
// most deployments only ever serve one collection and should not have to
// repeat its name on every message.
const DefaultCollectionName = "default"

// defaultStreamLimit bounds a seq_stream reply when the client didn't ask
// for a specific page size.
const defaultStreamLimit = 500

// Hub maintains active connections and routes their messages into the
// collection registry, broadcasting accepted deltas back out to every
// other subscriber of the same document.
type Hub struct {
	// Configuration
	jwtSecret string

	// Registered connections
	connections map[string]*Connection
	mu          sync.RWMutex

	// Document subscribers, keyed by "collection/docId" -> connectionId -> true
	subscribers map[string]map[string]bool

	// Collections this hub routes messages into.
	registry *collection.Registry

	// Awareness states with timestamps, keyed by "collection/docId"
	awareness map[string]map[string]interface{}
	awareMu   sync.RWMutex

	// Cleanup ticker for stale awareness
	cleanupTicker *time.Ticker
	stopChan      chan struct{}

	// Channels
	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent
}

// MessageEvent represents a message from a connection
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// NewHub creates a new Hub routing into registry.
func NewHub(jwtSecret string, registry *collection.Registry) *Hub {
	return &Hub{
		jwtSecret:     jwtSecret,
		connections:   make(map[string]*Connection),
		subscribers:   make(map[string]map[string]bool),
		registry:      registry,
		awareness:     make(map[string]map[string]interface{}),
		stopChan:      make(chan struct{}),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	// Start periodic awareness cleanup
	h.cleanupTicker = time.NewTicker(AwarenessCleanupInterval)
	go h.runAwarenessCleanup()

	for {
		select {
		case <-h.stopChan:
			if h.cleanupTicker != nil {
				h.cleanupTicker.Stop()
			}
			return

		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				// Remove from subscribers and leave each document's session
				for key := range conn.Subscriptions {
					if subs, exists := h.subscribers[key]; exists {
						delete(subs, conn.ID)
						if len(subs) == 0 {
							delete(h.subscribers, key)
						}
					}
					if col, docID, ok := splitSubscriptionKey(key); ok {
						h.registry.Get(col).Leave(docID, conn.ClientID)
					}
				}

				// Clean up awareness
				h.awareMu.Lock()
				for key := range conn.AwarenessSubscriptions {
					if states, exists := h.awareness[key]; exists {
						delete(states, conn.ClientID)
						if len(states) == 0 {
							delete(h.awareness, key)
						}
					}
				}
				h.awareMu.Unlock()

				delete(h.connections, conn.ID)
				close(conn.send)
			}
			h.mu.Unlock()

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

// Stop gracefully stops the hub and tears down every collection it routed
// into.
func (h *Hub) Stop() {
	close(h.stopChan)
	h.registry.Close()
}

// runAwarenessCleanup periodically removes stale awareness entries
func (h *Hub) runAwarenessCleanup() {
	for {
		select {
		case <-h.stopChan:
			return
		case <-h.cleanupTicker.C:
			h.cleanupStaleAwareness()
		}
	}
}

// cleanupStaleAwareness removes awareness entries older than AwarenessTimeout
func (h *Hub) cleanupStaleAwareness() {
	now := time.Now().UnixMilli()
	timeoutMs := AwarenessTimeout.Milliseconds()

	h.awareMu.Lock()
	defer h.awareMu.Unlock()

	for key, clients := range h.awareness {
		for clientID, stateRaw := range clients {
			state, ok := stateRaw.(map[string]interface{})
			if !ok {
				continue
			}

			// Check lastUpdate timestamp
			if lastUpdate, ok := state["lastUpdate"].(float64); ok {
				if now-int64(lastUpdate) > timeoutMs {
					delete(clients, clientID)
				}
			}
		}

		// Remove empty document entries
		if len(clients) == 0 {
			delete(h.awareness, key)
		}
	}
}

// subscriptionKey scopes a document id to the collection it lives in, so
// two collections may reuse the same document id without colliding in the
// subscriber/awareness maps.
func subscriptionKey(col, docID string) string {
	return col + "/" + docID
}

func splitSubscriptionKey(key string) (col, docID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// collectionName reads the "collection" field from a payload, defaulting
// to DefaultCollectionName when absent — most deployments serve exactly
// one collection and should not have to name it on every message.
func collectionName(payload map[string]interface{}) string {
	if name, ok := payload["collection"].(string); ok && name != "" {
		return name
	}
	return DefaultCollectionName
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	if ok, reason := security.ValidateMessage(msg.Payload); !ok {
		conn.SendError(reason, "INVALID_MESSAGE")
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, map[string]interface{}{
			"type":      protocol.TypePong,
			"id":        msg.ID,
			"timestamp": time.Now().UnixMilli(),
		})

	case protocol.TypeAuth:
		h.handleAuth(conn, msg)

	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, msg)

	case protocol.TypeUnsubscribe:
		h.handleUnsubscribe(conn, msg)

	case protocol.TypeDelta:
		h.handleDelta(conn, msg)

	case protocol.TypeDeltaBatch:
		h.handleDeltaBatch(conn, msg)

	case protocol.TypeSeqStream:
		h.handleSeqStream(conn, msg)

	case protocol.TypeRecoveryRequest:
		h.handleRecoveryRequest(conn, msg)

	case protocol.TypeAwarenessUpdate:
		h.handleAwarenessUpdate(conn, msg)
	}
}

func (h *Hub) handleAuth(conn *Connection, msg *protocol.Message) {
	// JWT token validation
	token, _ := msg.Payload["token"].(string)

	if token != "" {
		// Validate JWT token
		decoded, err := auth.VerifyToken(token, h.jwtSecret)
		if err != nil {
			// Invalid or expired token
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"type":      protocol.TypeAuthError,
				"id":        msg.ID,
				"timestamp": time.Now().UnixMilli(),
				"error":     "Invalid or expired token",
				"code":      "INVALID_TOKEN",
			})
			return
		}

		// Token valid - set connection state
		conn.Authenticated = true
		conn.UserID = decoded.UserID
		conn.TokenPayload = decoded
	} else {
		// Anonymous connection - only allowed when auth is disabled
		authRequired := os.Getenv("REPLIKIT_AUTH_REQUIRED") != "false"
		if authRequired {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"type":      protocol.TypeAuthError,
				"id":        msg.ID,
				"timestamp": time.Now().UnixMilli(),
				"error":     "Authentication required",
				"code":      "AUTH_REQUIRED",
			})
			return
		}
		conn.Authenticated = true
		if userID, ok := msg.Payload["userId"].(string); ok {
			conn.UserID = userID
		} else {
			conn.UserID = "anonymous"
		}
		conn.TokenPayload = &auth.TokenPayload{
			UserID: conn.UserID,
			Permissions: auth.DocumentPermissions{
				CanRead:  []string{"*"},
				CanWrite: []string{"*"},
				IsAdmin:  false,
			},
		}
	}

	// Set client ID
	if clientID, ok := msg.Payload["clientId"].(string); ok {
		conn.ClientID = clientID
	} else {
		conn.ClientID = generateID()
	}

	// Send success response with permissions
	conn.SendMessage(protocol.TypeAuthSuccess, map[string]interface{}{
		"type":      protocol.TypeAuthSuccess,
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"userId":    conn.UserID,
		"permissions": map[string]interface{}{
			"canRead":  conn.TokenPayload.Permissions.CanRead,
			"canWrite": conn.TokenPayload.Permissions.CanWrite,
			"isAdmin":  conn.TokenPayload.Permissions.IsAdmin,
		},
	})
}

func (h *Hub) handleSubscribe(conn *Connection, msg *protocol.Message) {
	docID, ok := msg.Payload["docId"].(string)
	if !ok {
		conn.SendError("Missing docId", "INVALID_REQUEST")
		return
	}

	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}

	if valid, errMsg := security.ValidateDocumentID(docID); !valid {
		conn.SendError(errMsg, "INVALID_DOCUMENT_ID")
		return
	}

	if !security.CanAccessDocument(docID) {
		conn.SendError("Access denied to this document", "ACCESS_DENIED")
		return
	}

	col := collectionName(msg.Payload)
	if !auth.CanReadDocument(conn.TokenPayload, col, docID) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}
	key := subscriptionKey(col, docID)

	conn.Subscriptions[key] = true
	h.mu.Lock()
	if _, exists := h.subscribers[key]; !exists {
		h.subscribers[key] = make(map[string]bool)
	}
	h.subscribers[key][conn.ID] = true
	h.mu.Unlock()

	// A fresh subscriber has no state vector yet, so recovering against an
	// empty vector is exactly "give me the whole document" — the same path
	// a reconnecting client with a stale vector takes.
	result, err := h.registry.Get(col).Recover(context.Background(), docID, map[string]uint64{})
	if err != nil {
		conn.SendError("Failed to load document: "+err.Error(), "RECOVERY_FAILED")
		return
	}

	payload := map[string]interface{}{
		"type":         protocol.TypeSyncResponse,
		"id":           msg.ID,
		"timestamp":    time.Now().UnixMilli(),
		"docId":        docID,
		"collection":   col,
		"serverVector": result.ServerVector,
	}
	if result.Diff != nil {
		payload["diff"] = protocol.EncodeBytesField(result.Diff)
	}
	conn.SendMessage(protocol.TypeSyncResponse, payload)
}

func (h *Hub) handleUnsubscribe(conn *Connection, msg *protocol.Message) {
	docID, ok := msg.Payload["docId"].(string)
	if !ok {
		conn.SendError("Missing docId", "INVALID_REQUEST")
		return
	}
	col := collectionName(msg.Payload)
	key := subscriptionKey(col, docID)

	delete(conn.Subscriptions, key)

	h.mu.Lock()
	if subs, exists := h.subscribers[key]; exists {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
	h.mu.Unlock()

	h.awareMu.Lock()
	if states, exists := h.awareness[key]; exists {
		delete(states, conn.ClientID)
		if len(states) == 0 {
			delete(h.awareness, key)
		}
	}
	h.awareMu.Unlock()

	delete(conn.AwarenessSubscriptions, key)

	h.registry.Get(col).Leave(docID, conn.ClientID)
}

// deltaType reads an optional "deltaType" field from a delta payload,
// defaulting to "update" — matching logstore.Delta.Type's three-value
// vocabulary (insert, update, delete).
func deltaType(payload map[string]interface{}) string {
	if t, ok := payload["deltaType"].(string); ok && t != "" {
		return t
	}
	return "update"
}

func (h *Hub) handleDelta(conn *Connection, msg *protocol.Message) {
	docID, ok := msg.Payload["docId"].(string)
	if !ok {
		conn.SendError("Missing docId", "INVALID_REQUEST")
		return
	}

	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}

	col := collectionName(msg.Payload)
	if !auth.CanWriteDocument(conn.TokenPayload, col, docID) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}

	delta, present, err := protocol.DecodeBytesField(msg.Payload, "delta")
	if err != nil {
		conn.SendError(err.Error(), "INVALID_REQUEST")
		return
	}
	if !present {
		conn.SendError("Missing delta", "INVALID_REQUEST")
		return
	}

	seq, err := h.registry.Get(col).ApplyClientDelta(context.Background(), docID, delta, deltaType(msg.Payload))
	if err != nil {
		conn.SendError("Failed to apply delta: "+err.Error(), "DELTA_REJECTED")
		return
	}

	h.broadcastDelta(col, docID, msg.Payload, conn.ID)

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"type":      protocol.TypeAck,
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"docId":     docID,
		"seq":       seq,
	})
}

func (h *Hub) handleDeltaBatch(conn *Connection, msg *protocol.Message) {
	docID, ok := msg.Payload["docId"].(string)
	if !ok {
		conn.SendError("Missing docId", "INVALID_REQUEST")
		return
	}

	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}

	col := collectionName(msg.Payload)
	if !auth.CanWriteDocument(conn.TokenPayload, col, docID) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}

	deltas, ok := msg.Payload["deltas"].([]interface{})
	if !ok {
		conn.SendError("Invalid deltas", "INVALID_REQUEST")
		return
	}

	c := h.registry.Get(col)
	applied := 0
	for _, deltaRaw := range deltas {
		entry, ok := deltaRaw.(map[string]interface{})
		if !ok {
			continue
		}
		delta, present, err := protocol.DecodeBytesField(entry, "delta")
		if err != nil || !present {
			continue
		}
		if _, err := c.ApplyClientDelta(context.Background(), docID, delta, deltaType(entry)); err != nil {
			continue
		}
		applied++
		h.broadcastDelta(col, docID, entry, conn.ID)
	}

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"type":      protocol.TypeAck,
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"docId":     docID,
		"count":     applied,
	})
}

func (h *Hub) handleSeqStream(conn *Connection, msg *protocol.Message) {
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}

	seq, _ := msg.Payload["seq"].(float64)
	limit := defaultStreamLimit
	if l, ok := msg.Payload["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	col := collectionName(msg.Payload)
	resp, err := h.registry.Get(col).Stream(context.Background(), uint64(seq), limit)
	if err != nil {
		if errors.Is(err, stream.ErrDisparity) {
			conn.SendError("Cursor too far behind, no snapshot to recover from", "DISPARITY")
			return
		}
		conn.SendError("Stream failed: "+err.Error(), "STREAM_FAILED")
		return
	}

	changes := make([]map[string]interface{}, 0, len(resp.Changes))
	gap := false
	for _, ch := range resp.Changes {
		if ch.Type == stream.ChangeSnapshot {
			gap = true
		}
		changes = append(changes, map[string]interface{}{
			"docId":  ch.Document,
			"bytes":  protocol.EncodeBytesField(ch.Bytes),
			"seq":    ch.Seq,
			"type":   string(ch.Type),
			"exists": ch.Exists,
		})
	}

	responseType := protocol.TypeSeqStream
	if gap {
		responseType = protocol.TypeSeqGap
	}
	conn.SendMessage(responseType, map[string]interface{}{
		"type":       responseType,
		"id":         msg.ID,
		"timestamp":  time.Now().UnixMilli(),
		"collection": col,
		"changes":    changes,
		"seq":        resp.Seq,
		"more":       resp.More,
	})
}

func (h *Hub) handleRecoveryRequest(conn *Connection, msg *protocol.Message) {
	docID, ok := msg.Payload["docId"].(string)
	if !ok {
		conn.SendError("Missing docId", "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	col := collectionName(msg.Payload)
	if !auth.CanReadDocument(conn.TokenPayload, col, docID) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}

	clientVector := protocol.DecodeStateVectorField(msg.Payload, "vector")
	c := h.registry.Get(col)

	result, err := c.Recover(context.Background(), docID, clientVector)
	if err != nil {
		conn.SendError("Recovery failed: "+err.Error(), "RECOVERY_FAILED")
		return
	}

	// A recovery request tells the server what the client has actually
	// observed — record it so compaction's connected-session coverage
	// check sees this client's vector even if it never sends a delta.
	if conn.ClientID != "" && len(clientVector) > 0 {
		_ = c.UpdateVector(context.Background(), docID, conn.ClientID, codec.EncodeStateVector(clientVector), 0)
	}

	payload := map[string]interface{}{
		"type":         protocol.TypeRecoveryResponse,
		"id":           msg.ID,
		"timestamp":    time.Now().UnixMilli(),
		"docId":        docID,
		"collection":   col,
		"serverVector": result.ServerVector,
	}
	if result.Diff != nil {
		payload["diff"] = protocol.EncodeBytesField(result.Diff)
	}
	conn.SendMessage(protocol.TypeRecoveryResponse, payload)
}

func (h *Hub) handleAwarenessUpdate(conn *Connection, msg *protocol.Message) {
	docID, ok := msg.Payload["docId"].(string)
	if !ok {
		return
	}
	state, ok := msg.Payload["state"].(map[string]interface{})
	if !ok {
		return
	}

	// Add lastUpdate timestamp for cleanup tracking
	state["lastUpdate"] = float64(time.Now().UnixMilli())

	col := collectionName(msg.Payload)
	key := subscriptionKey(col, docID)

	// Store awareness state
	h.awareMu.Lock()
	if h.awareness[key] == nil {
		h.awareness[key] = make(map[string]interface{})
	}
	h.awareness[key][conn.ClientID] = state
	h.awareMu.Unlock()

	// Awareness doubles as the session heartbeat: every update resets this
	// client's disconnect timer on the document it names.
	profile, _ := state["profile"].(map[string]interface{})
	cursor, _ := state["cursor"].(map[string]interface{})
	h.registry.Get(col).Touch(docID, conn.ClientID, profile, cursor)

	// Broadcast to other subscribers
	h.broadcastAwareness(col, docID, conn.ClientID, state, conn.ID)
}

func (h *Hub) broadcastDelta(col, docID string, delta map[string]interface{}, senderID string) {
	key := subscriptionKey(col, docID)
	h.mu.RLock()
	subs := h.subscribers[key]
	h.mu.RUnlock()

	if subs == nil {
		return
	}

	for connID := range subs {
		if connID == senderID {
			continue
		}

		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()

		if conn != nil {
			conn.SendMessage(protocol.TypeDelta, delta)
		}
	}
}

func (h *Hub) broadcastAwareness(col, docID, clientID string, state map[string]interface{}, senderID string) {
	key := subscriptionKey(col, docID)
	h.mu.RLock()
	subs := h.subscribers[key]
	h.mu.RUnlock()

	if subs == nil {
		return
	}

	for connID := range subs {
		if connID == senderID {
			continue
		}

		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()

		if conn != nil {
			conn.SendMessage(protocol.TypeAwarenessState, map[string]interface{}{
				"type":      protocol.TypeAwarenessState,
				"id":        generateID(),
				"timestamp": time.Now().UnixMilli(),
				"docId":     docID,
				"clientId":  clientID,
				"state":     state,
			})
		}
	}
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
