package session

import (
	"sync"
	"testing"
	"time"
)

func TestHeartbeatRegistersSession(t *testing.T) {
	tr := New(50*time.Millisecond, nil)
	tr.Heartbeat("notes", "doc-1", "client-a", map[string]interface{}{"name": "Fox"}, nil)

	sessions := tr.Sessions("notes", "doc-1")
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if sessions[0].ClientID != "client-a" {
		t.Errorf("ClientID = %q, want %q", sessions[0].ClientID, "client-a")
	}
	if sessions[0].Profile["name"] != "Fox" {
		t.Errorf("Profile[name] = %v, want %v", sessions[0].Profile["name"], "Fox")
	}
}

func TestLeaveRemovesSessionAndFiresCallback(t *testing.T) {
	var mu sync.Mutex
	var gone []string

	tr := New(50*time.Millisecond, func(collection, documentID, clientID string) {
		mu.Lock()
		gone = append(gone, clientID)
		mu.Unlock()
	})

	tr.Heartbeat("notes", "doc-1", "client-a", nil, nil)
	tr.Leave("notes", "doc-1", "client-a")

	if tr.Count("notes", "doc-1") != 0 {
		t.Errorf("Count() = %d, want 0", tr.Count("notes", "doc-1"))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gone) != 1 || gone[0] != "client-a" {
		t.Errorf("gone = %v, want [client-a]", gone)
	}
}

func TestMissedHeartbeatsExpireSession(t *testing.T) {
	done := make(chan string, 1)
	interval := 10 * time.Millisecond

	tr := New(interval, func(collection, documentID, clientID string) {
		done <- clientID
	})
	tr.Heartbeat("notes", "doc-1", "client-a", nil, nil)

	select {
	case clientID := <-done:
		if clientID != "client-a" {
			t.Errorf("expired client = %q, want %q", clientID, "client-a")
		}
	case <-time.After(time.Second):
		t.Fatal("session did not expire within timeout")
	}

	if tr.Count("notes", "doc-1") != 0 {
		t.Errorf("Count() after expiry = %d, want 0", tr.Count("notes", "doc-1"))
	}
}

func TestRepeatedHeartbeatPreventsExpiry(t *testing.T) {
	expired := make(chan struct{}, 1)
	interval := 20 * time.Millisecond

	tr := New(interval, func(collection, documentID, clientID string) {
		expired <- struct{}{}
	})

	stop := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			tr.Heartbeat("notes", "doc-1", "client-a", nil, nil)
		case <-stop:
			break loop
		}
	}

	select {
	case <-expired:
		t.Fatal("session expired despite repeated heartbeats")
	default:
	}
}

func TestClientIDsReflectsLiveSessions(t *testing.T) {
	tr := New(50*time.Millisecond, nil)
	tr.Heartbeat("notes", "doc-1", "client-a", nil, nil)
	tr.Heartbeat("notes", "doc-1", "client-b", nil, nil)

	ids := tr.ClientIDs("notes", "doc-1")
	if len(ids) != 2 {
		t.Errorf("ClientIDs() = %v, want 2 entries", ids)
	}
}
