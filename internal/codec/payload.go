package codec

import (
	"encoding/binary"
	"encoding/json"
)

// Scalar payloads are JSON-encoded, matching the JSON-payload convention
// used throughout internal/protocol and internal/storage for opaque
// field values.
func encodeScalar(value interface{}) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return data
}

func decodeScalar(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil
	}
	return value
}

func encodeCounterDelta(id, clientID string, amount, timestamp int64) []byte {
	data, _ := json.Marshal(struct {
		ID        string `json:"id"`
		ClientID  string `json:"clientId"`
		Amount    int64  `json:"amount"`
		Timestamp int64  `json:"timestamp"`
	}{id, clientID, amount, timestamp})
	return data
}

func decodeCounterDelta(data []byte) (id, clientID string, amount, timestamp int64) {
	var v struct {
		ID        string `json:"id"`
		ClientID  string `json:"clientId"`
		Amount    int64  `json:"amount"`
		Timestamp int64  `json:"timestamp"`
	}
	_ = json.Unmarshal(data, &v)
	return v.ID, v.ClientID, v.Amount, v.Timestamp
}

func encodeFragmentOp(index int, text string, length int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(length))
	return append(buf[:], []byte(text)...)
}

func decodeFragmentOp(data []byte) (index int, text string, length int) {
	if len(data) < 8 {
		return 0, "", 0
	}
	index = int(binary.BigEndian.Uint32(data[0:4]))
	length = int(binary.BigEndian.Uint32(data[4:8]))
	text = string(data[8:])
	return
}
