package streaming

import (
	"encoding/json"
	"time"
)

// Message type constants matching the streaming protocol.
const (
	TypeHello        = "hello"
	TypeGoodbye      = "goodbye"
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeFileDelivery = "file_delivery"
	TypeSnapshot     = "snapshot"
	TypePerformance  = "performance"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the collector's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload identifies the server at the start of a stream. It is
// replayed after every reconnect.
type HelloPayload struct {
	ServerName string    `json:"serverName"`
	StartedAt  time.Time `json:"startedAt"`
}
