package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer        Action = "answer"
	ActionMatch         Action = "match"
	ActionIntegrity     Action = "integrity"
	ActionAudioStart    Action = "audio_start"
	ActionAudioChunk    Action = "audio_chunk"
	ActionAudioStop     Action = "audio_stop"
	ActionAudioRerecord Action = "audio_rerecord"
	ActionSubmit        Action = "submit"
	ActionRetry         Action = "retry"
	ActionPing          Action = "ping"
)

// RequestPayload is the union of every client message. Fields not used by an
// action are ignored.
type RequestPayload struct {
	Action     Action `json:"action"`
	QID        int    `json:"q_id,omitempty"`
	Answer     string `json:"ans,omitempty"`
	Index      *int   `json:"index,omitempty"`
	Permission string `json:"permission,omitempty"` // "granted" or "denied"
	MIMEType   string `json:"mime,omitempty"`
	Data       []byte `json:"data,omitempty"` // base64 in JSON

	// Integrity event fields.
	Kind  string `json:"kind,omitempty"`
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot Event = "snapshot"
	EventVerdict  Event = "verdict"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// ResponsePayload wraps every server message.
type ResponsePayload struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse reports a failed action back to the client.
type ErrorResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action,omitempty"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}
