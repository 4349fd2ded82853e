package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// ReadWait is how long a connection may stay silent; clients ping more often.
	ReadWait = 5 * time.Minute
)

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteEvent wraps data under the given event name.
func WriteEvent(conn *websocket.Conn, event Event, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return WriteTyped(conn, ResponsePayload{Event: event, Data: raw})
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, action Action, code, msg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event:  EventError,
		Action: action,
		Code:   code,
		Error:  msg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v any) error {
	conn.SetReadDeadline(time.Now().Add(ReadWait))
	return conn.ReadJSON(v)
}
