package model

import "time"

// MonitorMessage is one entry of an exam's live monitor feed.
type MonitorMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	ExamID    int       `json:"exam_id"`
	StudentID int       `json:"student_id"`
	Name      string    `json:"name"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// Monitor message types published by the gateway itself. Session events are
// forwarded under their own type names.
const (
	MonitorJoined = "joined"
	MonitorLeft   = "left"
)
