package model

import "time"

// IntegrityEventKind enumerates environment signals reported by the exam client.
type IntegrityEventKind string

const (
	IntegrityVisibilityHidden  IntegrityEventKind = "visibility_hidden"
	IntegrityVisibilityVisible IntegrityEventKind = "visibility_visible"
	IntegrityCopy              IntegrityEventKind = "copy"
	IntegrityPaste             IntegrityEventKind = "paste"
	IntegrityContextMenu       IntegrityEventKind = "context_menu"
	IntegrityKeyDown           IntegrityEventKind = "key_down"
	// IntegrityUnavailable is sent when the client cannot observe its environment.
	IntegrityUnavailable IntegrityEventKind = "capability_unavailable"
)

// IntegrityEvent is one environment signal.
type IntegrityEvent struct {
	Kind  IntegrityEventKind `json:"kind" binding:"required,oneof=visibility_hidden visibility_visible copy paste context_menu key_down capability_unavailable"`
	Key   string             `json:"key,omitempty" binding:"max=32"`
	Ctrl  bool               `json:"ctrl,omitempty"`
	Shift bool               `json:"shift,omitempty"`
	Alt   bool               `json:"alt,omitempty"`
	Meta  bool               `json:"meta,omitempty"`
	At    time.Time          `json:"at,omitempty"`
}

// HasModifier reports whether any modifier key was held.
func (e IntegrityEvent) HasModifier() bool {
	return e.Ctrl || e.Shift || e.Alt || e.Meta
}

// IntegrityVerdict tells the client what to do with the event and what it caused.
type IntegrityVerdict struct {
	Kind        IntegrityEventKind `json:"kind"`
	Suppress    bool               `json:"suppress"`
	TabSwitch   bool               `json:"tab_switch"`
	TabSwitches int                `json:"tab_switches"`
	Disabled    bool               `json:"disabled"`
	Ignored     bool               `json:"ignored"`
}

// Notable reports whether the verdict is worth recording in the integrity log.
func (v IntegrityVerdict) Notable() bool {
	return v.TabSwitch || v.Suppress || v.Disabled
}

// IntegrityRecord is an integrity verdict bound to its session, queued for archiving.
type IntegrityRecord struct {
	SessionID string             `json:"session_id"`
	ExamID    int                `json:"exam_id"`
	StudentID int                `json:"student_id"`
	Kind      IntegrityEventKind `json:"kind"`
	Key       string             `json:"key,omitempty"`
	Suppress  bool               `json:"suppress"`
	Count     int                `json:"tab_switches"`
	Disabled  bool               `json:"disabled"`
	Timestamp int64              `json:"timestamp"`
}
