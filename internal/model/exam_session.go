package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates the lifecycle states of an exam session.
type SessionState string

const (
	SessionStateLoading    SessionState = "loading"
	SessionStateActive     SessionState = "active"
	SessionStateSubmitting SessionState = "submitting"
	SessionStateCompleted  SessionState = "completed"
	SessionStateError      SessionState = "error"
)

// Live reports whether the session still owns a running timer and monitor.
func (s SessionState) Live() bool {
	return s == SessionStateActive || s == SessionStateSubmitting
}

// SubmitTrigger records what moved a session into submitting.
type SubmitTrigger string

const (
	SubmitTriggerManual    SubmitTrigger = "manual"
	SubmitTriggerTimeout   SubmitTrigger = "timeout"
	SubmitTriggerIntegrity SubmitTrigger = "integrity"
)

// Identity is the participant taking the exam.
type Identity struct {
	StudentID int    `json:"student_id"`
	Name      string `json:"name"`
}

// AudioState enumerates the audio capture states of a speaking question.
type AudioState string

const (
	AudioStateIdle      AudioState = "idle"
	AudioStateCapturing AudioState = "capturing"
	AudioStateCaptured  AudioState = "captured"
)

// AudioStatus describes a speaking question's recorder.
type AudioStatus struct {
	State     AudioState `json:"state"`
	Remaining int        `json:"remaining_seconds"`
	Bytes     int        `json:"bytes"`
}

// IntegrityStatus is the public view of the integrity monitor.
type IntegrityStatus struct {
	Enabled     bool       `json:"enabled"`
	Attached    bool       `json:"attached"`
	Degraded    bool       `json:"degraded"`
	TabSwitches int        `json:"tab_switches"`
	MaxSwitches int        `json:"max_tab_switches"`
	LastHidden  *time.Time `json:"last_hidden_at,omitempty"`
}

// SessionSnapshot is a consistent read model of one exam session.
type SessionSnapshot struct {
	SessionID      uuid.UUID           `json:"session_id"`
	State          SessionState        `json:"state"`
	Identity       Identity            `json:"identity"`
	ExamID         int                 `json:"exam_id"`
	Exam           *Exam               `json:"exam,omitempty"`
	Questions      []Question          `json:"questions,omitempty"`
	Remaining      int                 `json:"remaining_seconds"`
	Answered       int                 `json:"answered"`
	Total          int                 `json:"total"`
	Progress       int                 `json:"progress"`
	Answers        map[string]string   `json:"answers,omitempty"`
	Integrity      IntegrityStatus     `json:"integrity"`
	Audio          map[int]AudioStatus `json:"audio,omitempty"`
	TextFallback   []int               `json:"text_fallback,omitempty"`
	Trigger        SubmitTrigger       `json:"trigger,omitempty"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	Result         *Result             `json:"result,omitempty"`
	Error          string              `json:"error,omitempty"`
	Retryable      bool                `json:"retryable"`
	IntegrityLocks int                 `json:"integrity_locks,omitempty"`
}

// StartSessionRequest is the payload for opening an exam session.
type StartSessionRequest struct {
	ExamID int `json:"exam_id" binding:"required,min=1"`
}

// AnswerRequest is the payload for writing one answer over REST.
// Index is only used for matching questions.
type AnswerRequest struct {
	Value string `json:"value" binding:"max=20000"`
	Index *int   `json:"index" binding:"omitempty,min=0,max=100"`
}
