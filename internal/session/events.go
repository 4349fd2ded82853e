package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uedu/exam-gateway/internal/model"
)

// EventType names a controller event.
type EventType string

const (
	EventTick            EventType = "tick"
	EventState           EventType = "state"
	EventSaved           EventType = "saved"
	EventVerdict         EventType = "verdict"
	EventAudio           EventType = "audio"
	EventResult          EventType = "result"
	EventError           EventType = "error"
	EventIntegrityLocked EventType = "integrity_locked"
)

// Event is published to subscribers whenever the session changes.
type Event struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// TickData accompanies EventTick.
type TickData struct {
	Remaining int `json:"remaining_seconds"`
}

// StateData accompanies EventState.
type StateData struct {
	State     model.SessionState  `json:"state"`
	Trigger   model.SubmitTrigger `json:"trigger,omitempty"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable"`
}

// SavedData accompanies EventSaved.
type SavedData struct {
	QuestionID int `json:"q_id"`
	Answered   int `json:"answered"`
	Total      int `json:"total"`
	Progress   int `json:"progress"`
}

// AudioData accompanies EventAudio.
type AudioData struct {
	QuestionID   int               `json:"q_id"`
	Status       model.AudioStatus `json:"status"`
	TextFallback bool              `json:"text_fallback"`
	Error        string            `json:"error,omitempty"`
}

// LockData accompanies EventIntegrityLocked.
type LockData struct {
	TabSwitches int `json:"tab_switches"`
}

const subscriberBuffer = 64

// fanout delivers events to subscribers without ever blocking the publisher.
type fanout struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]chan Event)}
}

func (f *fanout) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

// publish drops the event for any subscriber whose buffer is full.
func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
