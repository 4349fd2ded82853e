package session

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/uedu/exam-gateway/internal/model"
)

// DefaultAudioSeconds is the longest a single speaking capture may run.
const DefaultAudioSeconds = 60

// Input is a microphone-like audio source.
type Input interface {
	// Open requests access to the device. A denial returns an error.
	Open() error
	Close()
}

// Recorder captures one speaking answer. It is driven by the controller loop.
type Recorder struct {
	maxSeconds int
	maxBytes   int64
	onComplete func(model.AudioPayload)

	state     model.AudioState
	input     Input
	countdown *Countdown
	buf       bytes.Buffer
	mime      string
	take      int
	delivered bool
	last      *model.AudioPayload
}

// NewRecorder creates an idle recorder. A take may hold at most maxBytes; zero
// lifts the cap. onComplete receives each finished take once.
func NewRecorder(maxSeconds int, maxBytes int64, onComplete func(model.AudioPayload)) *Recorder {
	if maxSeconds <= 0 {
		maxSeconds = DefaultAudioSeconds
	}
	return &Recorder{
		maxSeconds: maxSeconds,
		maxBytes:   maxBytes,
		onComplete: onComplete,
		state:      model.AudioStateIdle,
		mime:       "audio/wav",
	}
}

// State returns the recorder state.
func (r *Recorder) State() model.AudioState { return r.state }

// Status returns the public view of the recorder.
func (r *Recorder) Status() model.AudioStatus {
	st := model.AudioStatus{State: r.state, Remaining: r.maxSeconds}
	switch r.state {
	case model.AudioStateCapturing:
		st.Remaining = r.countdown.Remaining()
		st.Bytes = r.buf.Len()
	case model.AudioStateCaptured:
		if r.last != nil {
			st.Bytes = len(r.last.Data)
		}
	}
	return st
}

// StartCapture opens the input and begins a new take. On denial the recorder stays idle.
func (r *Recorder) StartCapture(in Input, mime string) error {
	if r.state == model.AudioStateCapturing {
		return ErrCaptureBusy
	}
	if err := in.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}
	r.reset()
	r.input = in
	if mime != "" {
		r.mime = mime
	}
	r.countdown = NewCountdown(r.maxSeconds)
	r.state = model.AudioStateCapturing
	r.take++
	return nil
}

// Append buffers a chunk of the in-progress take. A chunk that would push the
// take past the byte cap is dropped; the capture itself continues.
func (r *Recorder) Append(chunk []byte) error {
	if r.state != model.AudioStateCapturing {
		return ErrNotCapturing
	}
	if r.tooLarge(r.buf.Len() + len(chunk)) {
		return ErrAudioTooLarge
	}
	r.buf.Write(chunk)
	return nil
}

// Tick advances the capture countdown; reaching zero stops the capture.
func (r *Recorder) Tick() {
	if r.state != model.AudioStateCapturing {
		return
	}
	if r.countdown.Tick() {
		_ = r.StopCapture()
	}
}

// StopCapture finalizes the take and hands it to the completion callback exactly once.
func (r *Recorder) StopCapture() error {
	if r.state != model.AudioStateCapturing {
		return ErrNotCapturing
	}
	r.countdown.Stop()
	r.closeInput()
	payload := model.AudioPayload{MIMEType: r.mime, Data: bytes.Clone(r.buf.Bytes())}
	r.buf.Reset()
	r.state = model.AudioStateCaptured
	r.deliver(payload)
	return nil
}

// Recapture discards the current take, finished or not, and returns to idle.
func (r *Recorder) Recapture() {
	if r.countdown != nil {
		r.countdown.Stop()
	}
	r.closeInput()
	r.reset()
	r.state = model.AudioStateIdle
}

// Upload accepts an audio file as an alternative to live capture.
func (r *Recorder) Upload(declaredType string, data []byte) error {
	if r.tooLarge(len(data)) {
		return ErrAudioTooLarge
	}
	mime, err := DetectAudio(declaredType, data)
	if err != nil {
		return err
	}
	if r.state == model.AudioStateCapturing {
		r.Recapture()
	}
	r.reset()
	r.take++
	r.state = model.AudioStateCaptured
	r.deliver(model.AudioPayload{MIMEType: mime, Data: bytes.Clone(data)})
	return nil
}

func (r *Recorder) tooLarge(n int) bool {
	return r.maxBytes > 0 && int64(n) > r.maxBytes
}

// Close releases the input without delivering anything.
func (r *Recorder) Close() {
	if r.countdown != nil {
		r.countdown.Stop()
	}
	r.closeInput()
	r.buf.Reset()
}

func (r *Recorder) deliver(p model.AudioPayload) {
	if r.delivered {
		return
	}
	r.delivered = true
	r.last = &p
	if r.onComplete != nil {
		r.onComplete(p)
	}
}

func (r *Recorder) reset() {
	r.buf.Reset()
	r.delivered = false
	r.last = nil
}

func (r *Recorder) closeInput() {
	if r.input != nil {
		r.input.Close()
		r.input = nil
	}
}

// DetectAudio validates that data is audio media. The declared content type must be
// audio/* (or empty), and the sniffed type must be audio as well.
func DetectAudio(declaredType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrNotAudio)
	}
	if declaredType != "" && !strings.HasPrefix(declaredType, "audio/") {
		return "", fmt.Errorf("%w: declared %s", ErrNotAudio, declaredType)
	}
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			if declaredType != "" {
				return declaredType, nil
			}
			return detected.String(), nil
		}
	}
	// WebM and Ogg containers are sniffed as video/ or application/ even when they
	// carry a single audio track; accept them only when the client declared audio.
	if declaredType != "" && (detected.Is("video/webm") || detected.Is("application/ogg") || detected.Is("video/ogg")) {
		return declaredType, nil
	}
	return "", fmt.Errorf("%w: detected %s", ErrNotAudio, detected.String())
}

// RemoteInput is an Input whose permission decision was made by the exam client.
type RemoteInput struct {
	Granted bool
}

// Open fails when the client reported a permission denial.
func (in RemoteInput) Open() error {
	if !in.Granted {
		return fmt.Errorf("microphone permission denied by client")
	}
	return nil
}

// Close is a no-op; the client releases its own device.
func (RemoteInput) Close() {}
