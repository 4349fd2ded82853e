package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/uedu/exam-gateway/internal/model"
)

// wavHeader is enough of a RIFF/WAVE header for content sniffing.
var wavHeader = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00"), make([]byte, 32)...)

type fakeInput struct {
	deny   bool
	opened int
	closed int
}

func (f *fakeInput) Open() error {
	if f.deny {
		return errors.New("NotAllowedError")
	}
	f.opened++
	return nil
}

func (f *fakeInput) Close() { f.closed++ }

func TestRecorderCaptureLifecycle(t *testing.T) {
	var takes []model.AudioPayload
	r := NewRecorder(60, 0, func(p model.AudioPayload) { takes = append(takes, p) })
	in := &fakeInput{}

	if err := r.StartCapture(in, "audio/webm"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := r.StartCapture(in, "audio/webm"); !errors.Is(err, ErrCaptureBusy) {
		t.Fatalf("second StartCapture: got %v, want ErrCaptureBusy", err)
	}
	_ = r.Append([]byte("one"))
	_ = r.Append([]byte("two"))
	if err := r.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if err := r.StopCapture(); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("second StopCapture: got %v, want ErrNotCapturing", err)
	}

	if len(takes) != 1 {
		t.Fatalf("completion callback ran %d times, want 1", len(takes))
	}
	if string(takes[0].Data) != "onetwo" || takes[0].MIMEType != "audio/webm" {
		t.Fatalf("unexpected payload %q (%s)", takes[0].Data, takes[0].MIMEType)
	}
	if r.State() != model.AudioStateCaptured || in.closed != 1 {
		t.Fatalf("state=%s closed=%d", r.State(), in.closed)
	}
}

func TestRecorderDenied(t *testing.T) {
	called := false
	r := NewRecorder(60, 0, func(model.AudioPayload) { called = true })

	err := r.StartCapture(&fakeInput{deny: true}, "")
	if !errors.Is(err, ErrCaptureDenied) {
		t.Fatalf("got %v, want ErrCaptureDenied", err)
	}
	if r.State() != model.AudioStateIdle || called {
		t.Fatalf("denied capture left state=%s called=%v", r.State(), called)
	}
	if err := r.Append([]byte("x")); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("Append while idle: got %v", err)
	}
}

func TestRecorderAutoStopsAtLimit(t *testing.T) {
	var takes int
	r := NewRecorder(3, 0, func(model.AudioPayload) { takes++ })
	_ = r.StartCapture(&fakeInput{}, "")
	_ = r.Append([]byte("abc"))

	r.Tick()
	r.Tick()
	if r.State() != model.AudioStateCapturing || r.Status().Remaining != 1 {
		t.Fatalf("after 2 ticks: %+v", r.Status())
	}
	r.Tick()
	if r.State() != model.AudioStateCaptured || takes != 1 {
		t.Fatalf("expected auto stop after limit, state=%s takes=%d", r.State(), takes)
	}
	r.Tick()
	if takes != 1 {
		t.Fatal("tick after auto stop delivered again")
	}
}

func TestRecorderRecaptureKeepsOnlyFinalTake(t *testing.T) {
	var last model.AudioPayload
	var takes int
	r := NewRecorder(60, 0, func(p model.AudioPayload) { last = p; takes++ })

	_ = r.StartCapture(&fakeInput{}, "")
	_ = r.Append([]byte("first-take"))
	r.Recapture()
	if r.State() != model.AudioStateIdle || takes != 0 {
		t.Fatalf("recapture during capture: state=%s takes=%d", r.State(), takes)
	}

	_ = r.StartCapture(&fakeInput{}, "")
	_ = r.Append([]byte("second"))
	_ = r.StopCapture()

	if takes != 1 || !bytes.Equal(last.Data, []byte("second")) {
		t.Fatalf("takes=%d last=%q", takes, last.Data)
	}
}

func TestRecorderUpload(t *testing.T) {
	var got model.AudioPayload
	r := NewRecorder(60, 0, func(p model.AudioPayload) { got = p })

	if err := r.Upload("text/plain", []byte("hello")); !errors.Is(err, ErrNotAudio) {
		t.Fatalf("text upload: got %v, want ErrNotAudio", err)
	}
	if err := r.Upload("audio/wav", []byte("definitely not audio")); !errors.Is(err, ErrNotAudio) {
		t.Fatalf("mislabelled upload: got %v, want ErrNotAudio", err)
	}
	if err := r.Upload("", wavHeader); err != nil {
		t.Fatalf("wav upload: %v", err)
	}
	if got.MIMEType != "audio/wav" || !bytes.Equal(got.Data, wavHeader) {
		t.Fatalf("unexpected payload mime=%s len=%d", got.MIMEType, len(got.Data))
	}
	if r.State() != model.AudioStateCaptured {
		t.Fatalf("state = %s, want captured", r.State())
	}
}

func TestRecorderByteCap(t *testing.T) {
	var got model.AudioPayload
	r := NewRecorder(60, 8, func(p model.AudioPayload) { got = p })

	_ = r.StartCapture(&fakeInput{}, "audio/webm")
	if err := r.Append([]byte("12345")); err != nil {
		t.Fatalf("Append under cap: %v", err)
	}
	if err := r.Append([]byte("6789")); !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("Append past cap: got %v, want ErrAudioTooLarge", err)
	}
	if err := r.Append([]byte("678")); err != nil {
		t.Fatalf("Append up to cap: %v", err)
	}
	if st := r.Status(); st.State != model.AudioStateCapturing || st.Bytes != 8 {
		t.Fatalf("status after rejected chunk: %+v", st)
	}
	_ = r.StopCapture()
	if string(got.Data) != "12345678" {
		t.Fatalf("take = %q", got.Data)
	}

	if err := r.Upload("", wavHeader); !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("oversized upload: got %v, want ErrAudioTooLarge", err)
	}
	if string(got.Data) != "12345678" {
		t.Fatal("rejected upload replaced the take")
	}
}

func TestDetectAudio(t *testing.T) {
	mp3 := append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)
	tests := []struct {
		name     string
		declared string
		data     []byte
		want     string
		ok       bool
	}{
		{"wav sniffed", "", wavHeader, "audio/wav", true},
		{"declared wins when audio", "audio/x-wav", wavHeader, "audio/x-wav", true},
		{"mp3", "", mp3, "audio/mpeg", true},
		{"empty", "audio/wav", nil, "", false},
		{"image", "image/png", []byte("\x89PNG\r\n\x1a\n"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectAudio(tt.declared, tt.data)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if !errors.Is(err, ErrNotAudio) {
					t.Fatalf("got %v, want ErrNotAudio", err)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("DetectAudio() = %q, want %q", got, tt.want)
			}
		})
	}
}
