package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/handler"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/router"
	"github.com/uedu/exam-gateway/internal/service"
	"github.com/uedu/exam-gateway/internal/session"
	"github.com/uedu/exam-gateway/internal/validator"
)

var wavHeader = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00"), make([]byte, 32)...)

type catalog struct{}

func (catalog) FetchExam(_ context.Context, examID int) (*model.ExamWithQuestions, error) {
	if examID == 99 {
		return nil, errors.New("fetch exam: status 404: Exam not found")
	}
	return &model.ExamWithQuestions{
		Exam: model.Exam{ID: examID, Title: "Progress test", ExamType: model.ExamTypeProgress, Duration: 30, PassingScore: 70},
		Questions: []model.Question{
			{ID: 1, QuestionType: model.QuestionTypeMultipleChoice, Options: `["A","B","C"]`, CorrectAnswer: "B", Order: 1},
			{ID: 2, QuestionType: model.QuestionTypeShortAnswer, CorrectAnswer: "dog", Order: 2},
			{ID: 3, QuestionType: model.QuestionTypeSpeaking, Order: 3},
		},
	}, nil
}

type grader struct {
	mu   sync.Mutex
	reqs []model.SubmitRequest
}

func (g *grader) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

func (g *grader) Submit(_ context.Context, req model.SubmitRequest) (*model.Result, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	return &model.Result{ID: 1, ExamID: req.ExamID, StudentID: req.StudentID, Score: 50, Status: model.ResultStatusFailed}, nil
}

type attempts struct{}

func (attempts) ListByExam(_ context.Context, examID, page, perPage int) ([]model.Attempt, int64, error) {
	return []model.Attempt{{SessionID: "s1", ExamID: examID, StudentID: 1, Score: 80, Status: model.ResultStatusPassed, IntegrityCount: 2}}, 21, nil
}

type idleTicker struct{ c chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.c }
func (idleTicker) Stop()                 {}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
	Pagination *struct {
		TotalPages int `json:"total_pages"`
	} `json:"pagination"`
}

type harness struct {
	engine *gin.Engine
	grader *grader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, nil, nil)
}

func buildHarness(t *testing.T, store service.SessionStore, feed handler.MonitorFeed) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	g := &grader{}
	svc := service.NewSessionService(catalog{}, g, store, service.SessionOptions{
		Integrity:     session.DefaultIntegrityConfig(),
		AudioMaxBytes: 1024,
		SubmitTimeout: time.Second,
		Retention:     time.Minute,
		Ticker:        func(time.Duration) session.Ticker { return idleTicker{c: make(chan time.Time)} },
	}, zerolog.Nop())
	t.Cleanup(svc.Shutdown)

	log := zerolog.Nop()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(svc, model.Identity{StudentID: 1, Name: "Ayu"}, 1024, log),
		Stream:  handler.NewStreamHandler(svc, log, nil, 1024),
		Attempt: handler.NewAttemptHandler(attempts{}, log),
	}
	if feed != nil {
		handlers.Monitor = handler.NewMonitorHandler(svc, feed, log)
	}
	return &harness{
		engine: router.SetupRouter(handlers, &config.Config{GinMode: gin.TestMode}, log, done),
		grader: g,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	return h.serve(t, req)
}

func (h *harness) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func (h *harness) start(t *testing.T, examID int) model.SessionSnapshot {
	t.Helper()
	w, env := h.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"exam_id": examID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap model.SessionSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	return snap
}

func uploadRequest(t *testing.T, path, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="answer.bin"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// ─── REST ───────────────────────────────────────────────────────

func TestStartSession(t *testing.T) {
	h := newHarness(t)

	snap := h.start(t, 3)
	assert.Equal(t, model.SessionStateActive, snap.State)
	assert.Equal(t, 1800, snap.Remaining)
	require.Len(t, snap.Questions, 3)
	for _, q := range snap.Questions {
		assert.Empty(t, q.CorrectAnswer, "correct answers must not reach the client")
	}

	again := h.start(t, 3)
	assert.Equal(t, snap.SessionID, again.SessionID)

	w, env := h.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"exam_id": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Fields, "exam_id")
}

func TestStartSessionLoadFailure(t *testing.T) {
	h := newHarness(t)
	w, env := h.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"exam_id": 99})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "EXAM_LOAD_FAILED", env.Error.Code)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)

	w, env := h.do(t, http.MethodGet, "/api/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", env.Error.Code)

	w, env = h.do(t, http.MethodGet, "/api/v1/sessions/5f0c7a1e-2b1d-4e61-8d0a-3c9e2f7b6a10", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
}

func TestSaveAnswer(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)
	base := "/api/v1/sessions/" + snap.SessionID.String()

	w, env := h.do(t, http.MethodPut, base+"/answers/1", gin.H{"value": "Z"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INVALID_ANSWER", env.Error.Code)

	w, env = h.do(t, http.MethodPut, base+"/answers/42", gin.H{"value": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_QUESTION", env.Error.Code)

	w, env = h.do(t, http.MethodPut, base+"/answers/1", gin.H{"value": "B"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var saved session.SavedData
	require.NoError(t, json.Unmarshal(env.Data, &saved))
	assert.Equal(t, session.SavedData{QuestionID: 1, Answered: 1, Total: 3, Progress: 33}, saved)

	// Speaking questions only take text after a capture denial.
	w, _ = h.do(t, http.MethodPut, base+"/answers/3", gin.H{"value": "spoken words"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUploadAudio(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)
	path := "/api/v1/sessions/" + snap.SessionID.String() + "/answers/3/audio"

	w, env := h.serve(t, uploadRequest(t, path, "text/plain", []byte("hello there")))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "NOT_AUDIO", env.Error.Code)

	w, env = h.serve(t, uploadRequest(t, path, "audio/wav", bytes.Repeat([]byte{1}, 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "FILE_TOO_LARGE", env.Error.Code)

	w, env = h.serve(t, uploadRequest(t, path, "audio/wav", wavHeader))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var audio session.AudioData
	require.NoError(t, json.Unmarshal(env.Data, &audio))
	assert.Equal(t, model.AudioStateCaptured, audio.Status.State)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w, env = h.serve(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "FILE_REQUIRED", env.Error.Code)
}

func TestReportIntegrity(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)
	path := "/api/v1/sessions/" + snap.SessionID.String() + "/integrity"

	w, env := h.do(t, http.MethodPost, path, gin.H{"kind": "copy"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var v model.IntegrityVerdict
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.True(t, v.Suppress)

	w, env = h.do(t, http.MethodPost, path, gin.H{"kind": "print_screen"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestSubmitAndRetry(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)
	base := "/api/v1/sessions/" + snap.SessionID.String()

	h.do(t, http.MethodPut, base+"/answers/2", gin.H{"value": "dog"})

	w, _ := h.do(t, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var final model.SessionSnapshot
	require.Eventually(t, func() bool {
		_, env := h.do(t, http.MethodGet, base, nil)
		_ = json.Unmarshal(env.Data, &final)
		return final.State == model.SessionStateCompleted
	}, 3*time.Second, 20*time.Millisecond)

	require.NotNil(t, final.Result)
	assert.Equal(t, model.ResultStatusFailed, final.Result.Status)
	assert.Equal(t, model.SubmitTriggerManual, final.Trigger)

	h.grader.mu.Lock()
	require.Len(t, h.grader.reqs, 1)
	assert.Equal(t, map[string]string{"2": "dog"}, h.grader.reqs[0].Answers)
	h.grader.mu.Unlock()

	w, env := h.do(t, http.MethodPost, base+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_RETRYABLE", env.Error.Code)

	w, env = h.do(t, http.MethodPut, base+"/answers/2", gin.H{"value": "cat"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, []string{"SESSION_NOT_ACTIVE", "ANSWERS_FROZEN"}, env.Error.Code)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)
	base := "/api/v1/sessions/" + snap.SessionID.String()

	w, _ := h.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := h.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
	assert.Zero(t, h.grader.count(), "abandon must not submit")
}

func TestListAttempts(t *testing.T) {
	h := newHarness(t)

	w, env := h.do(t, http.MethodGet, "/api/v1/exams/3/attempts?per_page=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Attempt
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].IntegrityCount)
	assert.Equal(t, 3, env.Pagination.TotalPages)

	w, _ = h.do(t, http.MethodGet, "/api/v1/exams/abc/attempts", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ─── WebSocket ──────────────────────────────────────────────────

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Code  string          `json:"code"`
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		// Session error events share the name; action failures carry a code.
		if msg.Event == event && (event != "error" || msg.Code != "") {
			return msg
		}
	}
}

func TestSessionStream(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)

	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/sessions/" + snap.SessionID.String() + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUntil(t, conn, "snapshot")
	var got model.SessionSnapshot
	require.NoError(t, json.Unmarshal(first.Data, &got))
	assert.Equal(t, snap.SessionID, got.SessionID)

	require.NoError(t, conn.WriteJSON(gin.H{"action": "ping"}))
	readUntil(t, conn, "pong")

	require.NoError(t, conn.WriteJSON(gin.H{"action": "answer", "q_id": 1, "ans": "C"}))
	saved := readUntil(t, conn, "saved")
	var ev struct {
		Data session.SavedData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(saved.Data, &ev))
	assert.Equal(t, 1, ev.Data.QuestionID)

	require.NoError(t, conn.WriteJSON(gin.H{"action": "answer", "q_id": 1, "ans": "nope"}))
	bad := readUntil(t, conn, "error")
	assert.Equal(t, "INVALID_ANSWER", bad.Code)

	require.NoError(t, conn.WriteJSON(gin.H{"action": "audio_start", "q_id": 3, "permission": "denied"}))
	denied := readUntil(t, conn, "error")
	assert.Equal(t, "CAPTURE_DENIED", denied.Code)

	require.NoError(t, conn.WriteJSON(gin.H{"action": "answer", "q_id": 3, "ans": "typed instead"}))
	readUntil(t, conn, "saved")

	require.NoError(t, conn.WriteJSON(gin.H{"action": "dance"}))
	unknown := readUntil(t, conn, "error")
	assert.Equal(t, "INVALID_PAYLOAD", unknown.Code)

	require.NoError(t, conn.WriteJSON(gin.H{"action": "submit"}))
	readUntil(t, conn, "result")
}

func TestSessionStreamAudioLimits(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t, 3)

	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/sessions/" + snap.SessionID.String() + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, "snapshot")

	require.NoError(t, conn.WriteJSON(gin.H{"action": "audio_start", "q_id": 3, "mime": "audio/webm"}))
	require.NoError(t, conn.WriteJSON(gin.H{"action": "audio_chunk", "q_id": 3, "data": bytes.Repeat([]byte{1}, 900)}))
	require.NoError(t, conn.WriteJSON(gin.H{"action": "audio_chunk", "q_id": 3, "data": bytes.Repeat([]byte{2}, 200)}))
	tooLarge := readUntil(t, conn, "error")
	assert.Equal(t, "FILE_TOO_LARGE", tooLarge.Code)

	// A frame past the read limit closes the connection.
	require.NoError(t, conn.WriteJSON(gin.H{"action": "answer", "q_id": 2, "ans": strings.Repeat("x", 16<<10)}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
			break
		}
	}
}
