package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/response"
	"github.com/uedu/exam-gateway/internal/service"
	"github.com/uedu/exam-gateway/internal/session"
	"github.com/uedu/exam-gateway/internal/validator"
)

// SessionHandler exposes the exam session lifecycle over REST.
type SessionHandler struct {
	sessions       *service.SessionService
	identity       model.Identity
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler acting for the given participant.
func NewSessionHandler(sessions *service.SessionService, identity model.Identity, maxUploadBytes int64, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		identity:       identity,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/sessions
// Opens (or resumes) the participant's session for an exam.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ctrl, err := h.sessions.Start(c.Request.Context(), h.identity, req.ExamID)
	if err != nil {
		h.log.Warn().Err(err).Int("exam_id", req.ExamID).Msg("Start session failed")
		failWith(c, err)
		return
	}

	snap, err := ctrl.Snapshot(c.Request.Context())
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusCreated, snap)
}

// GetSession godoc
// GET /api/v1/sessions/:session_id
func (h *SessionHandler) GetSession(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	h.respondSnapshot(c, ctrl, http.StatusOK)
}

// SaveAnswer godoc
// PUT /api/v1/sessions/:session_id/answers/:question_id
// Writes a text answer, or one pair of a matching question when index is set.
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	qid, ok := questionID(c)
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.Index != nil {
		err = ctrl.SetMatching(ctx, qid, *req.Index, req.Value)
	} else {
		err = ctrl.SetAnswer(ctx, qid, model.TextAnswer(req.Value))
	}
	if err != nil {
		failWith(c, err)
		return
	}

	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, session.SavedData{
		QuestionID: qid,
		Answered:   snap.Answered,
		Total:      snap.Total,
		Progress:   snap.Progress,
	})
}

// UploadAudio godoc
// POST /api/v1/sessions/:session_id/answers/:question_id/audio
// Stores an uploaded recording (multipart field "file") as a speaking answer.
func (h *SessionHandler) UploadAudio(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	qid, ok := questionID(c)
	if !ok {
		return
	}

	// Multipart overhead is small; cap the whole body slightly above the file limit.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+64<<10)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}
	if file.Size > h.maxUploadBytes {
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
		return
	}

	src, err := file.Open()
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}

	if err := ctrl.UploadAudio(c.Request.Context(), qid, file.Header.Get("Content-Type"), data); err != nil {
		failWith(c, err)
		return
	}

	snap, err := ctrl.Snapshot(c.Request.Context())
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, session.AudioData{QuestionID: qid, Status: snap.Audio[qid]})
}

// ReportIntegrity godoc
// POST /api/v1/sessions/:session_id/integrity
// Returns the verdict for one environment event, including whether the client
// should suppress the default action.
func (h *SessionHandler) ReportIntegrity(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}

	var ev model.IntegrityEvent
	if fields := validator.Bind(c, &ev); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	verdict, err := ctrl.ReportIntegrity(c.Request.Context(), ev)
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, verdict)
}

// Submit godoc
// POST /api/v1/sessions/:session_id/submit
// Requests a manual submission. Grading completes asynchronously.
func (h *SessionHandler) Submit(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ctrl.Submit(c.Request.Context()); err != nil {
		failWith(c, err)
		return
	}
	h.respondSnapshot(c, ctrl, http.StatusAccepted)
}

// Retry godoc
// POST /api/v1/sessions/:session_id/retry
// Re-sends a failed submission.
func (h *SessionHandler) Retry(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ctrl.Retry(c.Request.Context()); err != nil {
		failWith(c, err)
		return
	}
	h.respondSnapshot(c, ctrl, http.StatusAccepted)
}

// Abandon godoc
// DELETE /api/v1/sessions/:session_id
// Tears the session down without submitting.
func (h *SessionHandler) Abandon(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if err := h.sessions.Abandon(id); err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session_id": id, "abandoned": true})
}

// ─── Helpers ────────────────────────────────────────────────────

func (h *SessionHandler) lookup(c *gin.Context) (*session.Controller, bool) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}
	ctrl, err := h.sessions.Get(id)
	if err != nil {
		failWith(c, err)
		return nil, false
	}
	return ctrl, true
}

func (h *SessionHandler) respondSnapshot(c *gin.Context, ctrl *session.Controller, status int) {
	snap, err := ctrl.Snapshot(c.Request.Context())
	if err != nil {
		failWith(c, err)
		return
	}
	response.Success(c, status, snap)
}

func questionID(c *gin.Context) (int, bool) {
	qid, err := strconv.Atoi(c.Param("question_id"))
	if err != nil || qid <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return qid, true
}
