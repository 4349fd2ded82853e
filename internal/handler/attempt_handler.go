package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/response"
)

// AttemptLister reads archived attempts. *repository.AttemptRepository implements it.
type AttemptLister interface {
	ListByExam(ctx context.Context, examID, page, perPage int) ([]model.Attempt, int64, error)
}

// AttemptHandler serves the attempt archive.
type AttemptHandler struct {
	attempts AttemptLister
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptLister, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// ListAttempts godoc
// GET /api/v1/exams/:exam_id/attempts?page=1&per_page=20
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	examID, err := strconv.Atoi(c.Param("exam_id"))
	if err != nil || examID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	attempts, total, err := h.attempts.ListByExam(c.Request.Context(), examID, page, perPage)
	if err != nil {
		h.log.Error().Err(err).Int("exam_id", examID).Msg("List attempts failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, attempts, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: int(math.Ceil(float64(total) / float64(perPage))),
	})
}
