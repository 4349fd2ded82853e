package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/uedu/exam-gateway/internal/response"
	"github.com/uedu/exam-gateway/internal/service"
	"github.com/uedu/exam-gateway/internal/session"
)

// classify maps a session or service error onto an HTTP status and error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, errUnknownAction):
		return http.StatusBadRequest, response.ErrInvalidPayload
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrLoadFailed):
		return http.StatusBadGateway, response.ErrExamLoadFailed
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, response.ErrSessionClosed
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, session.ErrAnswersFrozen):
		return http.StatusConflict, response.ErrAnswersFrozen
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusNotFound, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrAnswerKind), errors.Is(err, session.ErrInvalidChoice):
		return http.StatusUnprocessableEntity, response.ErrInvalidAnswer
	case errors.Is(err, session.ErrCaptureDenied):
		return http.StatusForbidden, response.ErrCaptureDenied
	case errors.Is(err, session.ErrNotCapturing), errors.Is(err, session.ErrCaptureBusy):
		return http.StatusConflict, response.ErrCaptureState
	case errors.Is(err, session.ErrAudioTooLarge):
		return http.StatusRequestEntityTooLarge, response.ErrFileTooLarge
	case errors.Is(err, session.ErrNotAudio):
		return http.StatusUnsupportedMediaType, response.ErrNotAudio
	case errors.Is(err, session.ErrNotRetryable):
		return http.StatusConflict, response.ErrNotRetryable
	case errors.Is(err, session.ErrNotLoadable):
		return http.StatusConflict, response.ErrNotLoadable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, response.ErrUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failWith writes the error envelope for err.
func failWith(c *gin.Context, err error) {
	status, code := classify(err)
	response.Fail(c, status, code)
}
