package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/response"
	"github.com/uedu/exam-gateway/internal/service"
	"github.com/uedu/exam-gateway/internal/session"
	ws "github.com/uedu/exam-gateway/internal/websocket"
)

const actionTimeout = 10 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamHandler drives an exam session over a WebSocket.
type StreamHandler struct {
	sessions  *service.SessionService
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	readLimit int64
}

// NewStreamHandler creates a new StreamHandler. Inbound frames may carry at most
// maxAudioBytes of base64 audio; zero leaves frames unbounded.
func NewStreamHandler(sessions *service.SessionService, log zerolog.Logger, allowedOrigins []string, maxAudioBytes int64) *StreamHandler {
	return &StreamHandler{
		sessions:  sessions,
		log:       log.With().Str("component", "stream_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
		readLimit: frameLimit(maxAudioBytes),
	}
}

// frameEnvelope covers the JSON fields around an audio chunk.
const frameEnvelope = 4 << 10

func frameLimit(maxAudioBytes int64) int64 {
	if maxAudioBytes <= 0 {
		return 0
	}
	return (maxAudioBytes+2)/3*4 + frameEnvelope
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) event(event ws.Event, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteEvent(c.ws, event, data)
}

func (c *conn) fail(action ws.Action, err error) error {
	_, code := classify(err)
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteError(c.ws, action, string(code), err.Error())
}

// SessionStream godoc
// WS /ws/v1/sessions/:session_id/stream
// Sends a snapshot, then every session event; accepts answer, audio,
// integrity and submission actions.
func (h *StreamHandler) SessionStream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	ctrl, err := h.sessions.Get(id)
	if err != nil {
		failWith(c, err)
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer wsConn.Close()
	if h.readLimit > 0 {
		wsConn.SetReadLimit(h.readLimit)
	}
	out := &conn{ws: wsConn}

	wsLog := h.log.With().
		Str("session_id", id.String()).
		Int("exam_id", ctrl.ExamID()).
		Int("student_id", ctrl.Identity().StudentID).
		Logger()
	wsLog.Info().Msg("Client connected")

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	snap, err := ctrl.Snapshot(c.Request.Context())
	if err != nil {
		_ = out.fail("", err)
		return
	}
	if err := out.event(ws.EventSnapshot, snap); err != nil {
		return
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range events {
			if err := out.event(ws.Event(ev.Type), ev); err != nil {
				return
			}
		}
	}()

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(wsConn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		if msg.Action == ws.ActionPing {
			_ = out.event(ws.EventPong, nil)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		err := h.dispatch(ctx, ctrl, &msg)
		cancel()
		if err != nil {
			wsLog.Debug().Err(err).Str("action", string(msg.Action)).Msg("Action rejected")
			if werr := out.fail(msg.Action, err); werr != nil {
				break
			}
		}
	}

	unsubscribe()
	<-pumpDone
}

var errUnknownAction = errors.New("unknown action")

func (h *StreamHandler) dispatch(ctx context.Context, ctrl *session.Controller, msg *ws.RequestPayload) error {
	switch msg.Action {
	case ws.ActionAnswer:
		return ctrl.SetAnswer(ctx, msg.QID, model.TextAnswer(msg.Answer))
	case ws.ActionMatch:
		if msg.Index == nil {
			return session.ErrAnswerKind
		}
		return ctrl.SetMatching(ctx, msg.QID, *msg.Index, msg.Answer)
	case ws.ActionIntegrity:
		// The verdict reaches the client as a published event.
		_, err := ctrl.ReportIntegrity(ctx, model.IntegrityEvent{
			Kind:  model.IntegrityEventKind(msg.Kind),
			Key:   msg.Key,
			Ctrl:  msg.Ctrl,
			Shift: msg.Shift,
			Alt:   msg.Alt,
			Meta:  msg.Meta,
		})
		return err
	case ws.ActionAudioStart:
		in := session.RemoteInput{Granted: msg.Permission != "denied"}
		return ctrl.StartAudio(ctx, msg.QID, in, msg.MIMEType)
	case ws.ActionAudioChunk:
		return ctrl.AppendAudio(ctx, msg.QID, msg.Data)
	case ws.ActionAudioStop:
		return ctrl.StopAudio(ctx, msg.QID)
	case ws.ActionAudioRerecord:
		return ctrl.Rerecord(ctx, msg.QID)
	case ws.ActionSubmit:
		return ctrl.Submit(ctx)
	case ws.ActionRetry:
		return ctrl.Retry(ctx)
	default:
		return errUnknownAction
	}
}
