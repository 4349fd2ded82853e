package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/response"
	"github.com/uedu/exam-gateway/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // keeps a stuck session from blocking the SSE loop
)

// MonitorFeed opens a subscription to an exam's live monitor channel.
type MonitorFeed interface {
	Subscribe(ctx context.Context, examID int) *redis.PubSub
}

// MonitorHandler streams live exam activity over Server-Sent Events.
type MonitorHandler struct {
	sessions *service.SessionService
	feed     MonitorFeed
	log      zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(sessions *service.SessionService, feed MonitorFeed, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		sessions: sessions,
		feed:     feed,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// monitorStats summarises the live sessions of one exam.
type monitorStats struct {
	Live        int `json:"live"`
	Active      int `json:"active"`
	Submitting  int `json:"submitting"`
	Completed   int `json:"completed"`
	Errored     int `json:"errored"`
	TabSwitches int `json:"tab_switches"`
}

func summarise(snaps []model.SessionSnapshot) monitorStats {
	st := monitorStats{Live: len(snaps)}
	for _, s := range snaps {
		switch s.State {
		case model.SessionStateActive:
			st.Active++
		case model.SessionStateSubmitting:
			st.Submitting++
		case model.SessionStateCompleted:
			st.Completed++
		case model.SessionStateError:
			st.Errored++
		}
		st.TabSwitches += s.Integrity.TabSwitches
	}
	return st
}

// MonitorExamSSE godoc
// GET /api/v1/exams/:exam_id/monitor
// Sends a snapshot of the live sessions, then relays session events as they happen.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := strconv.Atoi(c.Param("exam_id"))
	if err != nil || examID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	var ch <-chan *redis.Message
	if h.feed != nil {
		pubsub := h.feed.Subscribe(reqCtx, examID)
		defer pubsub.Close()
		ch = pubsub.Channel()
	}

	h.sendSnapshot(c, reqCtx, examID, "snapshot")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	log := h.log.With().Int("exam_id", examID).Logger()
	log.Info().Msg("Attached to live monitor")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Detached from live monitor")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Already JSON; forward as is.
			writeSSE(c, []byte(msg.Payload))

		case <-refresh.C:
			h.sendSnapshot(c, reqCtx, examID, "refresh")

		case <-keepAlive.C:
			writeSSE(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, parent context.Context, examID int, kind string) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	snaps := h.sessions.ListByExam(ctx, examID)
	c.SSEvent("message", gin.H{
		"type":     kind,
		"exam_id":  examID,
		"stats":    summarise(snaps),
		"sessions": snaps,
	})
	c.Writer.Flush()
}

func writeSSE(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
