package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrLoadFailed      = errors.New("exam could not be loaded")
)

// SessionStore persists live session state between restarts and feeds the
// monitor. *repository.SessionCacheRepository implements it.
type SessionStore interface {
	session.AnswerSink
	session.IntegritySink
	session.AttemptSink
	LoadAnswers(ctx context.Context, examID, studentID int) (map[string]string, error)
	StartedAt(ctx context.Context, examID, studentID int) (time.Time, bool, error)
	MarkStarted(ctx context.Context, examID, studentID int, at time.Time, limit time.Duration) (time.Time, error)
	SetSessionID(ctx context.Context, examID, studentID int, sessionID string) error
	SessionID(ctx context.Context, examID, studentID int) (string, error)
	Publish(ctx context.Context, examID int, payload []byte) error
}

// SessionOptions tunes the controllers created by the service.
type SessionOptions struct {
	Integrity       session.IntegrityConfig
	AutoSubmit      bool
	AudioMaxSeconds int
	AudioMaxBytes   int64
	SubmitTimeout   time.Duration
	Retention       time.Duration
	Ticker          session.TickerFunc
	Now             func() time.Time
}

// SessionOptionsFromConfig maps application config onto session options.
func SessionOptionsFromConfig(cfg *config.Config) SessionOptions {
	integrity := session.DefaultIntegrityConfig()
	integrity.MaxTabSwitches = cfg.MaxTabSwitches
	integrity.MinAway = cfg.MinAway
	return SessionOptions{
		Integrity:       integrity,
		AutoSubmit:      cfg.IntegrityAutoSubmit,
		AudioMaxSeconds: cfg.AudioMaxSeconds,
		AudioMaxBytes:   cfg.MaxAudioUploadBytes,
		SubmitTimeout:   cfg.HTTPClientTimeout,
		Retention:       cfg.SessionRetention,
	}
}

type ownerKey struct {
	studentID int
	examID    int
}

type liveSession struct {
	ctrl     *session.Controller
	owner    ownerKey
	lastSeen time.Time
}

// SessionService is the registry of live exam sessions.
type SessionService struct {
	catalog session.ExamCatalog
	grader  session.Grader
	store   SessionStore
	opts    SessionOptions
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*liveSession
	owners   map[ownerKey]uuid.UUID
}

// NewSessionService creates a new SessionService. store may be nil, which
// disables autosave, resume and the live monitor feed.
func NewSessionService(catalog session.ExamCatalog, grader session.Grader, store SessionStore, opts SessionOptions, log zerolog.Logger) *SessionService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionService{
		catalog:  catalog,
		grader:   grader,
		store:    store,
		opts:     opts,
		log:      log.With().Str("component", "session_service").Logger(),
		sessions: make(map[uuid.UUID]*liveSession),
		owners:   make(map[ownerKey]uuid.UUID),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────

// Start opens the participant's session for an exam, or returns the one already
// open. Autosaved progress is resumed when present.
func (s *SessionService) Start(ctx context.Context, who model.Identity, examID int) (*session.Controller, error) {
	key := ownerKey{studentID: who.StudentID, examID: examID}

	ctrl := s.existing(key)
	if ctrl == nil {
		resume, prevID := s.resumeState(ctx, key)

		s.mu.Lock()
		if id, ok := s.owners[key]; ok {
			ctrl = s.sessions[id].ctrl
			s.sessions[id].lastSeen = s.opts.Now()
		} else {
			if _, taken := s.sessions[prevID]; taken {
				prevID = uuid.Nil
			}
			ctrl = s.newController(who, examID, prevID, resume)
			s.sessions[ctrl.ID()] = &liveSession{ctrl: ctrl, owner: key, lastSeen: s.opts.Now()}
			s.owners[key] = ctrl.ID()
			go s.forward(ctrl)
		}
		s.mu.Unlock()
	}

	if err := s.ensureLoaded(ctx, ctrl); err != nil {
		return ctrl, err
	}
	return ctrl, nil
}

func (s *SessionService) existing(key ownerKey) *session.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.owners[key]
	if !ok {
		return nil
	}
	e := s.sessions[id]
	e.lastSeen = s.opts.Now()
	return e.ctrl
}

// resumeState reads what a previous session of the participant left behind:
// its start time, autosaved answers and session id. Answers are restored even
// when the start record is gone; the exam then gets a fresh timer.
func (s *SessionService) resumeState(ctx context.Context, key ownerKey) (*session.Resume, uuid.UUID) {
	if s.store == nil {
		return nil, uuid.Nil
	}
	log := s.log.With().Int("exam_id", key.examID).Int("student_id", key.studentID).Logger()

	startedAt, found, err := s.store.StartedAt(ctx, key.examID, key.studentID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read session start, starting fresh")
		return nil, uuid.Nil
	}
	answers, err := s.store.LoadAnswers(ctx, key.examID, key.studentID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read autosaved answers")
	}
	if !found && len(answers) == 0 {
		return nil, uuid.Nil
	}
	if !found {
		log.Warn().Int("answers", len(answers)).Msg("Session start record missing, restoring answers only")
	}

	var prevID uuid.UUID
	if raw, err := s.store.SessionID(ctx, key.examID, key.studentID); err != nil {
		log.Warn().Err(err).Msg("Failed to read previous session id")
	} else if raw != "" {
		if prevID, err = uuid.Parse(raw); err != nil {
			prevID = uuid.Nil
		}
	}

	log.Info().Int("answers", len(answers)).Msg("Resuming autosaved session")
	resume := &session.Resume{Answers: answers}
	if found {
		resume.StartedAt = startedAt
	}
	return resume, prevID
}

func (s *SessionService) newController(who model.Identity, examID int, id uuid.UUID, resume *session.Resume) *session.Controller {
	cfg := session.Config{
		SessionID:             id,
		ExamID:                examID,
		Identity:              who,
		Integrity:             s.opts.Integrity,
		AutoSubmitOnIntegrity: s.opts.AutoSubmit,
		AudioMaxSeconds:       s.opts.AudioMaxSeconds,
		AudioMaxBytes:         s.opts.AudioMaxBytes,
		SubmitTimeout:         s.opts.SubmitTimeout,
		Catalog:               s.catalog,
		Grader:                s.grader,
		Resume:                resume,
		Ticker:                s.opts.Ticker,
		Now:                   s.opts.Now,
		Logger:                s.log,
	}
	if s.store != nil {
		cfg.Answers = s.store
		cfg.IntegrityLog = s.store
		cfg.Attempts = s.store
	}
	return session.New(cfg)
}

// ensureLoaded loads the exam if nobody has yet, or waits for a load already running.
func (s *SessionService) ensureLoaded(ctx context.Context, ctrl *session.Controller) error {
	err := ctrl.Load(ctx)
	if err == nil {
		s.afterLoad(ctx, ctrl)
		return nil
	}
	if !errors.Is(err, session.ErrNotLoadable) {
		if ctx.Err() != nil || errors.Is(err, session.ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	snap, err := ctrl.Await(ctx,
		model.SessionStateActive,
		model.SessionStateSubmitting,
		model.SessionStateCompleted,
		model.SessionStateError,
	)
	if err != nil {
		return err
	}
	if snap.State == model.SessionStateError && snap.Exam == nil {
		return fmt.Errorf("%w: %s", ErrLoadFailed, snap.Error)
	}
	return nil
}

func (s *SessionService) afterLoad(ctx context.Context, ctrl *session.Controller) {
	if s.store == nil {
		return
	}
	snap, err := ctrl.Snapshot(ctx)
	if err != nil || snap.StartedAt == nil {
		return
	}
	who := ctrl.Identity()
	var limit time.Duration
	if snap.Exam != nil {
		limit = time.Duration(snap.Exam.DurationSeconds()) * time.Second
	}
	if _, err := s.store.MarkStarted(ctx, ctrl.ExamID(), who.StudentID, *snap.StartedAt, limit); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record session start")
	}
	if err := s.store.SetSessionID(ctx, ctrl.ExamID(), who.StudentID, ctrl.ID().String()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record session id")
	}
	snap.Questions = nil
	snap.Answers = nil
	s.announce(ctrl, model.MonitorJoined, snap)
}

// Get returns a live session by id.
func (s *SessionService) Get(id uuid.UUID) (*session.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.lastSeen = s.opts.Now()
	return e.ctrl, nil
}

// Abandon tears a session down without submitting it. Autosaved answers are
// kept so the attempt can be resumed.
func (s *SessionService) Abandon(id uuid.UUID) error {
	ctrl, ok := s.remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	ctrl.Close()
	s.announce(ctrl, model.MonitorLeft, nil)
	return nil
}

func (s *SessionService) remove(id uuid.UUID) (*session.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)
	if s.owners[e.owner] == id {
		delete(s.owners, e.owner)
	}
	return e.ctrl, true
}

// ListByExam returns snapshots of every live session of an exam, ordered by student.
func (s *SessionService) ListByExam(ctx context.Context, examID int) []model.SessionSnapshot {
	var ctrls []*session.Controller
	s.mu.Lock()
	for _, e := range s.sessions {
		if e.owner.examID == examID {
			ctrls = append(ctrls, e.ctrl)
		}
	}
	s.mu.Unlock()

	snaps := make([]model.SessionSnapshot, 0, len(ctrls))
	for _, c := range ctrls {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			continue
		}
		snap.Questions = nil
		snap.Answers = nil
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Identity.StudentID < snaps[j].Identity.StudentID
	})
	return snaps
}

// ─── Reaping ────────────────────────────────────────────────────

// Reap closes sessions that completed or ended in error (a failed load or a
// failed submission) and have been idle longer than the retention period.
// Autosaved answers of a failed submission stay in the store for a later
// Start to resume. It returns how many were removed.
func (s *SessionService) Reap(ctx context.Context) int {
	now := s.opts.Now()

	type candidate struct {
		id   uuid.UUID
		ctrl *session.Controller
		idle bool
	}
	var list []candidate
	s.mu.Lock()
	for id, e := range s.sessions {
		list = append(list, candidate{id: id, ctrl: e.ctrl, idle: now.Sub(e.lastSeen) > s.opts.Retention})
	}
	s.mu.Unlock()

	reaped := 0
	for _, c := range list {
		select {
		case <-c.ctrl.Done():
		default:
			if !c.idle {
				continue
			}
			snap, err := c.ctrl.Snapshot(ctx)
			if err != nil {
				continue
			}
			finished := snap.State == model.SessionStateCompleted ||
				snap.State == model.SessionStateError
			if !finished {
				continue
			}
		}
		if ctrl, ok := s.remove(c.id); ok {
			ctrl.Close()
			reaped++
		}
	}
	if reaped > 0 {
		s.log.Info().Int("count", reaped).Msg("Reaped finished sessions")
	}
	return reaped
}

// Run reaps periodically until ctx is cancelled, then closes every session.
func (s *SessionService) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-t.C:
			s.Reap(ctx)
		}
	}
}

// Shutdown closes every live session without submitting.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	ctrls := make([]*session.Controller, 0, len(s.sessions))
	for id, e := range s.sessions {
		ctrls = append(ctrls, e.ctrl)
		delete(s.sessions, id)
	}
	clear(s.owners)
	s.mu.Unlock()

	for _, c := range ctrls {
		c.Close()
	}
	s.log.Info().Int("count", len(ctrls)).Msg("Closed live sessions")
}

// ─── Monitor feed ───────────────────────────────────────────────

// forward relays session events to the exam monitor channel until the session closes.
func (s *SessionService) forward(ctrl *session.Controller) {
	if s.store == nil {
		return
	}
	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	for ev := range events {
		if ev.Type == session.EventTick {
			continue
		}
		s.announce(ctrl, string(ev.Type), ev.Data)
	}
}

func (s *SessionService) announce(ctrl *session.Controller, kind string, data any) {
	if s.store == nil {
		return
	}
	who := ctrl.Identity()
	msg := model.MonitorMessage{
		Type:      kind,
		SessionID: ctrl.ID().String(),
		ExamID:    ctrl.ExamID(),
		StudentID: who.StudentID,
		Name:      who.Name,
		At:        s.opts.Now(),
		Data:      data,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", kind).Msg("Encode monitor message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Publish(ctx, ctrl.ExamID(), raw); err != nil {
		s.log.Warn().Err(err).Str("type", kind).Msg("Failed to publish monitor message")
	}
}
