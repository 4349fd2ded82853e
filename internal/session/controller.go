package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/model"
)

// ExamCatalog fetches an exam together with its questions.
type ExamCatalog interface {
	FetchExam(ctx context.Context, examID int) (*model.ExamWithQuestions, error)
}

// Grader grades a submitted attempt.
type Grader interface {
	Submit(ctx context.Context, req model.SubmitRequest) (*model.Result, error)
}

// AnswerSink receives every accepted answer write.
type AnswerSink interface {
	SaveAnswer(ctx context.Context, rec model.AnswerRecord) error
}

// IntegritySink receives integrity verdicts worth keeping.
type IntegritySink interface {
	RecordIntegrity(ctx context.Context, rec model.IntegrityRecord) error
}

// AttemptSink receives the graded attempt once the session completes.
type AttemptSink interface {
	ArchiveAttempt(ctx context.Context, a model.Attempt) error
}

// Resume carries autosaved progress into a fresh controller.
type Resume struct {
	StartedAt time.Time
	Answers   map[string]string
}

// Config wires a Controller. Catalog and Grader are required.
type Config struct {
	SessionID             uuid.UUID
	ExamID                int
	Identity              model.Identity
	Integrity             IntegrityConfig
	AutoSubmitOnIntegrity bool
	AudioMaxSeconds       int
	AudioMaxBytes         int64
	SubmitTimeout         time.Duration

	Catalog      ExamCatalog
	Grader       Grader
	Answers      AnswerSink
	IntegrityLog IntegritySink
	Attempts     AttemptSink

	Resume *Resume
	Ticker TickerFunc
	Now    func() time.Time
	Logger zerolog.Logger
}

const (
	hookBuffer  = 1024
	hookTimeout = 5 * time.Second
)

// Controller is the state machine of one exam attempt. Every mutation runs on a
// single goroutine; the exported methods are safe for concurrent use.
type Controller struct {
	id        uuid.UUID
	examID    int
	identity  model.Identity
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
	newTicker TickerFunc

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	hooks     chan func(context.Context)
	hooksDone chan struct{}
	events    *fanout

	// Owned by the run loop.
	state       model.SessionState
	loading     bool
	exam        *model.Exam
	questions   []model.Question
	answers     *AnswerStore
	countdown   *Countdown
	ticker      Ticker
	tickBase    time.Time
	ticked      int
	monitor     *Monitor
	detach      func()
	recorders   map[int]*Recorder
	fallback    map[int]bool
	trigger     model.SubmitTrigger
	startedAt   time.Time
	completedAt time.Time
	pending     *model.SubmitRequest
	result      *model.Result
	lastErr     string
	retryable   bool
	locks       int
}

// New creates a controller in the loading state and starts its loop.
func New(cfg Config) *Controller {
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Ticker == nil {
		cfg.Ticker = WallTicker
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.AudioMaxSeconds <= 0 {
		cfg.AudioMaxSeconds = DefaultAudioSeconds
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:       cfg.SessionID,
		examID:   cfg.ExamID,
		identity: cfg.Identity,
		cfg:      cfg,
		log: cfg.Logger.With().
			Str("component", "session").
			Str("session_id", cfg.SessionID.String()).
			Int("exam_id", cfg.ExamID).
			Int("student_id", cfg.Identity.StudentID).
			Logger(),
		now:       cfg.Now,
		newTicker: cfg.Ticker,
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		hooks:     make(chan func(context.Context), hookBuffer),
		hooksDone: make(chan struct{}),
		events:    newFanout(),
		state:     model.SessionStateLoading,
		recorders: make(map[int]*Recorder),
		fallback:  make(map[int]bool),
	}
	go c.run()
	go c.runHooks()
	return c
}

// ID returns the session id.
func (c *Controller) ID() uuid.UUID { return c.id }

// ExamID returns the exam this session is for.
func (c *Controller) ExamID() int { return c.examID }

// Identity returns the participant.
func (c *Controller) Identity() model.Identity { return c.identity }

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Subscribe returns a stream of session events and a function that ends the subscription.
// A subscriber that falls behind misses events instead of stalling the session.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Close tears the session down without submitting. It is safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
	<-c.hooksDone
}

// Load fetches the exam and activates the session. It may be called again after a
// failed load.
func (c *Controller) Load(ctx context.Context) error {
	var begin error
	if err := c.do(ctx, func() { begin = c.beginLoad() }); err != nil {
		return err
	}
	if begin != nil {
		return begin
	}

	data, fetchErr := c.cfg.Catalog.FetchExam(ctx, c.examID)

	var loadErr error
	if err := c.do(context.Background(), func() { loadErr = c.finishLoad(data, fetchErr) }); err != nil {
		return err
	}
	return loadErr
}

// SetAnswer writes the answer for one question. An empty value clears it.
func (c *Controller) SetAnswer(ctx context.Context, questionID int, v model.AnswerValue) error {
	var out error
	if err := c.do(ctx, func() { out = c.setAnswer(questionID, v) }); err != nil {
		return err
	}
	return out
}

// SetMatching writes one sub-answer of a matching question.
func (c *Controller) SetMatching(ctx context.Context, questionID, index int, text string) error {
	var out error
	if err := c.do(ctx, func() { out = c.setMatching(questionID, index, text) }); err != nil {
		return err
	}
	return out
}

// ReportIntegrity feeds one environment event to the integrity monitor.
func (c *Controller) ReportIntegrity(ctx context.Context, ev model.IntegrityEvent) (model.IntegrityVerdict, error) {
	var v model.IntegrityVerdict
	if err := c.do(ctx, func() { v = c.handleIntegrity(ev) }); err != nil {
		return model.IntegrityVerdict{}, err
	}
	return v, nil
}

// StartAudio begins a capture for a speaking question. A denied input marks the
// question for text fallback and returns ErrCaptureDenied.
func (c *Controller) StartAudio(ctx context.Context, questionID int, in Input, mime string) error {
	return c.audioOp(ctx, questionID, func(r *Recorder) error {
		err := r.StartCapture(in, mime)
		if errors.Is(err, ErrCaptureDenied) {
			c.fallback[questionID] = true
			c.log.Warn().Int("q_id", questionID).Msg("Audio capture denied, text fallback enabled")
		}
		return err
	})
}

// AppendAudio buffers a chunk of the capture in progress.
func (c *Controller) AppendAudio(ctx context.Context, questionID int, chunk []byte) error {
	return c.audioOp(ctx, questionID, func(r *Recorder) error {
		return r.Append(chunk)
	})
}

// StopAudio finishes the capture and stores it as the answer.
func (c *Controller) StopAudio(ctx context.Context, questionID int) error {
	return c.audioOp(ctx, questionID, func(r *Recorder) error {
		return r.StopCapture()
	})
}

// Rerecord discards the current take so a new one can be captured.
func (c *Controller) Rerecord(ctx context.Context, questionID int) error {
	return c.audioOp(ctx, questionID, func(r *Recorder) error {
		r.Recapture()
		return nil
	})
}

// UploadAudio stores an uploaded audio file as the answer.
func (c *Controller) UploadAudio(ctx context.Context, questionID int, mime string, data []byte) error {
	return c.audioOp(ctx, questionID, func(r *Recorder) error {
		return r.Upload(mime, data)
	})
}

// Submit requests a manual submission. Repeated calls after the first are no-ops.
func (c *Controller) Submit(ctx context.Context) error {
	var out error
	if err := c.do(ctx, func() {
		if c.answers == nil {
			out = ErrNotActive
			return
		}
		c.triggerSubmit(model.SubmitTriggerManual)
	}); err != nil {
		return err
	}
	return out
}

// Retry re-sends the payload of a failed submission.
func (c *Controller) Retry(ctx context.Context) error {
	var out error
	if err := c.do(ctx, func() { out = c.retry() }); err != nil {
		return err
	}
	return out
}

// Snapshot returns a consistent view of the session.
func (c *Controller) Snapshot(ctx context.Context) (model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	if err := c.do(ctx, func() { snap = c.snapshot() }); err != nil {
		return model.SessionSnapshot{}, err
	}
	return snap, nil
}

// Await blocks until the session reaches one of the given states.
func (c *Controller) Await(ctx context.Context, states ...model.SessionState) (model.SessionSnapshot, error) {
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if slices.Contains(states, snap.State) {
			return snap, nil
		}
		select {
		case _, ok := <-events:
			if !ok {
				return snap, ErrClosed
			}
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// ─── Loop plumbing ──────────────────────────────────────────────

func (c *Controller) run() {
	defer close(c.done)
	defer c.events.close()
	defer close(c.hooks)

	for {
		var tickC <-chan time.Time
		if c.ticker != nil {
			tickC = c.ticker.C()
		}
		select {
		case fn := <-c.cmds:
			fn()
		case t := <-tickC:
			c.onTick(t)
		case <-c.quit:
			c.teardown()
			c.log.Debug().Str("state", string(c.state)).Msg("Session closed")
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post hands fn to the loop from a helper goroutine without waiting for it.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.quit:
	}
}

func (c *Controller) runHooks() {
	defer close(c.hooksDone)
	for h := range c.hooks {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		h(ctx)
		cancel()
	}
}

func (c *Controller) enqueueHook(name string, h func(context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := h(ctx); err != nil {
			c.log.Error().Err(err).Str("hook", name).Msg("Session hook failed")
		}
	}
	select {
	case c.hooks <- wrapped:
	default:
		c.log.Error().Str("hook", name).Msg("Hook queue full, dropping")
	}
}

func (c *Controller) publish(t EventType, data any) {
	c.events.publish(Event{Type: t, SessionID: c.id, At: c.now(), Data: data})
}

func (c *Controller) setState(s model.SessionState) {
	if c.state == s {
		return
	}
	c.log.Info().Str("from", string(c.state)).Str("to", string(s)).Msg("Session state changed")
	c.state = s
	c.publish(EventState, StateData{State: s, Trigger: c.trigger, Error: c.lastErr, Retryable: c.retryable})
}

// ─── Loading ────────────────────────────────────────────────────

func (c *Controller) beginLoad() error {
	if c.loading || c.exam != nil {
		return ErrNotLoadable
	}
	if c.state != model.SessionStateLoading && c.state != model.SessionStateError {
		return ErrNotLoadable
	}
	c.loading = true
	c.lastErr = ""
	c.setState(model.SessionStateLoading)
	return nil
}

func (c *Controller) finishLoad(data *model.ExamWithQuestions, fetchErr error) error {
	c.loading = false
	if fetchErr == nil && data == nil {
		fetchErr = errors.New("catalog returned no exam")
	}
	if fetchErr != nil {
		err := fmt.Errorf("load exam %d: %w", c.examID, fetchErr)
		c.lastErr = err.Error()
		c.retryable = false
		c.log.Error().Err(fetchErr).Msg("Exam load failed")
		c.setState(model.SessionStateError)
		c.publish(EventError, c.lastErr)
		return err
	}

	exam := data.Exam
	qs := slices.Clone(data.Questions)
	model.SortQuestions(qs)

	now := c.now()
	c.exam = &exam
	c.questions = qs
	c.answers = NewAnswerStore(qs)
	c.startedAt = now

	remaining := exam.DurationSeconds()
	if r := c.cfg.Resume; r != nil {
		if !r.StartedAt.IsZero() {
			c.startedAt = r.StartedAt
			remaining -= int(now.Sub(r.StartedAt) / time.Second)
		}
		c.restoreAnswers(r.Answers)
	}
	c.countdown = NewCountdown(remaining)

	c.monitor = NewMonitor(c.cfg.Integrity, IntegrityCallbacks{
		OnTabSwitch: func(count int) {
			c.log.Warn().Int("tab_switches", count).Msg("Tab switch detected")
		},
		OnDisabled: c.onIntegrityDisabled,
	})
	c.detach = c.monitor.Attach()

	c.tickBase = now
	c.ticked = 0
	c.ticker = c.newTicker(time.Second)
	c.setState(model.SessionStateActive)

	if c.countdown.Expired() {
		c.triggerSubmit(model.SubmitTriggerTimeout)
	}
	return nil
}

func (c *Controller) restoreAnswers(saved map[string]string) {
	for key, raw := range saved {
		qid, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		q, ok := c.answers.Question(qid)
		if !ok {
			continue
		}
		v, err := model.DecodeAnswer(q.QuestionType, raw)
		if err != nil {
			c.log.Warn().Err(err).Int("q_id", qid).Msg("Skipping unreadable saved answer")
			continue
		}
		if err := c.answers.Set(qid, v); err != nil {
			c.log.Warn().Err(err).Int("q_id", qid).Msg("Skipping invalid saved answer")
			continue
		}
		if q.QuestionType == model.QuestionTypeSpeaking && v.Kind == model.AnswerKindText {
			c.fallback[qid] = true
		}
	}
}

// ─── Answers ────────────────────────────────────────────────────

func (c *Controller) setAnswer(qid int, v model.AnswerValue) error {
	if c.answers == nil {
		return ErrNotActive
	}
	if q, ok := c.answers.Question(qid); ok && q.QuestionType == model.QuestionTypeSpeaking &&
		v.Kind == model.AnswerKindText && v.Text != "" && !c.fallback[qid] {
		return fmt.Errorf("%w: speaking question %d takes text only when audio capture is unavailable", ErrAnswerKind, qid)
	}
	if err := c.answers.Set(qid, v); err != nil {
		return err
	}
	c.answerSaved(qid)
	return nil
}

func (c *Controller) setMatching(qid, index int, text string) error {
	if c.answers == nil {
		return ErrNotActive
	}
	if err := c.answers.SetMatching(qid, index, text); err != nil {
		return err
	}
	c.answerSaved(qid)
	return nil
}

func (c *Controller) answerSaved(qid int) {
	encoded := ""
	if v, ok := c.answers.Get(qid); ok {
		enc, err := v.Encode()
		if err != nil {
			c.log.Error().Err(err).Int("q_id", qid).Msg("Encode answer")
			return
		}
		encoded = enc
	}

	if sink := c.cfg.Answers; sink != nil {
		rec := model.AnswerRecord{
			SessionID:  c.id.String(),
			ExamID:     c.examID,
			StudentID:  c.identity.StudentID,
			QuestionID: qid,
			Answer:     encoded,
			Timestamp:  c.now().Unix(),
		}
		c.enqueueHook("answer", func(ctx context.Context) error { return sink.SaveAnswer(ctx, rec) })
	}

	c.publish(EventSaved, SavedData{
		QuestionID: qid,
		Answered:   c.answers.AnsweredCount(),
		Total:      c.answers.Total(),
		Progress:   c.answers.Progress(),
	})
}

// ─── Integrity ──────────────────────────────────────────────────

func (c *Controller) handleIntegrity(ev model.IntegrityEvent) model.IntegrityVerdict {
	if c.monitor == nil {
		return model.IntegrityVerdict{Kind: ev.Kind, Ignored: true}
	}
	at := ev.At
	if at.IsZero() {
		at = c.now()
	}
	v := c.monitor.Handle(ev, at)

	if v.Notable() {
		if sink := c.cfg.IntegrityLog; sink != nil {
			rec := model.IntegrityRecord{
				SessionID: c.id.String(),
				ExamID:    c.examID,
				StudentID: c.identity.StudentID,
				Kind:      ev.Kind,
				Key:       ev.Key,
				Suppress:  v.Suppress,
				Count:     v.TabSwitches,
				Disabled:  v.Disabled,
				Timestamp: at.Unix(),
			}
			c.enqueueHook("integrity", func(ctx context.Context) error { return sink.RecordIntegrity(ctx, rec) })
		}
	}
	if !v.Ignored {
		c.publish(EventVerdict, v)
	}
	return v
}

func (c *Controller) onIntegrityDisabled(count int) {
	c.log.Warn().Int("tab_switches", count).Msg("Tab switch limit reached")
	if c.cfg.AutoSubmitOnIntegrity {
		c.triggerSubmit(model.SubmitTriggerIntegrity)
		return
	}
	c.locks++
	c.publish(EventIntegrityLocked, LockData{TabSwitches: count})
}

// ─── Audio ──────────────────────────────────────────────────────

func (c *Controller) audioOp(ctx context.Context, qid int, op func(*Recorder) error) error {
	var out error
	if err := c.do(ctx, func() {
		if c.answers == nil || c.state != model.SessionStateActive {
			out = ErrNotActive
			return
		}
		q, ok := c.answers.Question(qid)
		if !ok {
			out = fmt.Errorf("%w: %d", ErrUnknownQuestion, qid)
			return
		}
		if q.QuestionType != model.QuestionTypeSpeaking {
			out = fmt.Errorf("%w: question %d is %s", ErrAnswerKind, qid, q.QuestionType)
			return
		}
		r := c.recorder(qid)
		out = op(r)
		data := AudioData{QuestionID: qid, Status: r.Status(), TextFallback: c.fallback[qid]}
		if out != nil {
			data.Error = out.Error()
		}
		c.publish(EventAudio, data)
	}); err != nil {
		return err
	}
	return out
}

func (c *Controller) recorder(qid int) *Recorder {
	if r, ok := c.recorders[qid]; ok {
		return r
	}
	r := NewRecorder(c.cfg.AudioMaxSeconds, c.cfg.AudioMaxBytes, func(p model.AudioPayload) {
		if err := c.answers.Set(qid, model.AudioAnswer(p)); err != nil {
			c.log.Error().Err(err).Int("q_id", qid).Msg("Store audio answer")
			return
		}
		c.answerSaved(qid)
	})
	c.recorders[qid] = r
	return r
}

// ─── Timer ──────────────────────────────────────────────────────

// onTick advances the countdown by every whole second elapsed since the last tick,
// so a delayed or coalesced tick never loses time.
func (c *Controller) onTick(t time.Time) {
	if c.state != model.SessionStateActive {
		return
	}
	due := int(t.Sub(c.tickBase)/time.Second) - c.ticked
	if due <= 0 {
		return
	}
	for range due {
		c.ticked++
		for qid, r := range c.recorders {
			if r.State() != model.AudioStateCapturing {
				continue
			}
			r.Tick()
			if r.State() != model.AudioStateCapturing {
				c.publish(EventAudio, AudioData{QuestionID: qid, Status: r.Status(), TextFallback: c.fallback[qid]})
			}
		}
		if c.countdown.Tick() {
			c.publish(EventTick, TickData{Remaining: 0})
			c.triggerSubmit(model.SubmitTriggerTimeout)
			return
		}
	}
	c.publish(EventTick, TickData{Remaining: c.countdown.Remaining()})
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

// ─── Submission ─────────────────────────────────────────────────

// triggerSubmit moves an active session into submitting. Later triggers are no-ops.
func (c *Controller) triggerSubmit(trigger model.SubmitTrigger) {
	if c.state != model.SessionStateActive {
		return
	}
	c.trigger = trigger
	c.completedAt = c.now()

	// Takes still being captured are kept.
	for _, r := range c.recorders {
		if r.State() == model.AudioStateCapturing {
			_ = r.StopCapture()
		}
	}
	c.countdown.Stop()
	c.stopTicker()
	c.answers.Freeze()

	answers, err := c.answers.Serialize()
	if err != nil {
		c.lastErr = fmt.Sprintf("serialize answers: %v", err)
		c.retryable = false
		c.log.Error().Err(err).Msg("Serialize answers")
		c.releaseMonitor()
		c.setState(model.SessionStateError)
		return
	}
	req := model.NewSubmitRequest(c.examID, c.identity.StudentID, answers, c.startedAt, c.completedAt)
	c.pending = &req

	c.log.Info().Str("trigger", string(trigger)).Int("answered", len(answers)).Msg("Submitting exam")
	c.setState(model.SessionStateSubmitting)
	c.send(req)
}

func (c *Controller) send(req model.SubmitRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubmitTimeout)
		defer cancel()
		res, err := c.cfg.Grader.Submit(ctx, req)
		c.post(func() { c.finishSubmit(res, err) })
	}()
}

func (c *Controller) finishSubmit(res *model.Result, err error) {
	if c.state != model.SessionStateSubmitting {
		return
	}
	c.releaseMonitor()

	if err == nil && res == nil {
		err = errors.New("grading service returned no result")
	}
	if err != nil {
		c.lastErr = err.Error()
		c.retryable = !acceptedByGrader(err)
		c.log.Error().Err(err).Bool("retryable", c.retryable).Msg("Submission failed")
		c.setState(model.SessionStateError)
		c.publish(EventError, c.lastErr)
		return
	}
	if !res.Status.Final() {
		c.log.Warn().Str("status", string(res.Status)).Msg("Grading service returned a non-final status")
	}

	c.result = res
	c.lastErr = ""
	c.retryable = false
	for _, r := range c.recorders {
		r.Close()
	}
	c.log.Info().Float64("score", res.Score).Str("status", string(res.Status)).Bool("passed", res.Passed()).Msg("Exam graded")
	c.publish(EventResult, *res)
	c.setState(model.SessionStateCompleted)

	if sink := c.cfg.Attempts; sink != nil {
		attempt := model.Attempt{
			SessionID:      c.id.String(),
			ExamID:         c.examID,
			StudentID:      c.identity.StudentID,
			Score:          res.Score,
			Status:         res.Status,
			Trigger:        c.trigger,
			AnsweredCount:  c.answers.AnsweredCount(),
			TotalQuestions: c.answers.Total(),
			TabSwitches:    c.monitor.TabSwitches(),
			StartedAt:      c.startedAt,
			CompletedAt:    c.completedAt,
		}
		c.enqueueHook("attempt", func(ctx context.Context) error { return sink.ArchiveAttempt(ctx, attempt) })
	}
}

// acceptedByGrader reports whether err arrived after the grading service stored
// the attempt. Such a submission must not be sent again.
func acceptedByGrader(err error) bool {
	var a interface{ Accepted() bool }
	return errors.As(err, &a) && a.Accepted()
}

func (c *Controller) retry() error {
	if c.state != model.SessionStateError || c.pending == nil || !c.retryable {
		return ErrNotRetryable
	}
	c.lastErr = ""
	c.retryable = false
	c.log.Info().Msg("Retrying submission")
	c.setState(model.SessionStateSubmitting)
	c.send(*c.pending)
	return nil
}

// ─── Teardown & read model ──────────────────────────────────────

func (c *Controller) releaseMonitor() {
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

func (c *Controller) teardown() {
	c.stopTicker()
	if c.countdown != nil {
		c.countdown.Stop()
	}
	c.releaseMonitor()
	for _, r := range c.recorders {
		r.Close()
	}
	c.cancel()
}

func (c *Controller) snapshot() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		SessionID:      c.id,
		State:          c.state,
		Identity:       c.identity,
		ExamID:         c.examID,
		Trigger:        c.trigger,
		Error:          c.lastErr,
		Retryable:      c.retryable,
		IntegrityLocks: c.locks,
		Result:         c.result,
	}
	if c.exam != nil {
		exam := *c.exam
		snap.Exam = &exam
		snap.Questions = make([]model.Question, len(c.questions))
		for i, q := range c.questions {
			snap.Questions[i] = q.ForStudent()
		}
	}
	if c.countdown != nil {
		snap.Remaining = c.countdown.Remaining()
	}
	if c.answers != nil {
		snap.Answered = c.answers.AnsweredCount()
		snap.Total = c.answers.Total()
		snap.Progress = c.answers.Progress()
		snap.Answers = make(map[string]string, snap.Answered)
		for _, q := range c.questions {
			v, ok := c.answers.Get(q.ID)
			if !ok || v.Kind == model.AnswerKindAudio {
				continue
			}
			if enc, err := v.Encode(); err == nil {
				snap.Answers[strconv.Itoa(q.ID)] = enc
			}
		}
	}
	if c.monitor != nil {
		snap.Integrity = c.monitor.Status()
	}
	if len(c.recorders) > 0 {
		snap.Audio = make(map[int]model.AudioStatus, len(c.recorders))
		for qid, r := range c.recorders {
			snap.Audio[qid] = r.Status()
		}
	}
	for qid, on := range c.fallback {
		if on {
			snap.TextFallback = append(snap.TextFallback, qid)
		}
	}
	slices.Sort(snap.TextFallback)
	if !c.startedAt.IsZero() {
		t := c.startedAt
		snap.StartedAt = &t
	}
	if !c.completedAt.IsZero() {
		t := c.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
