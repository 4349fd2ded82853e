package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/model"
)

const (
	AttemptBatchSize    = 50
	AttemptBatchTimeout = 2 * time.Second
)

// AttemptWorker archives graded attempts and clears their autosave buffers.
type AttemptWorker struct {
	db    DB
	rdb   *redis.Client
	queue *batchQueue[model.Attempt]
	log   zerolog.Logger
}

// NewAttemptWorker creates a new AttemptWorker.
func NewAttemptWorker(db DB, rdb *redis.Client, log zerolog.Logger) *AttemptWorker {
	w := &AttemptWorker{db: db, rdb: rdb, log: log.With().Str("component", "attempt_worker").Logger()}
	w.queue = &batchQueue[model.Attempt]{
		rdb:     rdb,
		name:    config.WorkerKey.PersistAttemptsQueue,
		log:     w.log,
		size:    AttemptBatchSize,
		timeout: AttemptBatchTimeout,
		backoff: 2 * time.Second,
		flush:   w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AttemptWorker) Start(ctx context.Context) {
	w.queue.run(ctx)
}

// ─── Batch insert ───────────────────────────────────────────────

func (w *AttemptWorker) flush(ctx context.Context, batch []model.Attempt) []model.Attempt {
	err := w.bulkInsert(ctx, batch)
	if err == nil {
		w.clearAutosaved(ctx, batch)
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk attempt insert failed, using fallback")

	var failed, stored []model.Attempt
	for _, a := range batch {
		if err := w.insertOne(ctx, a); err != nil {
			w.log.Error().Err(err).Str("session_id", a.SessionID).Msg("Insert attempt failed, requeueing")
			failed = append(failed, a)
			continue
		}
		stored = append(stored, a)
	}
	w.clearAutosaved(ctx, stored)
	return failed
}

const insertAttemptsSQL = `
	INSERT INTO exam_attempts (
		session_id, exam_id, student_id, score, status, submit_trigger,
		answered_count, total_questions, tab_switches, started_at, completed_at
	)
	SELECT * FROM UNNEST(
		$1::uuid[], $2::int[], $3::int[], $4::float8[], $5::text[], $6::text[],
		$7::int[], $8::int[], $9::int[], $10::timestamptz[], $11::timestamptz[]
	)
	ON CONFLICT (session_id) DO NOTHING`

func (w *AttemptWorker) bulkInsert(ctx context.Context, batch []model.Attempt) error {
	n := len(batch)
	var (
		sessions  = make([]string, n)
		exams     = make([]int, n)
		students  = make([]int, n)
		scores    = make([]float64, n)
		statuses  = make([]string, n)
		triggers  = make([]string, n)
		answered  = make([]int, n)
		totals    = make([]int, n)
		switches  = make([]int, n)
		started   = make([]time.Time, n)
		completed = make([]time.Time, n)
	)
	for i, a := range batch {
		sessions[i] = a.SessionID
		exams[i] = a.ExamID
		students[i] = a.StudentID
		scores[i] = a.Score
		statuses[i] = string(a.Status)
		triggers[i] = string(a.Trigger)
		answered[i] = a.AnsweredCount
		totals[i] = a.TotalQuestions
		switches[i] = a.TabSwitches
		started[i] = a.StartedAt
		completed[i] = a.CompletedAt
	}
	_, err := w.db.Exec(ctx, insertAttemptsSQL,
		sessions, exams, students, scores, statuses, triggers,
		answered, totals, switches, started, completed,
	)
	return err
}

func (w *AttemptWorker) insertOne(ctx context.Context, a model.Attempt) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO exam_attempts (
			session_id, exam_id, student_id, score, status, submit_trigger,
			answered_count, total_questions, tab_switches, started_at, completed_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (session_id) DO NOTHING`,
		a.SessionID, a.ExamID, a.StudentID, a.Score, string(a.Status), string(a.Trigger),
		a.AnsweredCount, a.TotalQuestions, a.TabSwitches, a.StartedAt, a.CompletedAt,
	)
	return err
}

// ─── Redis cleanup ──────────────────────────────────────────────

// clearAutosaved drops the resume keys of attempts that reached the archive.
func (w *AttemptWorker) clearAutosaved(ctx context.Context, batch []model.Attempt) {
	if len(batch) == 0 {
		return
	}
	pipe := w.rdb.Pipeline()
	for _, a := range batch {
		pipe.Del(ctx,
			config.CacheKey.SessionAnswersKey(a.ExamID, a.StudentID),
			config.CacheKey.SessionStartKey(a.ExamID, a.StudentID),
			config.CacheKey.SessionIDKey(a.ExamID, a.StudentID),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear autosaved answers")
	}
}
