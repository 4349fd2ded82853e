package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/model"
)

// AnswerWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AnswerWorker struct {
	db    DB
	queue *batchQueue[model.AnswerRecord]
	log   zerolog.Logger
}

// NewAnswerWorker creates a new AnswerWorker.
func NewAnswerWorker(db DB, rdb *redis.Client, log zerolog.Logger) *AnswerWorker {
	w := &AnswerWorker{db: db, log: log.With().Str("component", "answer_worker").Logger()}
	w.queue = &batchQueue[model.AnswerRecord]{
		rdb:     rdb,
		name:    config.WorkerKey.PersistAnswersQueue,
		log:     w.log,
		size:    BatchSize,
		timeout: BatchTimeout,
		backoff: 2 * time.Second,
		flush:   w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AnswerWorker) Start(ctx context.Context) {
	w.queue.run(ctx)
}

type answerKey struct {
	session  string
	question int
}

// latestAnswers keeps the last write per session and question, in arrival order.
func latestAnswers(batch []model.AnswerRecord) []model.AnswerRecord {
	idx := make(map[answerKey]int, len(batch))
	out := make([]model.AnswerRecord, 0, len(batch))
	for _, r := range batch {
		k := answerKey{r.SessionID, r.QuestionID}
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

func (w *AnswerWorker) flush(ctx context.Context, batch []model.AnswerRecord) []model.AnswerRecord {
	batch = latestAnswers(batch)
	err := w.bulkUpsert(ctx, batch)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk upsert failed, attempting row-by-row recovery")

	var failed []model.AnswerRecord
	for _, r := range batch {
		if err := w.upsertOne(ctx, r); err != nil {
			w.log.Error().Err(err).
				Str("session_id", r.SessionID).
				Int("q_id", r.QuestionID).
				Msg("Persist error, requeueing")
			failed = append(failed, r)
		}
	}
	return failed
}

const upsertAnswersSQL = `
	INSERT INTO session_answers (session_id, exam_id, student_id, question_id, answer, updated_at)
	SELECT u.session_id, u.exam_id, u.student_id, u.question_id, u.answer, u.updated_at
	FROM UNNEST($1::uuid[], $2::int[], $3::int[], $4::int[], $5::text[], $6::timestamptz[])
	     AS u (session_id, exam_id, student_id, question_id, answer, updated_at)
	ON CONFLICT (session_id, question_id) DO UPDATE
	SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at
	WHERE session_answers.updated_at <= EXCLUDED.updated_at`

func (w *AnswerWorker) bulkUpsert(ctx context.Context, batch []model.AnswerRecord) error {
	n := len(batch)
	sessions := make([]string, n)
	exams := make([]int, n)
	students := make([]int, n)
	questions := make([]int, n)
	answers := make([]string, n)
	updated := make([]time.Time, n)
	for i, r := range batch {
		sessions[i] = r.SessionID
		exams[i] = r.ExamID
		students[i] = r.StudentID
		questions[i] = r.QuestionID
		answers[i] = r.Answer
		updated[i] = time.Unix(r.Timestamp, 0)
	}
	_, err := w.db.Exec(ctx, upsertAnswersSQL, sessions, exams, students, questions, answers, updated)
	return err
}

func (w *AnswerWorker) upsertOne(ctx context.Context, r model.AnswerRecord) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO session_answers (session_id, exam_id, student_id, question_id, answer, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at
		 WHERE session_answers.updated_at <= EXCLUDED.updated_at`,
		r.SessionID, r.ExamID, r.StudentID, r.QuestionID, r.Answer, time.Unix(r.Timestamp, 0),
	)
	return err
}
