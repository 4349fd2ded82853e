package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/model"
)

// IntegrityWorker batches integrity records from Redis into integrity_events.
type IntegrityWorker struct {
	db    DB
	queue *batchQueue[model.IntegrityRecord]
	log   zerolog.Logger
}

// NewIntegrityWorker creates a new IntegrityWorker.
func NewIntegrityWorker(db DB, rdb *redis.Client, log zerolog.Logger) *IntegrityWorker {
	w := &IntegrityWorker{db: db, log: log.With().Str("component", "integrity_worker").Logger()}
	w.queue = &batchQueue[model.IntegrityRecord]{
		rdb:     rdb,
		name:    config.WorkerKey.PersistIntegrityQueue,
		log:     w.log,
		size:    BatchSize,
		timeout: BatchTimeout,
		backoff: 2 * time.Second,
		flush:   w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *IntegrityWorker) Start(ctx context.Context) {
	w.queue.run(ctx)
}

var integrityColumns = []string{
	"session_id", "exam_id", "student_id", "kind", "key", "suppressed", "tab_switches", "disabled", "recorded_at",
}

// flush tries COPY first, then row-by-row; only rows that fail to insert are returned.
func (w *IntegrityWorker) flush(ctx context.Context, batch []model.IntegrityRecord) []model.IntegrityRecord {
	err := w.bulkInsert(ctx, batch)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.IntegrityRecord
	for _, r := range batch {
		sid, err := uuid.Parse(r.SessionID)
		if err != nil {
			w.log.Error().Str("session_id", r.SessionID).Msg("Dropping integrity record with invalid session id")
			continue
		}
		_, err = w.db.Exec(ctx,
			`INSERT INTO integrity_events (session_id, exam_id, student_id, kind, key, suppressed, tab_switches, disabled, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sid, r.ExamID, r.StudentID, string(r.Kind), r.Key, r.Suppress, r.Count, r.Disabled, time.Unix(r.Timestamp, 0),
		)
		if err != nil {
			w.log.Error().Err(err).Int("student_id", r.StudentID).Msg("Insert failed, requeueing")
			failed = append(failed, r)
		}
	}
	return failed
}

func (w *IntegrityWorker) bulkInsert(ctx context.Context, batch []model.IntegrityRecord) error {
	rows := make([][]any, 0, len(batch))
	for _, r := range batch {
		sid, err := uuid.Parse(r.SessionID)
		if err != nil {
			// The fallback path drops the bad row individually.
			return err
		}
		rows = append(rows, []any{
			sid, r.ExamID, r.StudentID, string(r.Kind), r.Key, r.Suppress, r.Count, r.Disabled, time.Unix(r.Timestamp, 0),
		})
	}
	_, err := w.db.CopyFrom(ctx, pgx.Identifier{"integrity_events"}, integrityColumns, pgx.CopyFromRows(rows))
	return err
}
