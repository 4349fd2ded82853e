package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// DB is the subset of *pgxpool.Pool the workers use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// batchQueue drains a Redis list into batches and hands each batch to flush.
// Items flush returns are pushed back onto the queue.
type batchQueue[T any] struct {
	rdb     *redis.Client
	name    string
	log     zerolog.Logger
	size    int
	timeout time.Duration
	backoff time.Duration
	flush   func(ctx context.Context, batch []T) []T
}

func (q *batchQueue[T]) run(ctx context.Context) {
	q.log.Info().Str("queue", q.name).Msg("Worker started")

	buffer := make([]T, 0, q.size)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= q.size || time.Since(lastFlush) >= q.timeout) {
			q.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			q.shutdown(buffer)
			return
		default:
		}

		result, err := q.rdb.BLPop(ctx, PollTimeout, q.name).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			q.log.Error().Err(err).Msg("Redis connection error, backing off")
			q.sleep(ctx)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed payloads can never succeed.
			q.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

func (q *batchQueue[T]) flushSafe(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	if failed := q.flush(ctx, batch); len(failed) > 0 {
		q.requeue(ctx, failed)
	}
}

func (q *batchQueue[T]) requeue(ctx context.Context, items []T) {
	pipe := q.rdb.Pipeline()
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, q.name, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: failed to requeue items, data lost")
		return
	}
	q.log.Warn().Int("count", len(items)).Msg("Requeued failed items")
	q.sleep(ctx)
}

func (q *batchQueue[T]) shutdown(buffer []T) {
	q.log.Info().Int("pending", len(buffer)).Msg("Worker stopping, flushing remaining buffer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.flushSafe(ctx, buffer)
	q.log.Info().Msg("Worker stopped")
}

func (q *batchQueue[T]) sleep(ctx context.Context) {
	t := time.NewTimer(q.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
