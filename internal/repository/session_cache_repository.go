package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/model"
)

// SessionCacheRepository keeps live session state in Redis: autosaved answers,
// session start times and the persistence queues drained by the workers.
type SessionCacheRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSessionCacheRepository creates a new SessionCacheRepository. Keys expire
// after ttl of inactivity; zero keeps them until cleared.
func NewSessionCacheRepository(rdb *redis.Client, ttl time.Duration) *SessionCacheRepository {
	return &SessionCacheRepository{rdb: rdb, ttl: ttl}
}

// ─── Sinks ──────────────────────────────────────────────────────

// SaveAnswer autosaves one answer and queues it for the archive.
// An empty answer removes the question from the autosave hash.
func (r *SessionCacheRepository) SaveAnswer(ctx context.Context, rec model.AnswerRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode answer record: %w", err)
	}

	key := config.CacheKey.SessionAnswersKey(rec.ExamID, rec.StudentID)
	field := strconv.Itoa(rec.QuestionID)

	ttl := r.lifetime(ctx, rec.ExamID, rec.StudentID)

	pipe := r.rdb.TxPipeline()
	if rec.Answer == "" {
		pipe.HDel(ctx, key, field)
	} else {
		pipe.HSet(ctx, key, field, rec.Answer)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("autosave answer: %w", err)
	}
	return nil
}

// RecordIntegrity queues an integrity verdict for the archive.
func (r *SessionCacheRepository) RecordIntegrity(ctx context.Context, rec model.IntegrityRecord) error {
	return r.enqueue(ctx, config.WorkerKey.PersistIntegrityQueue, rec)
}

// ArchiveAttempt queues a graded attempt for the archive.
func (r *SessionCacheRepository) ArchiveAttempt(ctx context.Context, a model.Attempt) error {
	return r.enqueue(ctx, config.WorkerKey.PersistAttemptsQueue, a)
}

func (r *SessionCacheRepository) enqueue(ctx context.Context, queue string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", queue, err)
	}
	if err := r.rdb.RPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}

// ─── Resume state ───────────────────────────────────────────────

// LoadAnswers returns the autosaved answers of a participant keyed by question id.
func (r *SessionCacheRepository) LoadAnswers(ctx context.Context, examID, studentID int) (map[string]string, error) {
	answers, err := r.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(examID, studentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	return answers, nil
}

// MarkStarted records the start of an attempt and returns the effective start
// time. An earlier recorded start wins. The record outlives the exam itself
// (limit) by the retention ttl.
func (r *SessionCacheRepository) MarkStarted(ctx context.Context, examID, studentID int, at time.Time, limit time.Duration) (time.Time, error) {
	key := config.CacheKey.SessionStartKey(examID, studentID)
	var ttl time.Duration
	if r.ttl > 0 {
		ttl = limit + r.ttl
	}
	ok, err := r.rdb.SetNX(ctx, key, at.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("mark session start: %w", err)
	}
	if ok {
		return at, nil
	}
	started, found, err := r.StartedAt(ctx, examID, studentID)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return at, nil
	}
	return started, nil
}

// StartedAt returns the recorded start of an attempt, if any.
func (r *SessionCacheRepository) StartedAt(ctx context.Context, examID, studentID int) (time.Time, bool, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.SessionStartKey(examID, studentID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get session start: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse session start: %w", err)
	}
	return t, true, nil
}

// SetSessionID remembers the live session id of a participant's exam.
func (r *SessionCacheRepository) SetSessionID(ctx context.Context, examID, studentID int, sessionID string) error {
	ttl := r.lifetime(ctx, examID, studentID)
	if err := r.rdb.Set(ctx, config.CacheKey.SessionIDKey(examID, studentID), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("set session id: %w", err)
	}
	return nil
}

// SessionID returns the remembered session id, or "" when there is none.
func (r *SessionCacheRepository) SessionID(ctx context.Context, examID, studentID int) (string, error) {
	id, err := r.rdb.Get(ctx, config.CacheKey.SessionIDKey(examID, studentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session id: %w", err)
	}
	return id, nil
}

// ─── Live monitor ───────────────────────────────────────────────

// Publish sends a monitor message to everyone watching the exam.
func (r *SessionCacheRepository) Publish(ctx context.Context, examID int, payload []byte) error {
	if err := r.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID), payload).Err(); err != nil {
		return fmt.Errorf("publish monitor event: %w", err)
	}
	return nil
}

// Subscribe opens a subscription to an exam's monitor channel. The caller closes it.
func (r *SessionCacheRepository) Subscribe(ctx context.Context, examID int) *redis.PubSub {
	return r.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID))
}

// lifetime is how long the resume keys of an attempt must live: the retention
// ttl, or longer while the recorded start is still alive.
func (r *SessionCacheRepository) lifetime(ctx context.Context, examID, studentID int) time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	left, err := r.rdb.PTTL(ctx, config.CacheKey.SessionStartKey(examID, studentID)).Result()
	if err != nil || left < r.ttl {
		return r.ttl
	}
	return left
}
