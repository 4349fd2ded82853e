package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/model"
)

// fakeDB records statements and fails any whose SQL contains failOn.
type fakeDB struct {
	mu      sync.Mutex
	failOn  string
	execs   []fakeExec
	copied  [][]any
	copyErr error
}

type fakeExec struct {
	sql  string
	args []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return pgconn.CommandTag{}, errors.New("connection refused")
	}
	f.execs = append(f.execs, fakeExec{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	var n int64
	for src.Next() {
		row, err := src.Values()
		if err != nil {
			return n, err
		}
		f.copied = append(f.copied, row)
		n++
	}
	return n, nil
}

func (f *fakeDB) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func push(t *testing.T, mr *miniredis.Miniredis, queue string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mr.Push(queue, string(raw)); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLatestAnswersKeepsLastWrite(t *testing.T) {
	got := latestAnswers([]model.AnswerRecord{
		{SessionID: "a", QuestionID: 1, Answer: "x"},
		{SessionID: "a", QuestionID: 2, Answer: "y"},
		{SessionID: "a", QuestionID: 1, Answer: "z"},
		{SessionID: "b", QuestionID: 1, Answer: "w"},
	})
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].Answer != "z" || got[1].Answer != "y" || got[2].Answer != "w" {
		t.Fatalf("unexpected dedupe result: %+v", got)
	}
}

func TestAnswerWorkerFallbackRequeuesFailures(t *testing.T) {
	rdb, mr := newRedis(t)
	db := &fakeDB{failOn: "UNNEST"}
	w := NewAnswerWorker(db, rdb, zerolog.Nop())
	w.queue.backoff = time.Millisecond

	failed := w.flush(context.Background(), []model.AnswerRecord{
		{SessionID: "s", QuestionID: 1, Answer: "A"},
		{SessionID: "s", QuestionID: 2, Answer: "B"},
	})
	if len(failed) != 0 || db.execCount() != 2 {
		t.Fatalf("fallback: failed=%d execs=%d", len(failed), db.execCount())
	}

	db.failOn = "session_answers"
	w.queue.flushSafe(context.Background(), []model.AnswerRecord{{SessionID: "s", QuestionID: 3, Answer: "C"}})
	queued, _ := mr.List(config.WorkerKey.PersistAnswersQueue)
	if len(queued) != 1 {
		t.Fatalf("requeued %d items, want 1", len(queued))
	}
}

func TestIntegrityWorkerDrainsQueue(t *testing.T) {
	rdb, mr := newRedis(t)
	db := &fakeDB{}
	w := NewIntegrityWorker(db, rdb, zerolog.Nop())
	w.queue.timeout = 10 * time.Millisecond

	sid := "4b6f3c2e-8f1a-4d5e-9b7c-1a2b3c4d5e6f"
	push(t, mr, config.WorkerKey.PersistIntegrityQueue, model.IntegrityRecord{SessionID: sid, Kind: model.IntegrityCopy, Suppress: true, Timestamp: 1})
	push(t, mr, config.WorkerKey.PersistIntegrityQueue, model.IntegrityRecord{SessionID: sid, Kind: model.IntegrityVisibilityVisible, Count: 1, Timestamp: 2})
	_, _ = mr.Push(config.WorkerKey.PersistIntegrityQueue, "{not json")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	waitFor(t, "integrity rows", func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.copied) == 2
	})
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	if l, _ := mr.List(config.WorkerKey.PersistIntegrityQueue); len(l) != 0 {
		t.Fatalf("queue not drained: %v", l)
	}
}

func TestIntegrityWorkerDropsInvalidSessionID(t *testing.T) {
	rdb, _ := newRedis(t)
	db := &fakeDB{}
	w := NewIntegrityWorker(db, rdb, zerolog.Nop())

	failed := w.flush(context.Background(), []model.IntegrityRecord{
		{SessionID: "not-a-uuid", Kind: model.IntegrityPaste},
		{SessionID: "4b6f3c2e-8f1a-4d5e-9b7c-1a2b3c4d5e6f", Kind: model.IntegrityPaste},
	})
	if len(failed) != 0 {
		t.Fatalf("failed = %v", failed)
	}
	if len(db.copied) != 0 || db.execCount() != 1 {
		t.Fatalf("copied=%d execs=%d, want row-by-row insert of the valid record", len(db.copied), db.execCount())
	}
}

func TestAttemptWorkerClearsAutosave(t *testing.T) {
	rdb, mr := newRedis(t)
	db := &fakeDB{}
	w := NewAttemptWorker(db, rdb, zerolog.Nop())

	mr.HSet(config.CacheKey.SessionAnswersKey(5, 9), "1", "A")
	_ = mr.Set(config.CacheKey.SessionStartKey(5, 9), "2025-01-01T00:00:00Z")
	mr.HSet(config.CacheKey.SessionAnswersKey(5, 10), "1", "B")

	failed := w.flush(context.Background(), []model.Attempt{{SessionID: "s", ExamID: 5, StudentID: 9, Score: 70, Status: model.ResultStatusPassed}})
	if len(failed) != 0 || db.execCount() != 1 {
		t.Fatalf("failed=%d execs=%d", len(failed), db.execCount())
	}
	if mr.Exists(config.CacheKey.SessionAnswersKey(5, 9)) || mr.Exists(config.CacheKey.SessionStartKey(5, 9)) {
		t.Fatal("autosave keys of the archived attempt were not cleared")
	}
	if !mr.Exists(config.CacheKey.SessionAnswersKey(5, 10)) {
		t.Fatal("another student's autosave was cleared")
	}

	db.failOn = "exam_attempts"
	mr.HSet(config.CacheKey.SessionAnswersKey(6, 9), "1", "A")
	failed = w.flush(context.Background(), []model.Attempt{{SessionID: "t", ExamID: 6, StudentID: 9}})
	if len(failed) != 1 || !mr.Exists(config.CacheKey.SessionAnswersKey(6, 9)) {
		t.Fatalf("failed insert must keep autosave and be returned, failed=%d", len(failed))
	}
}
