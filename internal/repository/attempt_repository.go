package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uedu/exam-gateway/internal/model"
)

// AttemptRepository reads archived attempts from PostgreSQL.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// ListByExam returns a page of archived attempts for an exam, newest first,
// with the number of integrity events each one recorded.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID, page, perPage int) ([]model.Attempt, int64, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_attempts WHERE exam_id = $1`, examID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT a.session_id::text, a.exam_id, a.student_id, a.score, a.status, a.submit_trigger,
		        a.answered_count, a.total_questions, a.tab_switches,
		        COALESCE(i.events, 0), a.started_at, a.completed_at
		 FROM exam_attempts a
		 LEFT JOIN (
		     SELECT session_id, COUNT(*) AS events
		     FROM integrity_events
		     WHERE exam_id = $1
		     GROUP BY session_id
		 ) i ON i.session_id = a.session_id
		 WHERE a.exam_id = $1
		 ORDER BY a.completed_at DESC
		 LIMIT $2 OFFSET $3`,
		examID, perPage, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []model.Attempt{}
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(
			&a.SessionID, &a.ExamID, &a.StudentID, &a.Score, &a.Status, &a.Trigger,
			&a.AnsweredCount, &a.TotalQuestions, &a.TabSwitches,
			&a.IntegrityCount, &a.StartedAt, &a.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, total, rows.Err()
}
