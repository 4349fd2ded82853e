package model

import "time"

// ResultStatus is the pass/fail verdict returned by the grading service.
type ResultStatus string

const (
	ResultStatusPassed     ResultStatus = "passed"
	ResultStatusFailed     ResultStatus = "failed"
	ResultStatusInProgress ResultStatus = "in_progress"
)

// Final reports whether the grading service has decided the attempt.
func (s ResultStatus) Final() bool {
	return s == ResultStatusPassed || s == ResultStatusFailed
}

// SubmitRequest is the body of POST /exam-results/submit.
type SubmitRequest struct {
	ExamID      int               `json:"exam_id"`
	StudentID   int               `json:"student_id"`
	Answers     map[string]string `json:"answers"`
	StartedAt   string            `json:"started_at"`
	CompletedAt string            `json:"completed_at"`
}

// NewSubmitRequest formats timestamps as RFC 3339 in UTC.
func NewSubmitRequest(examID, studentID int, answers map[string]string, startedAt, completedAt time.Time) SubmitRequest {
	if answers == nil {
		answers = map[string]string{}
	}
	return SubmitRequest{
		ExamID:      examID,
		StudentID:   studentID,
		Answers:     answers,
		StartedAt:   startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt: completedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Result is the grading outcome of a submitted session.
type Result struct {
	ID          int          `json:"id,omitempty"`
	ExamID      int          `json:"exam_id"`
	StudentID   int          `json:"student_id"`
	Score       float64      `json:"score"`
	TotalPoints int          `json:"total_points,omitempty"`
	Status      ResultStatus `json:"status"`
}

// Passed reports whether the grading service marked the attempt as passed.
func (r Result) Passed() bool {
	return r.Status == ResultStatusPassed
}

// Attempt is an archived, graded session.
type Attempt struct {
	SessionID      string        `json:"session_id"`
	ExamID         int           `json:"exam_id"`
	StudentID      int           `json:"student_id"`
	Score          float64       `json:"score"`
	Status         ResultStatus  `json:"status"`
	Trigger        SubmitTrigger `json:"trigger"`
	AnsweredCount  int           `json:"answered_count"`
	TotalQuestions int           `json:"total_questions"`
	TabSwitches    int           `json:"tab_switches"`
	IntegrityCount int64         `json:"integrity_events"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
}
