package model

// ExamType enumerates the kinds of exams offered by the academy.
type ExamType string

const (
	ExamTypePreRegistration ExamType = "pre_registration"
	ExamTypeProgress        ExamType = "progress"
	ExamTypeFinal           ExamType = "final"
)

// Exam is the catalog entry for an exam. It is immutable for the duration of a session.
type Exam struct {
	ID           int      `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	ExamType     ExamType `json:"exam_type"`
	Duration     int      `json:"duration"` // minutes
	PassingScore int      `json:"passing_score"`
	TotalPoints  int      `json:"total_points"`
}

// DurationSeconds returns the exam time budget in seconds.
func (e Exam) DurationSeconds() int {
	return e.Duration * 60
}
