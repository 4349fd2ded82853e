package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/uedu/exam-gateway/internal/model"
)

// Catalog reads exams from the exam catalog service.
type Catalog struct {
	base
}

// NewCatalog creates a Catalog rooted at baseURL (e.g. http://host/api).
func NewCatalog(baseURL string, timeout time.Duration) *Catalog {
	return &Catalog{base: newBase(baseURL, timeout)}
}

// FetchExam returns the exam and its questions.
func (c *Catalog) FetchExam(ctx context.Context, examID int) (*model.ExamWithQuestions, error) {
	var out model.ExamWithQuestions
	if err := c.do(ctx, "fetch exam", http.MethodGet, fmt.Sprintf("/exams/%d/with-questions", examID), nil, &out); err != nil {
		return nil, err
	}
	if out.Exam.ID == 0 {
		return nil, fmt.Errorf("fetch exam: empty exam in response for id %d", examID)
	}
	if out.Questions == nil {
		out.Questions = []model.Question{}
	}
	return &out, nil
}
