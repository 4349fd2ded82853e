package client

import (
	"context"
	"net/http"
	"time"

	"github.com/uedu/exam-gateway/internal/model"
)

// Grading submits finished attempts to the grading service.
type Grading struct {
	base
}

// NewGrading creates a Grading client rooted at baseURL.
func NewGrading(baseURL string, timeout time.Duration) *Grading {
	return &Grading{base: newBase(baseURL, timeout)}
}

// Submit posts the attempt and returns the graded result. Any 2xx reply means
// the attempt is stored, whatever status it carries (grading may still be
// in_progress).
func (g *Grading) Submit(ctx context.Context, req model.SubmitRequest) (*model.Result, error) {
	var out model.Result
	if err := g.do(ctx, "submit exam", http.MethodPost, "/exam-results/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
