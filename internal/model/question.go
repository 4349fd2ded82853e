package model

import (
	"encoding/json"
	"sort"
)

// QuestionType enumerates the answer affordances a question can request.
type QuestionType string

const (
	QuestionTypeMultipleChoice       QuestionType = "multiple_choice"
	QuestionTypeTrueFalse            QuestionType = "true_false"
	QuestionTypeShortAnswer          QuestionType = "short_answer"
	QuestionTypeFillBlank            QuestionType = "fill_blank"
	QuestionTypeMatching             QuestionType = "matching"
	QuestionTypeReadingComprehension QuestionType = "reading_comprehension"
	QuestionTypeWriting              QuestionType = "writing"
	QuestionTypeSpeaking             QuestionType = "speaking"
)

// IsChoice reports whether answers to this type are picked from a fixed set.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeMultipleChoice || t == QuestionTypeTrueFalse || t == QuestionTypeReadingComprehension
}

// Question is a single exam item as served by the exam catalog.
type Question struct {
	ID            int          `json:"id"`
	ExamID        int          `json:"exam_id"`
	QuestionText  string       `json:"question_text"`
	QuestionType  QuestionType `json:"question_type"`
	Options       string       `json:"options"` // JSON-encoded []string
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Points        int          `json:"points"`
	Order         int          `json:"order"`
	Passage       *string      `json:"passage,omitempty"`
	AudioURL      *string      `json:"audio_url,omitempty"`
	Explanation   *string      `json:"explanation,omitempty"`
	GradingRubric *string      `json:"grading_rubric,omitempty"`
}

// OptionList decodes the serialized option list. Malformed or missing options
// degrade to an empty list so a single bad question never aborts a session.
func (q Question) OptionList() []string {
	if q.Options == "" {
		return []string{}
	}
	var opts []string
	if err := json.Unmarshal([]byte(q.Options), &opts); err != nil || opts == nil {
		return []string{}
	}
	return opts
}

// ForStudent returns a copy of q that is safe to send to the exam taker.
func (q Question) ForStudent() Question {
	q.CorrectAnswer = ""
	q.GradingRubric = nil
	return q
}

// ExamWithQuestions is the catalog payload for GET /exams/{id}/with-questions.
type ExamWithQuestions struct {
	Exam      Exam       `json:"exam"`
	Questions []Question `json:"questions"`
}

// SortQuestions orders questions by their display order, keeping catalog order for ties.
func SortQuestions(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		return qs[i].Order < qs[j].Order
	})
}
