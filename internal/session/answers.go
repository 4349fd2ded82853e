package session

import (
	"fmt"
	"math"
	"strconv"

	"github.com/uedu/exam-gateway/internal/model"
)

// AnswerStore maps question ids to the participant's current answers.
// It is not safe for concurrent use; the controller loop owns it.
type AnswerStore struct {
	questions map[int]model.Question
	options   map[int][]string
	values    map[int]model.AnswerValue
	frozen    bool
}

// NewAnswerStore creates an empty store for the given questions.
func NewAnswerStore(questions []model.Question) *AnswerStore {
	s := &AnswerStore{
		questions: make(map[int]model.Question, len(questions)),
		options:   make(map[int][]string, len(questions)),
		values:    make(map[int]model.AnswerValue),
	}
	for _, q := range questions {
		s.questions[q.ID] = q
		s.options[q.ID] = q.OptionList()
	}
	return s
}

// Set upserts the answer for a question. An empty value clears it.
func (s *AnswerStore) Set(questionID int, v model.AnswerValue) error {
	if s.frozen {
		return ErrAnswersFrozen
	}
	q, ok := s.questions[questionID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQuestion, questionID)
	}
	if err := s.validate(q, v); err != nil {
		return err
	}
	if v.IsEmpty() {
		delete(s.values, questionID)
		return nil
	}
	if v.Kind == model.AnswerKindMatching {
		v = model.MatchingAnswer(v.Matching)
	}
	s.values[questionID] = v
	return nil
}

// SetMatching merges one sub-answer into a matching question's partial mapping.
// Sub-answers for other indices are preserved.
func (s *AnswerStore) SetMatching(questionID, index int, text string) error {
	if s.frozen {
		return ErrAnswersFrozen
	}
	q, ok := s.questions[questionID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQuestion, questionID)
	}
	if q.QuestionType != model.QuestionTypeMatching {
		return fmt.Errorf("%w: question %d is %s", ErrAnswerKind, questionID, q.QuestionType)
	}
	if opts := s.options[questionID]; index < 0 || (len(opts) > 0 && index >= len(opts)) {
		return fmt.Errorf("%w: matching index %d", ErrInvalidChoice, index)
	}

	merged := map[int]string{}
	if cur, ok := s.values[questionID]; ok {
		for k, v := range cur.Matching {
			merged[k] = v
		}
	}
	if text == "" {
		delete(merged, index)
	} else {
		merged[index] = text
	}
	if len(merged) == 0 {
		delete(s.values, questionID)
		return nil
	}
	s.values[questionID] = model.AnswerValue{Kind: model.AnswerKindMatching, Matching: merged}
	return nil
}

// Get returns the current answer and whether the question has been answered.
func (s *AnswerStore) Get(questionID int) (model.AnswerValue, bool) {
	v, ok := s.values[questionID]
	return v, ok
}

// Serialize encodes every answered question for transport, keyed by question id.
func (s *AnswerStore) Serialize() (map[string]string, error) {
	out := make(map[string]string, len(s.values))
	for id, v := range s.values {
		enc, err := v.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode answer %d: %w", id, err)
		}
		out[strconv.Itoa(id)] = enc
	}
	return out, nil
}

// Freeze makes the store read-only.
func (s *AnswerStore) Freeze() {
	s.frozen = true
}

// Frozen reports whether Freeze has been called.
func (s *AnswerStore) Frozen() bool {
	return s.frozen
}

// AnsweredCount returns the number of answered questions.
func (s *AnswerStore) AnsweredCount() int {
	return len(s.values)
}

// Total returns the number of questions in the exam.
func (s *AnswerStore) Total() int {
	return len(s.questions)
}

// Progress returns the answered share as a rounded percentage.
func (s *AnswerStore) Progress() int {
	if len(s.questions) == 0 {
		return 0
	}
	return int(math.Round(float64(len(s.values)) / float64(len(s.questions)) * 100))
}

// Question looks up a question by id.
func (s *AnswerStore) Question(questionID int) (model.Question, bool) {
	q, ok := s.questions[questionID]
	return q, ok
}

func (s *AnswerStore) validate(q model.Question, v model.AnswerValue) error {
	switch q.QuestionType {
	case model.QuestionTypeMatching:
		if v.Kind != model.AnswerKindMatching {
			return fmt.Errorf("%w: matching question %d needs a matching answer", ErrAnswerKind, q.ID)
		}
		opts := s.options[q.ID]
		for idx := range v.Matching {
			if idx < 0 || (len(opts) > 0 && idx >= len(opts)) {
				return fmt.Errorf("%w: matching index %d", ErrInvalidChoice, idx)
			}
		}
		return nil
	case model.QuestionTypeSpeaking:
		if v.Kind != model.AnswerKindAudio && v.Kind != model.AnswerKindText {
			return fmt.Errorf("%w: speaking question %d", ErrAnswerKind, q.ID)
		}
		return nil
	}

	if v.Kind != model.AnswerKindText {
		return fmt.Errorf("%w: %s question %d needs a text answer", ErrAnswerKind, q.QuestionType, q.ID)
	}
	if v.Text == "" {
		return nil
	}

	switch q.QuestionType {
	case model.QuestionTypeTrueFalse:
		if v.Text != "true" && v.Text != "false" {
			return fmt.Errorf("%w: %q", ErrInvalidChoice, v.Text)
		}
	case model.QuestionTypeMultipleChoice, model.QuestionTypeReadingComprehension:
		opts := s.options[q.ID]
		if len(opts) == 0 {
			return nil
		}
		for _, o := range opts {
			if o == v.Text {
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrInvalidChoice, v.Text)
	}
	return nil
}
