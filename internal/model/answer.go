package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AnswerKind tags the shape of an AnswerValue.
type AnswerKind string

const (
	AnswerKindText     AnswerKind = "text"
	AnswerKindMatching AnswerKind = "matching"
	AnswerKindAudio    AnswerKind = "audio"
)

// ErrMalformedAnswer is returned when a wire-encoded answer cannot be decoded.
var ErrMalformedAnswer = errors.New("malformed answer encoding")

// AudioPayload is a finished recording or uploaded audio file.
type AudioPayload struct {
	MIMEType string
	Data     []byte
}

// DataURI encodes the payload the way the grading service expects speaking answers.
func (p AudioPayload) DataURI() string {
	mime := p.MIMEType
	if mime == "" {
		mime = "audio/wav"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// AnswerValue is a tagged variant: exactly one of Text, Matching or Audio is meaningful,
// selected by Kind.
type AnswerValue struct {
	Kind     AnswerKind
	Text     string
	Matching map[int]string
	Audio    *AudioPayload
}

// TextAnswer builds a free text or selected-option answer.
func TextAnswer(s string) AnswerValue {
	return AnswerValue{Kind: AnswerKindText, Text: s}
}

// MatchingAnswer builds a matching answer from option index to typed match.
func MatchingAnswer(m map[int]string) AnswerValue {
	cp := make(map[int]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return AnswerValue{Kind: AnswerKindMatching, Matching: cp}
}

// AudioAnswer builds a speaking answer from an audio payload.
func AudioAnswer(p AudioPayload) AnswerValue {
	return AnswerValue{Kind: AnswerKindAudio, Audio: &p}
}

// IsEmpty reports whether the value carries no answer at all.
func (v AnswerValue) IsEmpty() bool {
	switch v.Kind {
	case AnswerKindText:
		return v.Text == ""
	case AnswerKindMatching:
		return len(v.Matching) == 0
	case AnswerKindAudio:
		return v.Audio == nil || len(v.Audio.Data) == 0
	}
	return true
}

// Encode renders the value in its transport encoding.
func (v AnswerValue) Encode() (string, error) {
	switch v.Kind {
	case AnswerKindText:
		return v.Text, nil
	case AnswerKindMatching:
		keys := make([]int, 0, len(v.Matching))
		for k := range v.Matching {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		obj := make(map[string]string, len(keys))
		for _, k := range keys {
			obj[strconv.Itoa(k)] = v.Matching[k]
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return "", fmt.Errorf("marshal matching answer: %w", err)
		}
		return string(b), nil
	case AnswerKindAudio:
		if v.Audio == nil {
			return "", fmt.Errorf("%w: audio answer without payload", ErrMalformedAnswer)
		}
		return v.Audio.DataURI(), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedAnswer, v.Kind)
}

// DecodeAnswer restores an answer from its transport encoding, using the question
// type to decide which variant the string holds.
func DecodeAnswer(qt QuestionType, raw string) (AnswerValue, error) {
	switch qt {
	case QuestionTypeMatching:
		var obj map[string]string
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return AnswerValue{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
		}
		m := make(map[int]string, len(obj))
		for k, val := range obj {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return AnswerValue{}, fmt.Errorf("%w: matching key %q", ErrMalformedAnswer, k)
			}
			m[idx] = val
		}
		return MatchingAnswer(m), nil
	case QuestionTypeSpeaking:
		if strings.HasPrefix(raw, "data:") {
			p, err := ParseDataURI(raw)
			if err != nil {
				return AnswerValue{}, err
			}
			return AudioAnswer(p), nil
		}
		return TextAnswer(raw), nil
	}
	return TextAnswer(raw), nil
}

// ParseDataURI decodes a base64 data URI into an AudioPayload.
func ParseDataURI(uri string) (AudioPayload, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return AudioPayload{}, fmt.Errorf("%w: missing data: prefix", ErrMalformedAnswer)
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return AudioPayload{}, fmt.Errorf("%w: missing data separator", ErrMalformedAnswer)
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return AudioPayload{}, fmt.Errorf("%w: data URI is not base64", ErrMalformedAnswer)
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return AudioPayload{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}
	return AudioPayload{MIMEType: mime, Data: b}, nil
}

// AnswerRecord is one autosaved answer write, queued for archiving.
type AnswerRecord struct {
	SessionID  string `json:"session_id"`
	ExamID     int    `json:"exam_id"`
	StudentID  int    `json:"student_id"`
	QuestionID int    `json:"q_id"`
	Answer     string `json:"answer"`
	Timestamp  int64  `json:"timestamp"`
}
