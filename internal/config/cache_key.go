package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash holding a participant's autosaved answers for an exam
func (r *CacheKeyStruct) SessionAnswersKey(examID, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%d:answers", studentID, examID)
}

// SessionStartKey returns the key holding when a participant started an exam
func (r *CacheKeyStruct) SessionStartKey(examID, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%d:session_start", studentID, examID)
}

// SessionIDKey returns the key holding the live session id of a participant's exam
func (r *CacheKeyStruct) SessionIDKey(examID, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%d:session_id", studentID, examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID int) string {
	return fmt.Sprintf("exam:%d:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
