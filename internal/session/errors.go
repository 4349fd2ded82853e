package session

import "errors"

// Domain errors returned by the session engine.
var (
	ErrNotActive       = errors.New("session is not active")
	ErrAnswersFrozen   = errors.New("answers are frozen")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrAnswerKind      = errors.New("answer kind does not fit question type")
	ErrInvalidChoice   = errors.New("answer is not one of the question options")
	ErrCaptureDenied   = errors.New("audio capture denied")
	ErrNotAudio        = errors.New("file is not audio")
	ErrNotCapturing    = errors.New("audio capture is not in progress")
	ErrCaptureBusy     = errors.New("audio capture already in progress")
	ErrAudioTooLarge   = errors.New("audio exceeds the size limit")
	ErrNotRetryable    = errors.New("session has no failed submission to retry")
	ErrNotLoadable     = errors.New("session cannot be loaded in its current state")
	ErrClosed          = errors.New("session is closed")
)
