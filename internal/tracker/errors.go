package tracker

import "errors"

var (
	ErrPermissionDenied   = errors.New("location permission denied")
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrValidationRejected = errors.New("sample rejected")
	ErrStopNotConfirmed   = errors.New("stop not confirmed")
)
