package domain

import "errors"

var (
	ErrConnection           = errors.New("connection error")
	ErrReadTimeout          = errors.New("read timeout")
	ErrNoFreshData          = errors.New("no fresh data")
	ErrContextNotFound      = errors.New("context not found")
	ErrContextUnavailable   = errors.New("context unavailable")
	ErrInferenceUnavailable = errors.New("inference unavailable")
	ErrPersistence          = errors.New("persistence error")
	ErrConfig               = errors.New("configuration error")

	ErrDeviceNotFound   = errors.New("device not found")
	ErrFeedbackNotFound = errors.New("feedback item not found")
	ErrAlreadyResolved  = errors.New("feedback item already resolved")
)
