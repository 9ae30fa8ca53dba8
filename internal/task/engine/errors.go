package engine

import "errors"

var (
	ErrStopped = errors.New("worker pool stopped")
	ErrNilJob  = errors.New("worker pool: nil job")
)
