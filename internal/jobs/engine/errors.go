package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("job engine disabled")
	ErrStopped     = errors.New("job engine stopped")
	ErrQueueFull   = errors.New("job engine queue full")
	ErrOverlapSkip = errors.New("job skipped: previous run still pending")
)

// NoRetry marks err as final: the engine records it without retrying.
//
//	return engine.NoRetry(fmt.Errorf("bad slot table: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err}
}

type finalError struct{ err error }

func (e *finalError) Error() string { return fmt.Sprintf("no retry: %v", e.err) }
func (e *finalError) Unwrap() error { return e.err }

// unwrapFinal reports whether err was marked with NoRetry and returns the
// error inside.
func unwrapFinal(err error) (error, bool) {
	var f *finalError
	if errors.As(err, &f) {
		return f.err, true
	}
	return err, false
}
