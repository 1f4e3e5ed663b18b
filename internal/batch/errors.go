package batch

import (
	"errors"
	"fmt"
)

var (
	ErrBatchProcessor     = errors.New("batch: processor failed")
	ErrQueueNotRegistered = errors.New("batch: queue not registered")
)

// ProcessorError is the per-item failure recorded when a batch could not be
// processed and no per-item path was available to recover it.
type ProcessorError struct {
	Queue string
	Err   error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("batch queue %q: %v", e.Queue, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

func (e *ProcessorError) Is(target error) bool { return target == ErrBatchProcessor }

// panicError carries a recovered handler panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}
