package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

type retryState int

const (
	retryAttempt retryState = iota
	retryConflict
	retryMerge
	retryResync
)

func (self retryState) String() string {
	switch self {
	case retryAttempt:
		return "attempt"
	case retryConflict:
		return "conflict"
	case retryMerge:
		return "merge"
	case retryResync:
		return "resync"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// optimisticRetry drives one mutation through attempt, conflict, merge and retry.
//
// A conflict merges the carried changes and attempts again. A stale cursor resyncs and
// attempts again. Both count against `maxRetries`. Any other error ends the loop.
type optimisticRetry[R any] struct {
	ctx        context.Context
	maxRetries int

	// builds the ops from the current mirror and submits them
	attempt func() (R, error)
	merge   func(changes []*Change) error
	resync  func() error
}

func (self *optimisticRetry[R]) run() (R, error) {
	var empty R
	state := retryAttempt
	retries := 0
	var changes []*Change
	for {
		select {
		case <-self.ctx.Done():
			return empty, fmt.Errorf("%w: %w", ErrRetriesExhausted, self.ctx.Err())
		default:
		}

		switch state {
		case retryAttempt:
			result, err := self.attempt()
			var conflict *ConcurrentModError
			switch {
			case err == nil:
				return result, nil
			case errors.As(err, &conflict):
				changes = conflict.Changes
				state = retryConflict
			case errors.Is(err, ErrStale):
				state = retryResync
			default:
				return empty, err
			}
		case retryConflict:
			retries += 1
			if self.maxRetries < retries {
				return empty, fmt.Errorf("%w: %d conflicts", ErrRetriesExhausted, retries)
			}
			glog.V(2).Infof("[cc]conflict %d with %d changes\n", retries, len(changes))
			state = retryMerge
		case retryMerge:
			err := self.merge(changes)
			changes = nil
			switch {
			case err == nil:
				state = retryAttempt
			case errors.Is(err, ErrStale):
				state = retryResync
			default:
				return empty, err
			}
		case retryResync:
			retries += 1
			if self.maxRetries < retries {
				return empty, fmt.Errorf("%w: stale after %d retries", ErrRetriesExhausted, retries)
			}
			if err := self.resync(); err != nil {
				return empty, err
			}
			state = retryAttempt
		}
	}
}
