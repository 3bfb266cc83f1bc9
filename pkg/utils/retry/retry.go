// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package retry

import (
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// transientDelay separates the single retry from the first attempt.
const transientDelay = 50 * time.Millisecond

// OnTransient runs f and retries it exactly once if it failed with a
// transient filesystem error (EAGAIN, EINTR). Any other error, and any error
// from the second attempt, is returned as-is.
func OnTransient(f func() error) error {
	err := f()
	if err == nil || !isTransient(err) {
		return err
	}
	time.Sleep(transientDelay)
	return f()
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// ErrTimeoutReached is an error returned when timeout is reached.
type ErrTimeoutReached struct {
	Timeout time.Duration
}

func (e *ErrTimeoutReached) Error() string {
	return "timeout reached after " + e.Timeout.String()
}

// UntilSuccess retries the given function f for up to the given timeout,
// separating attempts by retryInterval. f is considered successful if it
// does not return an error. If the timeout is reached before the first
// failure of f, an ErrTimeoutReached is returned; otherwise the error from
// the last attempt is.
func UntilSuccess(f func() error, timeout time.Duration, retryInterval time.Duration) error {
	totalTimer := time.NewTimer(timeout)
	defer totalTimer.Stop()
	var lastErr error
	errorToReturn := func() error {
		if lastErr == nil {
			return &ErrTimeoutReached{Timeout: timeout}
		}
		return lastErr
	}
	for {
		resp := make(chan error)
		go func() {
			resp <- f()
		}()
		select {
		case <-totalTimer.C:
			return errorToReturn()
		case err := <-resp:
			if err == nil {
				return nil
			}
			lastErr = err
			retryTimer := time.NewTimer(retryInterval)
			select {
			case <-retryTimer.C:
				continue
			case <-totalTimer.C:
				retryTimer.Stop()
				return errorToReturn()
			}
		}
	}
}
