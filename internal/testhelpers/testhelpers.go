// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timeout bounds the waits of the helpers.
const Timeout = 5 * time.Second

// ErrTimeout is returned by WithinTimeout when nothing arrives in time.
var ErrTimeout = errors.New("timed out")

// WithinTimeout reads an error from ch, or returns ErrTimeout after Timeout.
func WithinTimeout(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(Timeout):
		return ErrTimeout
	}
}

// WaitFor polls cond until it holds or Timeout passes, and reports the last result.
func WaitFor(cond func() bool) bool {
	deadline := time.Now().Add(Timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// NoErrorN performs require.NoError on each of errs.
func NoErrorN(t *testing.T, errs ...error) {
	for _, err := range errs {
		require.NoError(t, err)
	}
}
