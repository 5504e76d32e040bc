// Package netutil holds helpers for talking to peers that may not be up yet.
package netutil

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("netutil")

// ErrThresholdReached is returned by Do once retrying has gone on for longer than the
// threshold.
var ErrThresholdReached = errors.New("threshold timeout has been reached")

// RetryFunc is one attempt.
type RetryFunc func() error

// Retrier repeats a failing attempt with exponential backoff.
type Retrier struct {
	backoff   time.Duration
	factor    uint32
	threshold time.Duration
	fatal     map[error]struct{}
}

// NewRetrier creates a Retrier waiting backoff after the first failure, factor times
// longer after each further one, and giving up threshold after the first failure.
func NewRetrier(backoff, threshold time.Duration, factor uint32) *Retrier {
	if factor == 0 {
		factor = 1
	}
	return &Retrier{
		backoff:   backoff,
		threshold: threshold,
		factor:    factor,
		fatal:     make(map[error]struct{}),
	}
}

// WithErrWhitelist makes Do return at once on errors whose cause is one of errs.
func (r *Retrier) WithErrWhitelist(errs ...error) *Retrier {
	m := make(map[error]struct{}, len(errs))
	for _, err := range errs {
		m[err] = struct{}{}
	}
	r.fatal = m
	return r
}

// Do runs f until it succeeds, fails with a whitelisted error, ctx is done or the
// threshold passes. Attempts run one at a time.
func (r *Retrier) Do(ctx context.Context, f RetryFunc) error {
	var deadline <-chan time.Time
	backoff := r.backoff

	for {
		err := f()
		if err == nil {
			return nil
		}
		if r.isWhitelisted(err) {
			return err
		}
		log.WithError(err).Warnf("Attempt failed, retrying in %v", backoff)

		if deadline == nil {
			t := time.NewTimer(r.threshold)
			defer t.Stop()
			deadline = t.C
		}
		wait := time.NewTimer(backoff)
		select {
		case <-wait.C:
		case <-deadline:
			wait.Stop()
			return pkgerrors.Wrap(ErrThresholdReached, err.Error())
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		}
		backoff *= time.Duration(r.factor)
	}
}

func (r *Retrier) isWhitelisted(err error) bool {
	_, ok := r.fatal[pkgerrors.Cause(err)]
	return ok
}
