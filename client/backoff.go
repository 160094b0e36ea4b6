package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the default exponential-with-jitter reconnect schedule.
// Reset() is called after every successful (re)connect so a long history of
// past failures never inflates the delay for an unrelated future one.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0 // never give up; the caller decides when to stop
	b.Reset()
	return b
}
