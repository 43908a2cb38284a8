// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry provides shared exponential backoff logic for the
// components that drive retrying network loops.
package retry

import (
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Default retry configuration constants.
const (
	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Policy describes a backoff schedule as plain data so that retry behavior
// can be tested independently of the I/O it wraps.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the delay between retries.
	Max time.Duration

	// Jitter is the jitter factor (0.0 to 1.0) applied to each delay.
	Jitter float64
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:   DefaultBaseDelay,
		Max:    DefaultMaxDelay,
		Jitter: DefaultJitter,
	}
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - p.Jitter + r.Float64()*2*p.Jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// InitialJitter returns a uniformly random delay in [0, max), used to
// desynchronize loops that would otherwise start in lockstep across a
// user's devices.
func InitialJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.NewMath().Int63n(int64(max)))
}
