// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces admissions to a configured number per minute.
// Acquire suspends the caller until a slot is available, so a pool
// configured for N/minute never exceeds N deliveries in a rolling
// 60-second window (modulo scheduling jitter).
type Limiter struct {
	limiter   *rate.Limiter
	perMinute int
}

// New creates a limiter admitting perMinute acquisitions per minute.
// perMinute must be positive.
func New(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limiter{
		// Burst of 1 keeps admissions evenly spaced instead of
		// allowing a full minute's quota to fire at once.
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		perMinute: perMinute,
	}
}

// Acquire blocks until an admission slot is available or ctx is done.
// It reports whether the caller had to wait, which feeds the pool's
// rate-limited statistics.
func (l *Limiter) Acquire(ctx context.Context) (waited bool, err error) {
	if l.limiter.Allow() {
		return false, nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Allow is a non-blocking probe used by batch admission checks.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Saturated reports whether the next acquisition would have to wait.
func (l *Limiter) Saturated() bool {
	return l.limiter.Tokens() < 1
}

// Limit returns the configured admissions per minute.
func (l *Limiter) Limit() int {
	return l.perMinute
}
