/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package timerwheel provides the single wall-clock deadline the Case
// Engine needs: a one-shot, resettable grace-period timer per Case
// File, drained once per event-loop wake (spec "Timer Wheel", §5
// "the grace timer is the only wall-clock deadline").
//
// The original callback fired straight into the owning CaseFile, a
// back-reference the re-architecture guidance (spec §9) calls out for
// replacement: here expiry posts a message onto a channel the loop
// selects on, so a Case File never holds a pointer into the timer that
// could outlive it.
package timerwheel

import "time"

// Expiry is posted to a Wheel's channel when a Timer fires. Token is
// whatever opaque identity the caller registered the timer under (the
// Case Registry uses a (pool_guid, vdev_guid) pair) so the loop can
// look up which Case File to notify without the timer holding one.
type Expiry struct {
	Token interface{}
}

// Timer is a single pending-or-idle deadline, owned by exactly one
// Wheel. It is not safe for concurrent use; the single-threaded event
// loop is its only caller, matching the spec's concurrency model.
type Timer struct {
	wheel    *Wheel
	token    interface{}
	deadline time.Time
	pending  bool
}

// IsPending reports whether the timer currently has an armed deadline.
func (t *Timer) IsPending() bool {
	return t.pending
}

// TimeRemaining returns how long until the timer fires. It is only
// meaningful while IsPending is true.
func (t *Timer) TimeRemaining() time.Duration {
	if !t.pending {
		return 0
	}
	return t.deadline.Sub(t.wheel.now())
}

// Reset arms the timer to fire after d, replacing any existing
// deadline unconditionally. Callers implementing the grace-period
// coalescing rule (spec §4.5.2 - never extend a pending timer) must
// check IsPending/TimeRemaining themselves before calling Reset; this
// method has no opinion on tightening vs. extending.
func (t *Timer) Reset(d time.Duration) {
	t.deadline = t.wheel.now().Add(d)
	if !t.pending {
		t.pending = true
		t.wheel.add(t)
	}
}

// Stop disarms the timer without posting an expiry.
func (t *Timer) Stop() {
	if !t.pending {
		return
	}
	t.pending = false
	t.wheel.remove(t)
}

// Wheel holds every pending Timer and drains those due on ExpireDue.
// It owns no goroutine of its own: the event loop calls ExpireDue once
// per wake, matching the spec's "expired callbacks run on the loop
// thread before event processing continues."
type Wheel struct {
	now     func() time.Time
	pending map[*Timer]struct{}
	expired chan Expiry
}

// New constructs a Wheel. now defaults to time.Now; tests inject a
// fixed or steppable clock.
func New(now func() time.Time) *Wheel {
	if now == nil {
		now = time.Now
	}
	return &Wheel{
		now:     now,
		pending: make(map[*Timer]struct{}),
		expired: make(chan Expiry, 64),
	}
}

// Expired is the channel the event loop selects on for grace-period
// expiries.
func (w *Wheel) Expired() <-chan Expiry {
	return w.expired
}

// NewTimer allocates a Timer under this wheel, identified to callers
// of Expired by token.
func (w *Wheel) NewTimer(token interface{}) *Timer {
	return &Timer{wheel: w, token: token}
}

func (w *Wheel) add(t *Timer) {
	w.pending[t] = struct{}{}
}

func (w *Wheel) remove(t *Timer) {
	delete(w.pending, t)
}

// ExpireDue fires every timer whose deadline has passed, posting one
// Expiry per firing timer onto Expired() and disarming it. It returns
// the count fired, for logging.
func (w *Wheel) ExpireDue() int {
	now := w.now()
	fired := 0
	for t := range w.pending {
		if now.Before(t.deadline) {
			continue
		}
		t.pending = false
		delete(w.pending, t)
		w.expired <- Expiry{Token: t.token}
		fired++
	}
	return fired
}

// NextDeadline returns the soonest pending deadline and true, or the
// zero time and false if nothing is pending. The event loop does not
// call it: it wakes on a fixed ticker and calls ExpireDue on each tick.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for t := range w.pending {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}
