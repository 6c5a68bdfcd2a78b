/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package timerwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }
func (c *stepClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestTimerArmAndExpire(t *testing.T) {
	clk := &stepClock{t: time.Unix(1000, 0)}
	w := New(clk.now)
	timer := w.NewTimer("vdev-1")

	assert.False(t, timer.IsPending())
	timer.Reset(10 * time.Second)
	assert.True(t, timer.IsPending())

	assert.Equal(t, 0, w.ExpireDue())

	clk.advance(10 * time.Second)
	assert.Equal(t, 1, w.ExpireDue())
	assert.False(t, timer.IsPending())

	select {
	case exp := <-w.Expired():
		assert.Equal(t, "vdev-1", exp.Token)
	default:
		t.Fatal("expected an expiry to be posted")
	}
}

func TestTimerStopDisarms(t *testing.T) {
	clk := &stepClock{t: time.Unix(0, 0)}
	w := New(clk.now)
	timer := w.NewTimer("vdev-2")
	timer.Reset(5 * time.Second)
	timer.Stop()
	assert.False(t, timer.IsPending())

	clk.advance(time.Hour)
	assert.Equal(t, 0, w.ExpireDue())
}

func TestTimerResetReplacesDeadline(t *testing.T) {
	clk := &stepClock{t: time.Unix(0, 0)}
	w := New(clk.now)
	timer := w.NewTimer("vdev-3")
	timer.Reset(5 * time.Second)
	timer.Reset(20 * time.Second)
	assert.Equal(t, 20*time.Second, timer.TimeRemaining())
}

func TestNextDeadlinePicksSoonest(t *testing.T) {
	clk := &stepClock{t: time.Unix(0, 0)}
	w := New(clk.now)
	a := w.NewTimer("a")
	b := w.NewTimer("b")
	a.Reset(30 * time.Second)
	b.Reset(10 * time.Second)

	deadline, ok := w.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.t.Add(10*time.Second), deadline)
}

func TestNextDeadlineEmptyWheel(t *testing.T) {
	w := New(nil)
	_, ok := w.NextDeadline()
	assert.False(t, ok)
}
