/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package zfsd

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/freebsd/zfsd/pkg/casefile"
	"github.com/freebsd/zfsd/pkg/devctl"
	"github.com/freebsd/zfsd/pkg/timerwheel"
)

// eventLoop is ZfsDaemon::EventLoop: wait for either transport data,
// a timer expiry, or a signal; drain whichever woke us; handle the
// three latches; repeat until terminate or the transport hangs up.
// The original's single poll() over {transport fd, self-pipe fd} with
// the timer wheel checked once per wake becomes, in Go, a select over
// a ticker (standing in for poll's readability wakeups on a
// non-blocking socket), the timer wheel's own expiry channel, and the
// signal channel.
func (d *Daemon) eventLoop(ctx context.Context, transport Transport) {
	buffer := devctl.NewEventBuffer(transport, devctl.BufferOptions{
		Capacity:     d.cfg.BufferCapacity,
		MaxEventSize: d.cfg.MaxEventSize,
		MinEventSize: d.cfg.MinEventSize,
	})

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for !d.terminate {
		select {
		case <-ctx.Done():
			d.terminate = true
			continue

		case sig := <-d.sigCh:
			d.handleSignal(sig)

		case exp := <-d.wheel.Expired():
			d.onGraceExpired(exp)

		case <-poll.C:
			d.wheel.ExpireDue()
			hangup, err := d.processEvents(buffer)
			if err != nil {
				logrus.WithError(err).Warn("zfsd: transport read failed")
				return
			}
			if hangup {
				logrus.Warn("zfsd: transport hung up, reconnecting")
				return
			}
		}

		if d.logRequested {
			d.registry.LogAll()
			d.logRequested = false
		}
		if d.rescanRequested {
			if err := d.rescanSystem(transport); err != nil {
				logrus.WithError(err).Warn("zfsd: rescan failed")
			}
			d.rescanRequested = false
			// A rescan can bring a pool or vdev into a state that
			// resolves an event nothing claimed earlier (spec §4.7
			// "replay after a configuration change that might now
			// resolve them").
			d.ReplayUnconsumedEvents()
		}
	}
}

// processEvents drains every complete event currently framed in
// buffer and dispatches each (ZfsDaemon::ProcessEvents). hangup
// reports a clean EOF from the transport (spec §7 "Peer reset").
func (d *Daemon) processEvents(buffer *devctl.EventBuffer) (hangup bool, err error) {
	for {
		line, ok, ferr := buffer.ExtractEvent()
		if ferr != nil {
			if errors.Is(ferr, io.EOF) {
				return true, nil
			}
			return false, ferr
		}
		if !ok {
			return false, nil
		}

		ev, perr := devctl.Parse(line)
		if perr != nil {
			if pe, is := perr.(*devctl.ParseError); is && pe.Kind == devctl.DiscardedEventType {
				continue
			}
			logrus.Warnf("zfsd: %s", perr)
			continue
		}

		d.dispatch(ev)
	}
}

// dispatch hands one event to the Case Registry, saving it to the
// unconsumed queue if nothing claimed it (spec §4.7 "Unconsumed
// events queue").
func (d *Daemon) dispatch(ev *devctl.Event) {
	var consumed bool
	if ev.IsWholeDiskArrival() {
		consumed = d.registry.DispatchDiskArrival(d.view, ev)
	} else {
		consumed = d.registry.Dispatch(d.view, ev)
	}
	if !consumed {
		d.saveEvent(ev)
	}
}

// saveEvent deep-copies ev onto the unconsumed queue, unless a replay
// is already in progress (spec §4.7, original's SaveEvent/
// s_consumingEvents).
func (d *Daemon) saveEvent(ev *devctl.Event) {
	if d.replaying {
		return
	}
	d.unconsumed = append(d.unconsumed, ev.Clone())
}

// ReplayUnconsumedEvents re-dispatches every queued unconsumed event
// once, e.g. after a configuration change that might now resolve one
// (spec §4.7). The re-entrancy flag stops a still-unconsumed event
// from being re-queued during its own replay.
func (d *Daemon) ReplayUnconsumedEvents() {
	pending := d.unconsumed
	d.unconsumed = nil

	d.replaying = true
	for _, ev := range pending {
		d.dispatch(ev)
	}
	d.replaying = false
}

// onGraceExpired looks up the Case File a timer expiry names and
// fires its grace-period callback (spec §4.5.3), replacing the
// original's direct callback-into-CaseFile with a message carrying an
// opaque token the Registry resolves (spec §9 redesign guidance).
func (d *Daemon) onGraceExpired(exp timerwheel.Expiry) {
	key, ok := exp.Token.(casefile.Key)
	if !ok {
		return
	}
	d.registry.HandleGraceExpired(key)
}
