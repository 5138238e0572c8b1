// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgconn

import (
	"fmt"

	"github.com/multigres/pgasync/go/eventloop"
)

// pollDriver translates the readiness directions the state machine
// depends on into event-loop interest registrations and dispatches the
// loop's notifications back into it.
type pollDriver struct {
	handle *eventloop.PollHandle
	events eventloop.Events
	cb     eventloop.PollCallback
}

// newPollDriver creates a driver watching fd on the loop. No interest
// is registered until register is called.
func newPollDriver(loop *eventloop.Loop, fd int) (*pollDriver, error) {
	handle, err := loop.NewPollHandle(fd)
	if err != nil {
		return nil, fmt.Errorf("unable to start poll: %w", err)
	}
	return &pollDriver{handle: handle}, nil
}

// register establishes interest in events, replacing the callback.
func (d *pollDriver) register(events eventloop.Events, cb eventloop.PollCallback) error {
	if err := d.handle.Start(events, cb); err != nil {
		return err
	}
	d.events = events
	d.cb = cb
	return nil
}

// updateInterest changes the interest mask, keeping the callback. The
// registration is only touched when the mask actually changed.
func (d *pollDriver) updateInterest(events eventloop.Events) error {
	if events == d.events {
		return nil
	}
	if err := d.handle.Start(events, d.cb); err != nil {
		return err
	}
	d.events = events
	return nil
}

// stop ceases callbacks; subsequent dispatches are suppressed.
func (d *pollDriver) stop() {
	d.handle.Stop()
	d.cb = nil
}

// close releases the handle asynchronously. ack runs once the loop has
// acknowledged the closure; driver-owned resources must outlive it.
func (d *pollDriver) close(ack func()) {
	d.handle.Close(ack)
}
