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

package eventloop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// PollHandle watches one file descriptor for readiness. Methods must be
// called on the loop goroutine (or before Run).
type PollHandle struct {
	loop       *Loop
	fd         int
	events     Events
	cb         PollCallback
	registered bool
	started    bool
	closed     bool
}

// NewPollHandle creates a handle for fd. The handle owns the epoll
// registration but never the descriptor itself.
func (lp *Loop) NewPollHandle(fd int) (*PollHandle, error) {
	if _, ok := lp.handles[fd]; ok {
		return nil, fmt.Errorf("descriptor %d is already polled", fd)
	}
	h := &PollHandle{loop: lp, fd: fd}
	lp.handles[fd] = h
	return h, nil
}

// Start registers or re-arms interest in the given readiness directions.
// cb replaces any previously installed callback.
func (h *PollHandle) Start(events Events, cb PollCallback) error {
	if h.closed {
		return errors.New("poll handle is closed")
	}
	var mask uint32
	if events&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(h.fd)}
	op := unix.EPOLL_CTL_MOD
	if !h.registered {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(h.loop.epfd, op, h.fd, &ev); err != nil {
		return fmt.Errorf("unable to start poll: %w", err)
	}
	h.registered = true
	h.started = true
	h.events = events
	h.cb = cb
	return nil
}

// Stop suppresses further callbacks. The epoll registration is removed;
// a later Start re-adds it.
func (h *PollHandle) Stop() {
	if h.registered {
		_ = unix.EpollCtl(h.loop.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
		h.registered = false
	}
	h.started = false
	h.cb = nil
}

// Close releases the handle asynchronously. ack runs on the loop
// goroutine after the loop has forgotten the handle; resources tied to
// the handle's lifetime must not be released before ack.
func (h *PollHandle) Close(ack func()) {
	if h.closed {
		return
	}
	h.Stop()
	h.closed = true
	delete(h.loop.handles, h.fd)
	if ack != nil {
		h.loop.acks = append(h.loop.acks, ack)
		h.loop.wake()
	}
}
