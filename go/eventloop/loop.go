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

// Package eventloop implements a single-goroutine readiness event loop on
// top of epoll. It provides poll handles with updatable interest masks,
// restartable timers, and asynchronous handle closure: resources guarded
// by a handle may be released only after the loop acknowledges the close.
//
// All callbacks run on the goroutine that called Run. Post is the only
// entry point that may be used from other goroutines.
package eventloop

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness directions.
type Events int

const (
	// Readable indicates the descriptor has data to read.
	Readable Events = 1 << iota
	// Writable indicates the descriptor accepts writes without blocking.
	Writable
)

// State describes the lifecycle of a Loop.
type State int32

const (
	// NotStarted means Run has not been called yet.
	NotStarted State = iota
	// Running means Run is executing.
	Running
	// Stopped means Run has returned.
	Stopped
)

// PollCallback receives readiness notifications. status is zero for a
// normal notification and a negative errno value when the descriptor is
// in an error state.
type PollCallback func(status int, events Events)

// Loop is an epoll-backed event loop.
type Loop struct {
	epfd   int
	wakeFd int

	state atomic.Int32

	mu     sync.Mutex
	posted []func()

	// Loop-goroutine state, never touched from other goroutines.
	handles     map[int]*PollHandle
	timers      timerHeap
	acks        []func()
	stopRequest bool
}

// New creates a loop with its epoll instance and wakeup descriptor.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unable to create epoll instance: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("unable to create wakeup eventfd: %w", err)
	}
	lp := &Loop{
		epfd:    epfd,
		wakeFd:  wakeFd,
		handles: make(map[int]*PollHandle),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("unable to register wakeup descriptor: %w", err)
	}
	return lp, nil
}

// State reports the loop lifecycle state.
func (lp *Loop) State() State {
	return State(lp.state.Load())
}

// Post schedules fn to run on the loop goroutine. Safe to call from any
// goroutine. Functions posted before Run are executed on the first
// iteration.
func (lp *Loop) Post(fn func()) {
	lp.mu.Lock()
	lp.posted = append(lp.posted, fn)
	lp.mu.Unlock()
	lp.wake()
}

// Stop requests Run to return after the current iteration completes.
// Safe to call from loop callbacks or other goroutines.
func (lp *Loop) Stop() {
	lp.Post(func() {
		lp.stopRequest = true
	})
}

// Run executes the loop until Stop is requested. It returns any fatal
// polling error.
func (lp *Loop) Run() error {
	if !lp.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return errors.New("loop already started")
	}
	defer lp.state.Store(int32(Stopped))

	events := make([]unix.EpollEvent, 64)
	for {
		lp.runPosted()
		lp.fireTimers()
		lp.runAcks()
		if lp.stopRequest {
			return nil
		}

		timeout := lp.nextTimeout()
		n, err := unix.EpollWait(lp.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait failed: %w", err)
		}
		for i := range n {
			lp.dispatch(&events[i])
		}
	}
}

// Close releases the loop's descriptors. Call only after Run returned.
func (lp *Loop) Close() {
	unix.Close(lp.wakeFd)
	unix.Close(lp.epfd)
}

func (lp *Loop) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	// EAGAIN means the counter is already nonzero; the loop will wake.
	_, _ = unix.Write(lp.wakeFd, one[:])
}

func (lp *Loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(lp.wakeFd, buf[:])
}

func (lp *Loop) runPosted() {
	for {
		lp.mu.Lock()
		fns := lp.posted
		lp.posted = nil
		lp.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn()
		}
	}
}

// runAcks delivers pending close acknowledgements. Each ack marks the
// point at which resources guarded by a closed handle may be released.
func (lp *Loop) runAcks() {
	for len(lp.acks) > 0 {
		acks := lp.acks
		lp.acks = nil
		for _, ack := range acks {
			ack()
		}
	}
}

func (lp *Loop) nextTimeout() int {
	if len(lp.timers) == 0 {
		return -1
	}
	d := time.Until(lp.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (lp *Loop) fireTimers() {
	now := time.Now()
	for len(lp.timers) > 0 && !lp.timers[0].deadline.After(now) {
		t := heap.Pop(&lp.timers).(*Timer)
		t.inHeap = false
		cb := t.cb
		t.cb = nil
		if cb != nil {
			cb()
		}
	}
}

func (lp *Loop) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == lp.wakeFd {
		lp.drainWake()
		return
	}
	h := lp.handles[fd]
	if h == nil || !h.started || h.closed {
		return
	}

	status := 0
	if ev.Events&unix.EPOLLERR != 0 {
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		switch {
		case err == nil && soErr != 0:
			status = -soErr
		default:
			status = -int(unix.EIO)
		}
	}

	var out Events
	if ev.Events&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		out |= Writable
	}
	// A hangup is observable as both directions becoming ready: reads
	// return EOF and writes fail.
	if ev.Events&unix.EPOLLHUP != 0 {
		out |= Readable | Writable
	}

	h.cb(status, out)
}
