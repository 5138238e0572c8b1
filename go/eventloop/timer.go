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
	"container/heap"
	"time"
)

// Timer is a restartable one-shot timer bound to a loop. Restart and
// Stop must be called on the loop goroutine (or before Run).
type Timer struct {
	loop     *Loop
	deadline time.Time
	cb       func()
	index    int
	inHeap   bool
}

// NewTimer creates a timer bound to the loop. The timer is inert until
// Restart is called.
func (lp *Loop) NewTimer() *Timer {
	return &Timer{loop: lp}
}

// Restart arms the timer to fire cb once after d, replacing any
// previously armed deadline and callback.
func (t *Timer) Restart(d time.Duration, cb func()) {
	t.deadline = time.Now().Add(d)
	t.cb = cb
	if t.inHeap {
		heap.Fix(&t.loop.timers, t.index)
	} else {
		heap.Push(&t.loop.timers, t)
		t.inHeap = true
	}
	t.loop.wake()
}

// Stop disarms the timer. The callback will not fire until the next
// Restart.
func (t *Timer) Stop() {
	t.cb = nil
	if t.inHeap {
		heap.Remove(&t.loop.timers, t.index)
		t.inHeap = false
	}
}

// timerHeap orders timers by deadline, earliest first.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
