// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flowcore

import "github.com/zhangyunhao116/skipmap"

// Action is the visitor's verdict for a single FCB visited during a
// recycle tick.
type Action uint8

const (
	// Expire: release the FCB; the wheel forgets it.
	Expire Action = iota
	// Reschedule: re-link the FCB ticksRemaining buckets ahead.
	Reschedule
	// Keep: leave the FCB exactly where it is (not re-linked anywhere;
	// the caller is responsible for re-scheduling it separately if needed).
	Keep
)

// Visitor is invoked once per FCB encountered during a tick. It returns
// the chosen action and, for Reschedule, the number of ticks remaining.
type Visitor func(id FlowID) (action Action, ticksRemaining uint32)

// Wheel is the timing wheel for idle-timeout scheduling: a circular
// array of bucket head indices, one singly-linked list per bucket,
// advanced by one step per recycle tick. The arena owns all FCBs; the
// wheel borrows them by FlowID, never by pointer.
type Wheel struct {
	arena   *Arena
	buckets []FlowID // head index per bucket; noFlow means empty
	mask    uint32   // len(buckets)-1, since len(buckets) is a power of two
	head    uint32

	// totalTicks is a monotonically increasing tick counter, distinct
	// from head (which wraps). Used only to key the diagnostic index
	// below, which needs an absolute ordering that survives wraps.
	totalTicks uint64

	// diag, when non-nil, is an ordered absolute-deadline-tick -> FlowIDs
	// index kept alongside the bucket array so verbose/diagnostic
	// handlers can answer "what expires next" without walking every
	// bucket. This is a secondary structure only; the buckets above
	// remain the sole source of truth for expiry.
	diag *skipmap.Uint64Map[[]FlowID]
}

// nextPow2 returns the smallest power of two >= n (n >= 1).
func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// NewWheel builds a wheel sized so that a full revolution outlasts the
// timeout by at least one tick: one extra slack bucket on top of
// timeoutTicks+1, rounded up to a power of two.
func NewWheel(arena *Arena, timeoutTicks uint32) *Wheel {
	return newWheel(arena, timeoutTicks, false)
}

// NewDiagnosticWheel is NewWheel with the ordered "what expires next"
// index enabled, for verbose deployments that expose it via a read
// handler.
func NewDiagnosticWheel(arena *Arena, timeoutTicks uint32) *Wheel {
	return newWheel(arena, timeoutTicks, true)
}

func newWheel(arena *Arena, timeoutTicks uint32, diagnostics bool) *Wheel {
	w := nextPow2(timeoutTicks + 2)
	buckets := make([]FlowID, w)
	for i := range buckets {
		buckets[i] = noFlow
	}
	wheel := &Wheel{arena: arena, buckets: buckets, mask: w - 1}
	if diagnostics {
		wheel.diag = skipmap.NewUint64[[]FlowID]()
	}
	return wheel
}

// Buckets returns the wheel's bucket count (always a power of two).
func (w *Wheel) Buckets() int { return len(w.buckets) }

// ScheduleAfter links id into bucket (head+ticks) mod W. Single-producer
// per wheel; scheduling an FCB that is already linked is a programming
// error and panics.
func (w *Wheel) ScheduleAfter(id FlowID, ticks uint32) {
	bucket := (w.head + ticks) & w.mask
	fcb := w.arena.Slot(id)
	if fcb.inWheel {
		panic("flowcore: FCB scheduled twice between wheel ticks")
	}
	fcb.inWheel = true
	fcb.nextInBucket = w.buckets[bucket]
	w.buckets[bucket] = id

	if w.diag != nil {
		deadline := w.totalTicks + uint64(ticks)
		existing, _ := w.diag.Load(deadline)
		w.diag.Store(deadline, append(existing, id))
	}
}

// PendingBefore returns up to limit FlowIDs whose scheduled deadline is
// within horizonTicks of now, in ascending deadline order. Only
// meaningful on a wheel built with NewDiagnosticWheel; returns nil
// otherwise.
func (w *Wheel) PendingBefore(horizonTicks uint64, limit int) []FlowID {
	if w.diag == nil {
		return nil
	}
	cutoff := w.totalTicks + horizonTicks
	var out []FlowID
	w.diag.Range(func(deadline uint64, ids []FlowID) bool {
		if deadline > cutoff {
			return false
		}
		out = append(out, ids...)
		return len(out) < limit || limit <= 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RunTimers advances head by one tick, walks the bucket the new head
// points to, and invokes visitor for each linked FCB in reverse insertion
// order (singly-linked from head).
// Reschedule may not target the bucket currently being walked;
// ticksRemaining is clamped into [1, W-1] to honor that.
func (w *Wheel) RunTimers(visitor Visitor) {
	w.head = (w.head + 1) & w.mask
	w.totalTicks++
	bucket := w.head

	if w.diag != nil {
		w.diag.Delete(w.totalTicks)
	}

	id := w.buckets[bucket]
	w.buckets[bucket] = noFlow

	for id != noFlow {
		fcb := w.arena.Slot(id)
		next := fcb.nextInBucket
		fcb.nextInBucket = noFlow
		fcb.inWheel = false

		action, ticks := visitor(id)
		switch action {
		case Expire:
			// caller already did the table/quarantine work; nothing to relink.
		case Reschedule:
			if ticks == 0 {
				ticks = 1
			}
			if ticks >= uint32(len(w.buckets)) {
				ticks = uint32(len(w.buckets)) - 1
			}
			w.ScheduleAfter(id, ticks)
		case Keep:
			// leave unlinked; caller owns re-linking if it wants to.
		}

		id = next
	}
}
