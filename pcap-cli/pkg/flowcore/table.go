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

import (
	"sync"

	"github.com/alphadose/haxmap"
)

// slotsPerBucket is the cuckoo bucket width.
const slotsPerBucket = 4

type tableSlot struct {
	occupied    bool
	pendingFree bool // deferred-key (LF) delete in progress; slot held until FreeKeyAt
	key         FlowKey
	id          FlowID
}

type tableBucket struct {
	mu    sync.Mutex
	slots [slotsPerBucket]tableSlot
}

type slotRef struct {
	bucket uint32
	slot   uint8
	valid  bool
}

// mirrorEntry carries the full key alongside the id so a Lookup hit on a
// colliding 64-bit hash is rejected by componentwise comparison instead
// of returning another flow's index.
type mirrorEntry struct {
	key FlowKey
	id  FlowID
}

// Table is the concurrent 5-tuple -> FCB index mapping: a
// cuckoo-organized directory whose bucket count is fixed at construction
// (the table never rehashes). Reads always go through the haxmap mirror,
// whose bucket updates are atomic, so a reader racing a writer observes
// either miss-then-hit or hit, never a torn key.
type Table struct {
	buckets     []tableBucket
	mask        uint32
	mirror      *haxmap.Map[uint64, mirrorEntry] // keyed by FlowKey.Hash()
	idToSlot    []slotRef
	multiWriter bool
	lf          bool

	freeMu    sync.Mutex
	freeStack []FlowID

	cnt counters
}

// NewTable constructs a table with capacity entries (must be a power of
// two) and the given single-writer / multi-writer / deferred-key
// concurrency mode.
func NewTable(capacity uint32, multiWriter, lf bool) *Table {
	numBuckets := nextPow2(capacity / slotsPerBucket)
	if numBuckets == 0 {
		numBuckets = 1
	}
	t := &Table{
		buckets:     make([]tableBucket, numBuckets),
		mask:        numBuckets - 1,
		mirror:      haxmap.New[uint64, mirrorEntry](),
		idToSlot:    make([]slotRef, capacity),
		multiWriter: multiWriter,
		lf:          lf,
	}
	t.freeStack = make([]FlowID, capacity)
	for i := range t.freeStack {
		t.freeStack[i] = FlowID(capacity) - 1 - FlowID(i)
	}
	return t
}

func (t *Table) lockBucket(i uint32) {
	if t.multiWriter {
		t.buckets[i].mu.Lock()
	}
}

func (t *Table) unlockBucket(i uint32) {
	if t.multiWriter {
		t.buckets[i].mu.Unlock()
	}
}

// tryLockBucket is the non-blocking variant used by the kick path: Add
// already holds two bucket locks in index order, so taking a third one
// unconditionally could deadlock against a concurrent Add holding the
// reverse pair. Losing the race just means the kick is not attempted.
func (t *Table) tryLockBucket(i uint32) bool {
	if t.multiWriter {
		return t.buckets[i].mu.TryLock()
	}
	return true
}

// Lookup is multi-reader safe; it never blocks on a writer.
func (t *Table) Lookup(key FlowKey) (FlowID, bool) {
	e, ok := t.mirror.Get(key.Hash())
	if !ok || !e.key.Equal(key) {
		return 0, false
	}
	return e.id, true
}

// Count returns the approximate number of live flows.
func (t *Table) Count() uint32 {
	n := t.cnt.count.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// DroppedCapacity returns the number of Add calls that failed because no
// free slot (nor one-level kick target) was available.
func (t *Table) DroppedCapacity() uint64 { return t.cnt.droppedCapacity.Load() }

func (t *Table) popFreeID() (FlowID, bool) {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	n := len(t.freeStack)
	if n == 0 {
		return 0, false
	}
	id := t.freeStack[n-1]
	t.freeStack = t.freeStack[:n-1]
	return id, true
}

func (t *Table) pushFreeID(id FlowID) {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	t.freeStack = append(t.freeStack, id)
}

func findFree(b *tableBucket) int {
	for i := range b.slots {
		if !b.slots[i].occupied {
			return i
		}
	}
	return -1
}

// alternateBucket returns the bucket index a key would occupy other than
// `from` (primary<->secondary), used to resolve a one-level cuckoo kick.
func (t *Table) alternateBucket(key FlowKey, from uint32) uint32 {
	p := uint32(key.Hash()) & t.mask
	if from == p {
		return uint32(key.secondaryHash()) & t.mask
	}
	return p
}

// Add inserts a new mapping. On success, Lookup(key) returns the same
// index until a matching delete.
func (t *Table) Add(key FlowKey) (FlowID, error) {
	pBucket := uint32(key.Hash()) & t.mask
	sBucket := uint32(key.secondaryHash()) & t.mask

	first, second := pBucket, sBucket
	if first > second {
		first, second = second, first
	}
	t.lockBucket(first)
	if second != first {
		t.lockBucket(second)
	}
	defer func() {
		if second != first {
			t.unlockBucket(second)
		}
		t.unlockBucket(first)
	}()

	id, ok := t.popFreeID()
	if !ok {
		t.cnt.droppedCapacity.Add(1)
		return 0, ErrTableFull
	}

	if i := findFree(&t.buckets[pBucket]); i >= 0 {
		t.place(pBucket, uint8(i), key, id)
		return id, nil
	}
	if i := findFree(&t.buckets[sBucket]); i >= 0 {
		t.place(sBucket, uint8(i), key, id)
		return id, nil
	}

	// bounded one-level kick: evict the first occupied slot in the primary
	// bucket into its alternate bucket, if that alternate has room. A full
	// unbounded kick-chain only pays off above load factors the free-stack
	// allocator never reaches; see DESIGN.md.
	if id, ok := t.tryKick(pBucket, sBucket, key, id); ok {
		return id, nil
	}

	t.pushFreeID(id)
	t.cnt.droppedCapacity.Add(1)
	return 0, ErrTableFull
}

// tryKick attempts to displace one occupant of pBucket into its alternate
// bucket so that (key, id) can take the freed slot in pBucket. Both
// pBucket and sBucket are already locked by the caller; altBucket is
// locked here only when it is neither of those two.
func (t *Table) tryKick(pBucket, sBucket uint32, key FlowKey, id FlowID) (FlowID, bool) {
	victimSlot := -1
	for i := range t.buckets[pBucket].slots {
		if t.buckets[pBucket].slots[i].occupied && !t.buckets[pBucket].slots[i].pendingFree {
			victimSlot = i
			break
		}
	}
	if victimSlot < 0 {
		return 0, false
	}

	victim := t.buckets[pBucket].slots[victimSlot]
	altBucket := t.alternateBucket(victim.key, pBucket)

	alreadyLocked := altBucket == pBucket || altBucket == sBucket
	if !alreadyLocked {
		if !t.tryLockBucket(altBucket) {
			return 0, false
		}
		defer t.unlockBucket(altBucket)
	}

	altFree := findFree(&t.buckets[altBucket])
	if altFree < 0 {
		return 0, false
	}

	t.place(altBucket, uint8(altFree), victim.key, victim.id)
	t.cnt.count.Add(-1) // the victim moved; place counted it a second time
	t.buckets[pBucket].slots[victimSlot] = tableSlot{}
	t.place(pBucket, uint8(victimSlot), key, id)
	return id, true
}

func (t *Table) place(bucket uint32, slot uint8, key FlowKey, id FlowID) {
	t.buckets[bucket].slots[slot] = tableSlot{occupied: true, key: key, id: id}
	t.idToSlot[id] = slotRef{bucket: bucket, slot: slot, valid: true}
	t.mirror.Set(key.Hash(), mirrorEntry{key: key, id: id})
	t.cnt.count.Add(1)
}

// DeleteKey removes the mapping for key. In deferred-key (LF) mode the
// bucket slot is held (pendingFree) until FreeKeyAt releases it one
// recycle tick later; the caller is responsible for quarantining the
// returned position. In immediate mode the id is returned to the free
// stack right away.
func (t *Table) DeleteKey(key FlowKey) (FlowID, error) {
	pBucket := uint32(key.Hash()) & t.mask
	sBucket := uint32(key.secondaryHash()) & t.mask

	for _, b := range [2]uint32{pBucket, sBucket} {
		t.lockBucket(b)
		for i := range t.buckets[b].slots {
			s := &t.buckets[b].slots[i]
			if s.occupied && !s.pendingFree && s.key.Equal(key) {
				id := s.id
				t.mirror.Del(key.Hash())
				t.cnt.count.Add(-1)
				if t.lf {
					s.pendingFree = true
					t.unlockBucket(b)
					return id, nil
				}
				*s = tableSlot{}
				t.idToSlot[id] = slotRef{}
				t.unlockBucket(b)
				t.pushFreeID(id)
				return id, nil
			}
		}
		t.unlockBucket(b)
	}
	return 0, ErrMissing
}

// DeleteByPosition removes the mapping that owns slot position, for
// callers holding only the FCB index rather than a key. Honors the
// same deferred-key discipline as DeleteKey.
func (t *Table) DeleteByPosition(position FlowID) error {
	ref := t.idToSlot[position]
	if !ref.valid {
		return ErrMissing
	}
	t.lockBucket(ref.bucket)
	s := &t.buckets[ref.bucket].slots[ref.slot]
	if !s.occupied || s.pendingFree || s.id != position {
		t.unlockBucket(ref.bucket)
		return ErrMissing
	}
	t.mirror.Del(s.key.Hash())
	t.cnt.count.Add(-1)
	if t.lf {
		s.pendingFree = true
		t.unlockBucket(ref.bucket)
		return nil
	}
	*s = tableSlot{}
	t.idToSlot[position] = slotRef{}
	t.unlockBucket(ref.bucket)
	t.pushFreeID(position)
	return nil
}

// FreeKeyAt completes a deferred delete: it physically clears the slot at
// position and returns the id to the free stack. Called by the manager's
// quarantine drain, one recycle tick after DeleteKey.
func (t *Table) FreeKeyAt(position FlowID) {
	ref := t.idToSlot[position]
	if !ref.valid {
		return
	}
	t.lockBucket(ref.bucket)
	t.buckets[ref.bucket].slots[ref.slot] = tableSlot{}
	t.idToSlot[position] = slotRef{}
	t.unlockBucket(ref.bucket)
	t.pushFreeID(position)
}
