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

// Packet is the minimal shape the core needs from an upstream packet
// object: raw bytes plus the FlowID the manager resolved it to. Batches
// are ordinary Go slices rather than intrusive linked lists; there is no
// separate next pointer to thread through.
type Packet struct {
	Data   []byte
	FlowID FlowID
}

// Batch is an ordered sequence of packets, all of one flow, tagged with
// that flow's id.
type Batch struct {
	FlowID  FlowID
	Packets []Packet
}

// BatchBuilder accumulates consecutive same-flow packets into a run,
// amortising hash-table work across a burst. One instance per Manager
// (never shared across workers).
type BatchBuilder struct {
	currentFlow FlowID
	hasRun      bool
	run         []Packet

	// last5Tuple is the CACHE shortcut: a packet whose tuple matches this
	// one skips the table lookup entirely.
	last5Tuple   FlowKey
	has5Tuple    bool
	cacheEnabled bool
}

// NewBatchBuilder constructs a builder; cache enables the last-5-tuple
// shortcut.
func NewBatchBuilder(cache bool) *BatchBuilder {
	return &BatchBuilder{cacheEnabled: cache}
}

// Append attaches p to the current run. Callers must first confirm (via
// LastFlowID) that p belongs to the run already in progress; Append does
// not itself check flow identity.
func (b *BatchBuilder) Append(p Packet) {
	b.run = append(b.run, p)
}

// StartRun begins a new run for flowID, replacing whatever run (if any)
// was accumulated so far. Callers must have already called Finish to
// drain the prior run before starting a new one.
func (b *BatchBuilder) StartRun(flowID FlowID, p Packet) {
	b.currentFlow = flowID
	b.hasRun = true
	b.run = []Packet{p}
}

// LastFlowID reports the flow id the current run belongs to, and whether
// a run is in progress at all.
func (b *BatchBuilder) LastFlowID() (FlowID, bool) {
	return b.currentFlow, b.hasRun
}

// Finish returns and clears the accumulated run, or nil if none is in
// progress.
func (b *BatchBuilder) Finish() *Batch {
	if !b.hasRun || len(b.run) == 0 {
		b.hasRun = false
		b.run = nil
		return nil
	}
	batch := &Batch{FlowID: b.currentFlow, Packets: b.run}
	b.hasRun = false
	b.run = nil
	return batch
}

// CachedTuple returns the last tuple seen (the CACHE shortcut state) and
// whether one has been recorded yet.
func (b *BatchBuilder) CachedTuple() (FlowKey, bool) {
	return b.last5Tuple, b.has5Tuple
}

// SetCachedTuple records tuple as the last-seen 5-tuple, when caching is
// enabled.
func (b *BatchBuilder) SetCachedTuple(tuple FlowKey) {
	if !b.cacheEnabled {
		return
	}
	b.last5Tuple = tuple
	b.has5Tuple = true
}

// CacheEnabled reports whether the last-5-tuple shortcut is active.
func (b *BatchBuilder) CacheEnabled() bool { return b.cacheEnabled }
