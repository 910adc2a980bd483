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
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"go.uber.org/zap"
)

// quarantineEntry holds a table position whose key memory cannot be
// reused until one recycle tick has elapsed since deletion.
type quarantineEntry struct {
	position FlowID
}

// Manager ties Table + Arena + Wheel + BatchBuilder together; it is the
// single entry point for a worker's packet batches. Each worker owns an
// exclusive Manager instance group: arena, wheel, batch builder and
// recycle timer are never shared across workers, unless
// Config.MultiWriter opts the Table into its concurrent-safe mode.
type Manager struct {
	cfg     Config
	table   *Table
	arena   *Arena
	wheel   *Wheel
	builder *BatchBuilder
	log     *zap.Logger

	// timeoutMillis/recycleNanos/timeoutTicks are read on every packet and
	// every recycle tick but may be rewritten by Reconfigure from a
	// hot-reload watcher goroutine (pcap-fsnotify), so they live behind
	// atomics instead of being plain Config fields re-read from m.cfg.
	timeoutMillis atomic.Int64
	recycleNanos  atomic.Int64
	timeoutTicks  atomic.Uint32

	recycleTicker atomic.Pointer[time.Ticker]

	// quarantine is per-worker, single-producer single-consumer.
	quarantineMu sync.Mutex
	quarantine   []quarantineEntry

	// droppedTooShort counts packets dropped for lacking required header
	// bytes; droppedCapacity is tracked by the table itself since
	// Table.Add is the only place that knows a slot/kick-chain truly has
	// no room.
	droppedTooShort atomic.Uint64

	tickerStop chan struct{}
	tickerWG   sync.WaitGroup

	dropRatelimit dropRatelimiter

	// Hooks installed by the TCP tracker when one is layered above this
	// manager (tcp_tracker.go); nil otherwise. newFlowHook runs after a
	// table Add and may veto the new flow; packetHook runs per classified
	// TCP packet and may veto the packet; releaseHook runs before an FCB
	// slot is reclaimed.
	newFlowHook func(id FlowID, key FlowKey, tcpFlags uint8) error
	packetHook  func(fcb *FCB, tcpFlags uint8) error
	releaseHook func(fcb *FCB)
}

// NewManager validates cfg and constructs a fully wired Manager: Arena,
// Table, Wheel and BatchBuilder sized per cfg. Returns a *ConfigError
// (never panics) on invalid configuration.
func NewManager(cfg Config, log *zap.Logger) (*Manager, error) {
	cfg.minReserve = reservedManagerBytes
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	arena := NewArena(cfg.Capacity, cfg.Reserve)
	table := NewTable(cfg.Capacity, cfg.MultiWriter, cfg.LF)

	recycle := cfg.recycleInterval()
	var timeoutTicks uint32
	if cfg.TimeoutSeconds > 0 {
		timeoutTicks = uint32(math.Ceil(float64(cfg.timeout()) / float64(recycle)))
	}
	wheel := NewWheel(arena, timeoutTicks+1)

	m := &Manager{
		cfg:        cfg,
		table:      table,
		arena:      arena,
		wheel:      wheel,
		builder:    NewBatchBuilder(cfg.Cache),
		log:        log,
		tickerStop: make(chan struct{}),
	}
	m.timeoutMillis.Store(int64(cfg.TimeoutSeconds) * 1000)
	m.recycleNanos.Store(int64(recycle))
	m.timeoutTicks.Store(timeoutTicks)
	return m, nil
}

// Reconfigure applies a new timeout/recycle interval without
// reconstructing the table or arena, for the pcap-fsnotify hot-reload
// watcher. The wheel's bucket count is fixed at construction, like the
// table's, so a new timeout only takes effect for flows scheduled after
// this call and for the residual-time math the recycle visitor uses on
// already-scheduled ones; it must not exceed the capacity the wheel was
// built for.
func (m *Manager) Reconfigure(timeoutSeconds uint32, recycleIntervalSeconds float64) {
	if recycleIntervalSeconds <= 0 {
		recycleIntervalSeconds = 1.0
	}
	recycle := time.Duration(recycleIntervalSeconds * float64(time.Second))

	var timeoutTicks uint32
	if timeoutSeconds > 0 {
		timeoutTicks = uint32(math.Ceil(float64(time.Duration(timeoutSeconds)*time.Second) / float64(recycle)))
	}
	maxTicks := uint32(m.wheel.Buckets()) - 1
	if timeoutTicks > maxTicks {
		timeoutTicks = maxTicks
	}

	m.timeoutMillis.Store(int64(timeoutSeconds) * 1000)
	m.recycleNanos.Store(int64(recycle))
	m.timeoutTicks.Store(timeoutTicks)

	if ticker := m.recycleTicker.Load(); ticker != nil {
		ticker.Reset(recycle)
	}
}

// Count returns the number of live flows in this manager's table.
func (m *Manager) Count() uint32 { return m.table.Count() }

// DroppedCapacity returns the number of packets dropped due to TableFull.
func (m *Manager) DroppedCapacity() uint64 { return m.table.DroppedCapacity() }

// DroppedTooShort returns the number of packets dropped for lacking
// required header bytes.
func (m *Manager) DroppedTooShort() uint64 { return m.droppedTooShort.Load() }

// FCB exposes the FCB for a resolved flow id, so downstream stages can
// read/mutate per-flow state without re-consulting the table. Returned
// explicitly rather than stashed in a goroutine-local (Go has no such
// primitive).
func (m *Manager) FCB(id FlowID) *FCB { return m.arena.Slot(id) }

// StartRecycleTimer launches the recycle timer goroutine for this
// manager. Call once per Manager; Stop releases it.
func (m *Manager) StartRecycleTimer(ctx context.Context) {
	interval := time.Duration(m.recycleNanos.Load())
	ticker := time.NewTicker(interval)
	m.recycleTicker.Store(ticker)

	m.tickerWG.Add(1)
	go func() {
		defer m.tickerWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.tickerStop:
				return
			case now := <-ticker.C:
				m.Recycle(now)
			}
		}
	}()
}

// Stop halts the recycle timer goroutine and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.tickerStop:
	default:
		close(m.tickerStop)
	}
	m.tickerWG.Wait()
}

// Recycle runs one reclamation tick: first drains the quarantine list
// (the lock-free readers' one-tick grace period), then walks the wheel's
// newly-due bucket.
func (m *Manager) Recycle(now time.Time) {
	m.drainQuarantine()

	recycle := time.Duration(m.recycleNanos.Load())
	ticksPerSec := float64(time.Second) / float64(recycle)
	nowMillis := now.UnixMilli()
	timeoutMillis := m.timeoutMillis.Load()

	m.wheel.RunTimers(func(id FlowID) (Action, uint32) {
		fcb := m.arena.Slot(id)
		elapsed := nowMillis - fcb.LastSeen

		effectiveTimeout := timeoutMillis
		if o := fcb.timeoutOverrideMillis; o > 0 && o < effectiveTimeout {
			effectiveTimeout = o
		}

		if elapsed+int64(recycle/time.Millisecond) >= effectiveTimeout {
			pos, err := m.table.DeleteKey(fcb.key)
			if err == nil {
				if m.cfg.LF {
					m.enqueueQuarantine(pos)
				} else {
					m.releaseFCB(id)
				}
			} else {
				m.releaseFCB(id)
			}
			if m.cfg.Verbose > 0 {
				m.log.Debug("flowcore: expire", zap.String("json", expiryJSON(id, elapsed)))
			}
			return Expire, 0
		}

		residualMillis := effectiveTimeout - elapsed
		ticks := uint32(math.Ceil(float64(residualMillis) / 1000.0 * ticksPerSec))
		if ticks == 0 {
			ticks = 1
		}
		return Reschedule, ticks
	})
}

func (m *Manager) enqueueQuarantine(position FlowID) {
	m.quarantineMu.Lock()
	m.quarantine = append(m.quarantine, quarantineEntry{position: position})
	m.quarantineMu.Unlock()
}

func (m *Manager) drainQuarantine() {
	m.quarantineMu.Lock()
	pending := m.quarantine
	m.quarantine = nil
	m.quarantineMu.Unlock()

	for _, e := range pending {
		m.table.FreeKeyAt(e.position)
		m.releaseFCB(e.position)
	}
}

// releaseFCB marks an FCB slot unallocated and clears its manager-owned
// bookkeeping so the next Add reuses a clean slot. A TCP tracker layered
// above this manager gets to drop its Common reference first.
func (m *Manager) releaseFCB(id FlowID) {
	fcb := m.arena.Slot(id)
	if m.releaseHook != nil && fcb.tcp != nil {
		m.releaseHook(fcb)
	}
	fcb.allocated = false
	fcb.tcp = nil
	fcb.key = FlowKey{}
	fcb.timeoutOverrideMillis = 0
}

// PushBatch is the single entry point for a worker:
// classify every packet in pkts, extend or roll over the current run, and
// return the finished batches in arrival order. now is the batch's
// arrival timestamp, stamped onto the outgoing run's FCB.
func (m *Manager) PushBatch(pkts []RawPacket, now time.Time) []*Batch {
	var out []*Batch

	for _, raw := range pkts {
		if batch := m.pushOne(raw, now); batch != nil {
			out = append(out, batch)
		}
	}

	if final := m.builder.Finish(); final != nil {
		m.stampLastSeen(final, now)
		out = append(out, final)
	}

	return out
}

// RawPacket is the minimal upstream shape PushBatch consumes: bytes plus
// a pre-parsed tuple (extraction failures are surfaced by the caller
// before reaching the manager).
type RawPacket struct {
	Data []byte
	Key  FlowKey
	// TCPFlags is non-zero only for TCP packets; used by the optional TCP
	// tracker layered above this manager.
	TCPFlags uint8
}

func (m *Manager) pushOne(raw RawPacket, now time.Time) *Batch {
	if m.cfg.Prefilter != nil && !m.cfg.Prefilter.Allows(raw.Key, raw.TCPFlags) {
		return nil
	}

	var id FlowID
	resolved := false
	if m.builder.CacheEnabled() {
		if cached, ok := m.builder.CachedTuple(); ok && cached.Equal(raw.Key) {
			if flowID, inRun := m.builder.LastFlowID(); inRun {
				id = flowID
				resolved = true
			}
		}
	}

	if !resolved {
		var hit bool
		id, hit = m.table.Lookup(raw.Key)
		if !hit {
			newID, err := m.table.Add(raw.Key)
			if err != nil {
				m.dropRatelimit.maybeLog(m.log, "drop/capacity")
				return nil
			}
			id = newID
			fcb := m.arena.Slot(id)
			fcb.key = raw.Key
			fcb.allocated = true
			fcb.touch(now) // the slot's previous occupant left a stale LastSeen
			if m.newFlowHook != nil {
				if hookErr := m.newFlowHook(id, raw.Key, raw.TCPFlags); hookErr != nil {
					m.abortNewFlow(raw.Key)
					m.dropRatelimit.maybeLog(m.log, "drop/new-flow-rejected")
					return nil
				}
			}
			if m.timeoutMillis.Load() > 0 {
				m.wheel.ScheduleAfter(id, m.timeoutTicks.Load())
			}
		}
	}

	if m.packetHook != nil && raw.Key.Proto() == L4ProtoTCP {
		if hookErr := m.packetHook(m.arena.Slot(id), raw.TCPFlags); hookErr != nil {
			m.dropRatelimit.maybeLog(m.log, "drop/stale-tcp")
			return nil
		}
	}

	m.builder.SetCachedTuple(raw.Key)

	var finished *Batch
	if current, inRun := m.builder.LastFlowID(); inRun && current == id {
		m.builder.Append(Packet{Data: raw.Data, FlowID: id})
	} else {
		if inRun {
			finished = m.builder.Finish()
			if finished != nil {
				m.stampLastSeen(finished, now)
			}
		}
		m.builder.StartRun(id, Packet{Data: raw.Data, FlowID: id})
	}

	return finished
}

// abortNewFlow undoes a just-performed Add whose new-flow hook vetoed the
// flow: the mapping is removed and the slot reclaimed (through quarantine
// in deferred-key mode). The FCB was not yet scheduled on the wheel.
func (m *Manager) abortNewFlow(key FlowKey) {
	pos, err := m.table.DeleteKey(key)
	if err != nil {
		return
	}
	if m.cfg.LF {
		m.enqueueQuarantine(pos)
	} else {
		m.releaseFCB(pos)
	}
}

func (m *Manager) stampLastSeen(b *Batch, now time.Time) {
	m.arena.Slot(b.FlowID).touch(now)
}

// PushGopacketBatch is the integration entry point for live/decoded
// packets: it parses each packet's 5-tuple before
// handing it to the same classify-and-batch pipeline PushBatch drives.
// Parse failures are counted as ShortPacket drops and otherwise skipped;
// no error ever escapes this call.
func (m *Manager) PushGopacketBatch(pkts []gopacket.Packet, now time.Time) []*Batch {
	raws := make([]RawPacket, 0, len(pkts))
	for _, pkt := range pkts {
		key, err := Parse(pkt)
		if err != nil {
			m.droppedTooShort.Add(1)
			m.dropRatelimit.maybeLog(m.log, "drop/short-packet")
			continue
		}
		var data []byte
		if pkt.Data() != nil {
			data = pkt.Data()
		}
		raws = append(raws, RawPacket{Data: data, Key: key, TCPFlags: parseTCPFlagsFromPacket(pkt)})
	}
	return m.PushBatch(raws, now)
}
