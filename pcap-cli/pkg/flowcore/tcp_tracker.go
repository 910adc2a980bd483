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
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"
)

// TCP flag bits, wire order.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// tcpCommon is the reference-counted record shared between the two
// directions of a TCP connection. useCount never underflows: the
// decrement observing zero is the unique releaser.
type tcpCommon struct {
	useCount  atomic.Int32
	closing   atomic.Bool
	createdAt int64 // unix millis; read only by the leak reaper.
}

// leakEntry remembers which manager/slot holds a Common so the reaper can
// force-close connections whose teardown events never both arrived.
type leakEntry struct {
	mgr    *Manager
	id     FlowID
	common *tcpCommon
}

// tcpEntry is the per-direction FCB payload.
type tcpEntry struct {
	common  *tcpCommon
	finSeen bool
}

// commonStash is the per-direction 5-tuple -> Common map each side keeps
// so its peer can claim the shared state on that peer's first packet.
// Distinct from the flow table itself; keyed by FlowKey.Hash().
type commonStash = haxmap.Map[uint64, *tcpCommon]

// Tracker pairs two Manager instances (forward and reverse direction)
// that share reference-counted TCP connection state to close entries
// early on SYN/FIN/RST.
type Tracker struct {
	fwd, rev           *Manager
	fwdStash, revStash *commonStash
	acceptNonSyn       bool
	tcpTimeout         time.Duration
	log                *zap.Logger

	established atomic.Int64
	staleDrops  atomic.Uint64

	registryMu sync.Mutex
	registry   map[*tcpCommon]leakEntry

	reaperStop chan struct{}
	reaperWG   sync.WaitGroup
}

// carrierDeadline is how long a Common may sit unreleased before the leak
// reaper force-releases it. TCP connections legitimately idle for
// minutes, so this stays well above any data-path timeout.
const carrierDeadline = 600 * time.Second

// NewTracker pairs fwd and rev and installs the tracking hooks on both,
// so every TCP packet pushed through either Manager runs the new-flow /
// per-packet procedures below with no extra calls from the consumer.
// AcceptNonSyn, the TCP timeout and ReturnName are read from fwd's
// Config. Call before the first PushBatch on either side.
func NewTracker(fwd, rev *Manager, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := fwd.cfg
	if cfg.ReturnName != "" {
		log = log.With(zap.String("return", cfg.ReturnName))
	}
	t := &Tracker{
		fwd: fwd, rev: rev,
		fwdStash:     haxmap.New[uint64, *tcpCommon](),
		revStash:     haxmap.New[uint64, *tcpCommon](),
		acceptNonSyn: cfg.AcceptNonSyn,
		tcpTimeout:   cfg.tcpTimeout(),
		log:          log,
		registry:     make(map[*tcpCommon]leakEntry),
	}
	t.install(t.Forward())
	t.install(t.Reverse())
	return t
}

func (t *Tracker) install(d Direction) {
	d.mgr.newFlowHook = func(id FlowID, key FlowKey, tcpFlags uint8) error {
		if key.Proto() != L4ProtoTCP {
			return nil
		}
		return t.NewFlow(d, id, key, tcpFlags)
	}
	d.mgr.packetHook = func(fcb *FCB, tcpFlags uint8) error {
		return t.OnPacket(fcb, tcpFlags)
	}
	d.mgr.releaseHook = func(fcb *FCB) {
		t.release(fcb)
	}
}

// Established returns the number of connections whose Common was adopted
// by the second direction and has not yet been released by both; a
// connection stays counted after only one side has released.
func (t *Tracker) Established() int64 { return t.established.Load() }

// StaleDrops returns the number of packets dropped for lacking a current
// Common (late retransmits after close).
func (t *Tracker) StaleDrops() uint64 { return t.staleDrops.Load() }

// Direction names which side of the pair a packet's Manager belongs to,
// so NewFlow knows whose stash to search and whose to insert into.
type Direction struct {
	mgr   *Manager
	stash *commonStash

	peerStash *commonStash
}

// Forward returns the direction handle for the tracker's forward Manager.
func (t *Tracker) Forward() Direction {
	return Direction{mgr: t.fwd, stash: t.fwdStash, peerStash: t.revStash}
}

// Reverse returns the direction handle for the tracker's reverse Manager.
func (t *Tracker) Reverse() Direction {
	return Direction{mgr: t.rev, stash: t.revStash, peerStash: t.fwdStash}
}

// NewFlow runs the new-flow procedure for a packet that just landed in a
// brand-new FCB on side d; tuple is that packet's own 5-tuple. Returns
// ErrProtocolViolation when the packet is neither an adoption of an
// existing Common nor a SYN and AcceptNonSyn is false; never panics.
func (t *Tracker) NewFlow(d Direction, id FlowID, tuple FlowKey, tcpFlags uint8) error {
	fcb := d.mgr.FCB(id)

	// The peer stashed its Common under its own reversed tuple, which is
	// exactly this direction's forward tuple; GetAndDel is the atomic
	// find-and-remove that decides ownership when this races the peer's
	// expiry.
	if common, ok := d.peerStash.GetAndDel(tuple.Hash()); ok {
		// The stash's reference transfers to this holder; useCount is not
		// incremented.
		if common.useCount.Load() == 1 {
			// The peer side already dropped its holder reference: the
			// connection was reset or expired before this direction saw a
			// packet. Drop the transferred reference and continue as unfound.
			if common.useCount.Add(-1) == 0 {
				t.unregisterLeakCandidate(common)
			}
		} else {
			fcb.tcp = &tcpEntry{common: common, finSeen: false}
			t.established.Add(1)
			return nil
		}
	}

	if !t.acceptNonSyn && tcpFlags&TCPFlagSYN == 0 {
		return ErrProtocolViolation
	}

	common := &tcpCommon{createdAt: time.Now().UnixMilli()}
	common.useCount.Store(2) // us + the stash slot
	fcb.tcp = &tcpEntry{common: common, finSeen: false}
	t.registerLeakCandidate(d.mgr, id, common)

	// Stash under this packet's reversed tuple, so the peer direction's
	// first packet finds it under that packet's own forward tuple.
	d.stash.Set(tuple.Reverse().Hash(), common)
	return nil
}

func (t *Tracker) registerLeakCandidate(mgr *Manager, id FlowID, common *tcpCommon) {
	t.registryMu.Lock()
	t.registry[common] = leakEntry{mgr: mgr, id: id, common: common}
	t.registryMu.Unlock()
}

func (t *Tracker) unregisterLeakCandidate(common *tcpCommon) {
	t.registryMu.Lock()
	delete(t.registry, common)
	t.registryMu.Unlock()
}

// StartLeakReaper launches the periodic sweep that force-releases any
// Common still registered after carrierDeadline, the case where packet
// reordering means neither direction's RST/FIN ever decremented it to
// zero. Call once per Tracker; StopLeakReaper releases it.
func (t *Tracker) StartLeakReaper(ctx context.Context) {
	t.reaperStop = make(chan struct{})
	t.reaperWG.Add(1)
	go func() {
		defer t.reaperWG.Done()
		ticker := time.NewTicker(carrierDeadline)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.reaperStop:
				return
			case now := <-ticker.C:
				t.reapLeaked(now)
			}
		}
	}()
}

// StopLeakReaper halts the reaper goroutine and waits for it to exit.
func (t *Tracker) StopLeakReaper() {
	if t.reaperStop == nil {
		return
	}
	select {
	case <-t.reaperStop:
	default:
		close(t.reaperStop)
	}
	t.reaperWG.Wait()
}

func (t *Tracker) reapLeaked(now time.Time) {
	deadline := now.Add(-carrierDeadline).UnixMilli()

	t.registryMu.Lock()
	var stale []leakEntry
	for common, entry := range t.registry {
		if common.createdAt <= deadline {
			stale = append(stale, entry)
		}
	}
	t.registryMu.Unlock()

	for _, entry := range stale {
		fcb := entry.mgr.FCB(entry.id)
		if fcb.tcp != nil && fcb.tcp.common == entry.common {
			t.release(fcb)
			t.log.Debug("flowcore: reaped orphaned tcp common",
				zap.Int32("flow_id", int32(entry.id)))
		}
		t.unregisterLeakCandidate(entry.common)
	}
}

// OnPacket runs the per-packet procedure for a packet already classified
// into fcb's flow. Returns ErrStaleReference when fcb has no current
// Common (a late packet after close), and nil otherwise; never panics.
func (t *Tracker) OnPacket(fcb *FCB, tcpFlags uint8) error {
	entry := fcb.tcp
	if entry == nil || entry.common == nil {
		t.staleDrops.Add(1)
		return ErrStaleReference
	}
	common := entry.common

	switch {
	case tcpFlags&TCPFlagRST != 0:
		t.release(fcb)

	case tcpFlags&TCPFlagFIN != 0:
		if entry.finSeen {
			return nil // FIN retransmit
		}
		entry.finSeen = true
		if common.closing.Load() && tcpFlags&TCPFlagACK != 0 {
			// second FIN, from the other side: it carries the peer's ACK of
			// ours, so this side is done once it sends the final ACK.
			t.release(fcb)
		} else {
			common.closing.Store(true)
		}

	case tcpFlags&TCPFlagACK != 0 && common.closing.Load() && entry.finSeen:
		t.release(fcb)
	}

	return nil
}

// release drops this direction's reference on common, clears the FCB's
// tcp payload, and marks the FCB for reclamation on the short TCP
// timeout. The decrement-to-zero observer is the unique releaser: it
// alone retires the established count and the leak-registry entry.
func (t *Tracker) release(fcb *FCB) {
	entry := fcb.tcp
	if entry == nil || entry.common == nil {
		return
	}
	if entry.common.useCount.Add(-1) == 0 {
		t.established.Add(-1)
		t.unregisterLeakCandidate(entry.common)
	}
	fcb.tcp = nil
	fcb.timeoutOverrideMillis = t.tcpTimeout.Milliseconds()
}
