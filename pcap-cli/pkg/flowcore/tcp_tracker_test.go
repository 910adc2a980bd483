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
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrackedPair(t *testing.T, cfg Config) (*Manager, *Manager, *Tracker) {
	t.Helper()
	fwd, err := NewManager(cfg, nil)
	require.NoError(t, err)
	rev, err := NewManager(cfg, nil)
	require.NoError(t, err)
	return fwd, rev, NewTracker(fwd, rev, nil)
}

func tcpKeyN(n int) FlowKey {
	return NewFlowKey(
		netip.AddrFrom4([4]byte{192, 168, byte(n >> 8), byte(n)}),
		netip.AddrFrom4([4]byte{10, 9, 8, 7}),
		uint16(20000+n), 443, L4ProtoTCP)
}

func pushOneTCP(m *Manager, key FlowKey, flags uint8, now time.Time) []*Batch {
	return m.PushBatch([]RawPacket{{Data: []byte("p"), Key: key, TCPFlags: flags}}, now)
}

func TestHandshakeSharesCommon(t *testing.T) {
	fwd, rev, tracker := newTrackedPair(t, testConfig())
	now := time.Now()
	client := tcpKeyN(1)
	server := client.Reverse()

	out := pushOneTCP(fwd, client, TCPFlagSYN, now)
	require.Len(t, out, 1)
	assert.Equal(t, int64(0), tracker.Established(), "half-open connections are not established")
	require.Equal(t, uint32(1), fwd.Count())

	out = pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, now)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), tracker.Established())

	fwdID, ok := fwd.table.Lookup(client)
	require.True(t, ok)
	revID, ok := rev.table.Lookup(server)
	require.True(t, ok)

	fwdEntry, revEntry := fwd.FCB(fwdID).tcp, rev.FCB(revID).tcp
	require.NotNil(t, fwdEntry)
	require.NotNil(t, revEntry)
	assert.Same(t, fwdEntry.common, revEntry.common, "both directions share one Common")
	assert.Equal(t, int32(2), fwdEntry.common.useCount.Load())
}

func TestFinHandshakeReleasesCommon(t *testing.T) {
	fwd, rev, tracker := newTrackedPair(t, testConfig())
	now := time.Now()
	client := tcpKeyN(2)
	server := client.Reverse()

	pushOneTCP(fwd, client, TCPFlagSYN, now)
	pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, now)
	require.Equal(t, int64(1), tracker.Established())

	fwdID, _ := fwd.table.Lookup(client)
	revID, _ := rev.table.Lookup(server)
	common := fwd.FCB(fwdID).tcp.common

	pushOneTCP(fwd, client, TCPFlagFIN|TCPFlagACK, now)
	assert.True(t, common.closing.Load())
	assert.Equal(t, int64(1), tracker.Established())

	pushOneTCP(rev, server, TCPFlagFIN|TCPFlagACK, now)
	assert.Nil(t, rev.FCB(revID).tcp, "second FIN closes that side immediately")
	assert.Equal(t, int32(1), common.useCount.Load())

	pushOneTCP(fwd, client, TCPFlagACK, now)
	assert.Nil(t, fwd.FCB(fwdID).tcp)
	assert.Equal(t, int32(0), common.useCount.Load())
	assert.Equal(t, int64(0), tracker.Established())

	// both FCBs are still classified flows; they revert to plain idle
	// entries reclaimed by the wheel on the short TCP timeout.
	assert.Equal(t, uint32(1), fwd.Count())
	assert.Equal(t, uint32(1), rev.Count())
	assert.Positive(t, fwd.FCB(fwdID).timeoutOverrideMillis)
}

func TestFinRetransmitIsIgnored(t *testing.T) {
	fwd, rev, tracker := newTrackedPair(t, testConfig())
	now := time.Now()
	client := tcpKeyN(3)
	server := client.Reverse()

	pushOneTCP(fwd, client, TCPFlagSYN, now)
	pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, now)

	fwdID, _ := fwd.table.Lookup(client)
	common := fwd.FCB(fwdID).tcp.common

	pushOneTCP(fwd, client, TCPFlagFIN|TCPFlagACK, now)
	require.True(t, common.closing.Load())
	require.NotNil(t, fwd.FCB(fwdID).tcp)

	// a retransmitted FIN+ACK must not be treated as the peer's closing
	// FIN: the side stays open and the refcount is untouched.
	pushOneTCP(fwd, client, TCPFlagFIN|TCPFlagACK, now)
	assert.NotNil(t, fwd.FCB(fwdID).tcp)
	assert.Equal(t, int32(2), common.useCount.Load())
	assert.Equal(t, int64(1), tracker.Established())
}

func TestRstReleasesEachSideOnce(t *testing.T) {
	fwd, rev, tracker := newTrackedPair(t, testConfig())
	now := time.Now()
	client := tcpKeyN(4)
	server := client.Reverse()

	pushOneTCP(fwd, client, TCPFlagSYN, now)
	pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, now)

	fwdID, _ := fwd.table.Lookup(client)
	revID, _ := rev.table.Lookup(server)
	common := fwd.FCB(fwdID).tcp.common

	pushOneTCP(fwd, client, TCPFlagRST, now)
	assert.Nil(t, fwd.FCB(fwdID).tcp)
	assert.Equal(t, int32(1), common.useCount.Load())

	pushOneTCP(rev, server, TCPFlagRST, now)
	assert.Nil(t, rev.FCB(revID).tcp)
	assert.Equal(t, int32(0), common.useCount.Load())
	assert.Equal(t, int64(0), tracker.Established())
}

func TestLatePacketAfterCloseIsStale(t *testing.T) {
	fwd, rev, tracker := newTrackedPair(t, testConfig())
	now := time.Now()
	client := tcpKeyN(5)
	server := client.Reverse()

	pushOneTCP(fwd, client, TCPFlagSYN, now)
	pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, now)
	pushOneTCP(fwd, client, TCPFlagRST, now)
	pushOneTCP(rev, server, TCPFlagRST, now)

	out := pushOneTCP(fwd, client, TCPFlagACK, now)
	assert.Empty(t, out, "late packet with no current common is dropped")
	assert.Equal(t, uint64(1), tracker.StaleDrops())
}

func TestNonSynForUnknownFlowIsRejected(t *testing.T) {
	fwd, _, tracker := newTrackedPair(t, testConfig()) // AcceptNonSyn defaults to false
	now := time.Now()

	out := pushOneTCP(fwd, tcpKeyN(6), TCPFlagACK, now)
	assert.Empty(t, out)
	assert.Equal(t, uint32(0), fwd.Count(), "rejected flow must not linger in the table")
	assert.Equal(t, int64(0), tracker.Established())
}

func TestAcceptNonSynAdmitsMidstreamFlows(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptNonSyn = true
	fwd, _, tracker := newTrackedPair(t, cfg)
	now := time.Now()

	out := pushOneTCP(fwd, tcpKeyN(7), TCPFlagACK, now)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), fwd.Count())
	assert.Equal(t, int64(0), tracker.Established())

	fwdID, _ := fwd.table.Lookup(tcpKeyN(7))
	require.NotNil(t, fwd.FCB(fwdID).tcp)
	assert.Equal(t, int32(2), fwd.FCB(fwdID).tcp.common.useCount.Load())
}

func TestAdoptionAfterPeerExpiryStartsFresh(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutSeconds = 1
	fwd, rev, tracker := newTrackedPair(t, cfg)
	t0 := time.Now()
	client := tcpKeyN(8)
	server := client.Reverse()

	pushOneTCP(fwd, client, TCPFlagSYN, t0)
	fwdID, _ := fwd.table.Lookup(client)
	orphaned := fwd.FCB(fwdID).tcp.common

	// the forward side idles out before the reverse direction ever sees a
	// packet; its holder reference is dropped on reclamation.
	fwd.Recycle(t0.Add(2 * time.Second))
	require.Equal(t, uint32(0), fwd.Count())
	require.Equal(t, int32(1), orphaned.useCount.Load())

	// the reverse direction's first packet finds the stashed Common, sees
	// it was abandoned, and starts a fresh connection instead.
	out := pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, t0.Add(2*time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, int64(0), tracker.Established())
	assert.Equal(t, int32(0), orphaned.useCount.Load())

	revID, _ := rev.table.Lookup(server)
	fresh := rev.FCB(revID).tcp.common
	assert.NotSame(t, orphaned, fresh)
	assert.Equal(t, int32(2), fresh.useCount.Load())
}

func TestReferenceCountConservation(t *testing.T) {
	fwd, rev, tracker := newTrackedPair(t, testConfig())
	now := time.Now()

	for i := 0; i < 3; i++ {
		client := tcpKeyN(100 + i)
		server := client.Reverse()

		pushOneTCP(fwd, client, TCPFlagSYN, now)
		pushOneTCP(rev, server, TCPFlagSYN|TCPFlagACK, now)
		pushOneTCP(fwd, client, TCPFlagFIN|TCPFlagACK, now)
		pushOneTCP(rev, server, TCPFlagFIN|TCPFlagACK, now)
		pushOneTCP(fwd, client, TCPFlagACK, now)
	}

	assert.Equal(t, int64(0), tracker.Established())
	assert.Empty(t, tracker.registry, "every Common must be retired at quiescence")
	assert.Zero(t, tracker.StaleDrops())
}

func TestLeakReaperForceReleasesOrphanedCommon(t *testing.T) {
	fwd, _, tracker := newTrackedPair(t, testConfig())
	now := time.Now()
	client := tcpKeyN(9)

	pushOneTCP(fwd, client, TCPFlagSYN, now)
	fwdID, _ := fwd.table.Lookup(client)
	common := fwd.FCB(fwdID).tcp.common
	common.createdAt = now.Add(-2 * carrierDeadline).UnixMilli()

	tracker.reapLeaked(now)

	assert.Nil(t, fwd.FCB(fwdID).tcp)
	assert.Equal(t, int32(1), common.useCount.Load(), "stash still holds its reference")
	assert.Empty(t, tracker.registry)
}

func TestTrackerIgnoresNonTCPFlows(t *testing.T) {
	fwd, _, tracker := newTrackedPair(t, testConfig())
	now := time.Now()

	out := fwd.PushBatch([]RawPacket{{Data: []byte("u"), Key: keyN(1)}}, now)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), fwd.Count())

	id, _ := fwd.table.Lookup(keyN(1))
	assert.Nil(t, fwd.FCB(id).tcp)
	assert.Equal(t, int64(0), tracker.Established())
	assert.Zero(t, tracker.StaleDrops())
}

func TestEstablishedCountsManyConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 32
	fwd, rev, tracker := newTrackedPair(t, cfg)
	now := time.Now()

	for i := 0; i < 10; i++ {
		client := tcpKeyN(200 + i)
		pushOneTCP(fwd, client, TCPFlagSYN, now)
		pushOneTCP(rev, client.Reverse(), TCPFlagSYN|TCPFlagACK, now)
	}
	require.Equal(t, int64(10), tracker.Established())
	require.Equal(t, uint32(10), fwd.Count(), fmt.Sprintf("fwd=%d", fwd.Count()))
	require.Equal(t, uint32(10), rev.Count())
}
