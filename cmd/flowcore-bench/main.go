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

// Command flowcore-bench drives a synthetic packet workload through
// flowcore's classifier/allocator and TCP tracker: single-flow extension,
// table exhaustion, run compaction, and TCP handshake/teardown sequences,
// generated rather than replayed from a capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"time"

	"github.com/Jeffail/gabs/v2"
	"go.uber.org/zap"

	"github.com/gchux/flowcore/pcap-cli/pkg/flowcore"
)

func main() {
	var (
		workers     = flag.Int("workers", 4, "number of independent Manager instance groups")
		capacity    = flag.Uint("capacity", 1024, "per-worker FCB arena capacity (power of two)")
		timeout     = flag.Uint("timeout", 5, "idle timeout seconds (0 disables expiry)")
		recycle     = flag.Float64("recycle", 0.25, "recycle tick interval seconds")
		flows       = flag.Int("flows", 200, "distinct UDP flows generated per worker")
		packets     = flag.Int("packets-per-flow", 8, "packets generated per UDP flow")
		tcpFlows    = flag.Int("tcp-flows", 50, "distinct TCP connections generated across one manager pair")
		verbose     = flag.Uint("verbose", 0, "flowcore.Config.Verbose level")
		runDuration = flag.Duration("run", 2*time.Second, "how long to let recycle timers run before reporting")
	)
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowcore-bench: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := flowcore.Config{
		Capacity:               uint32(*capacity),
		Reserve:                32,
		TimeoutSeconds:         uint32(*timeout),
		RecycleIntervalSeconds: *recycle,
		Cache:                  true,
		Verbose:                uint8(*verbose),
	}

	managers := make([]*flowcore.Manager, *workers)
	for i := range managers {
		m, err := flowcore.NewManager(cfg, log.Named(fmt.Sprintf("worker-%d", i)))
		if err != nil {
			log.Fatal("flowcore-bench: manager init failed", zap.Int("worker", i), zap.Error(err))
		}
		managers[i] = m
		m.StartRecycleTimer(ctx)
	}

	tcpCfg := cfg
	tcpCfg.ReturnName = "tcp-rev"
	fwd, err := flowcore.NewManager(tcpCfg, log.Named("tcp-fwd"))
	if err != nil {
		log.Fatal("flowcore-bench: fwd manager init failed", zap.Error(err))
	}
	rev, err := flowcore.NewManager(tcpCfg, log.Named("tcp-rev"))
	if err != nil {
		log.Fatal("flowcore-bench: rev manager init failed", zap.Error(err))
	}
	tracker := flowcore.NewTracker(fwd, rev, log.Named("tcp-tracker"))
	fwd.StartRecycleTimer(ctx)
	rev.StartRecycleTimer(ctx)

	start := time.Now()
	driveUDPFlows(managers, *flows, *packets)
	driveTCPHandshakes(fwd, rev, *tcpFlows)
	log.Info("flowcore-bench: workload injected", zap.Duration("elapsed", time.Since(start)))

	time.Sleep(*runDuration)

	for _, m := range managers {
		m.Stop()
	}
	fwd.Stop()
	rev.Stop()

	report(managers, fwd, rev, tracker)
}

// driveUDPFlows pushes flows*packets UDP packets through each manager,
// consecutive packets of the same flow arriving back to back so each
// flow's burst compacts into one run.
func driveUDPFlows(managers []*flowcore.Manager, flows, packetsPerFlow int) {
	for _, m := range managers {
		now := time.Now()
		for f := 0; f < flows; f++ {
			key := syntheticUDPKey(f)
			burst := make([]flowcore.RawPacket, 0, packetsPerFlow)
			for p := 0; p < packetsPerFlow; p++ {
				burst = append(burst, flowcore.RawPacket{Data: []byte{byte(p)}, Key: key})
			}
			m.PushBatch(burst, now)
		}
	}
}

// driveTCPHandshakes runs n independent SYN -> SYN+ACK -> data -> FIN
// teardown sequences through the paired fwd/rev managers; the tracker's
// hooks follow each connection as the packets are pushed.
func driveTCPHandshakes(fwd, rev *flowcore.Manager, n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		client := syntheticTCPKey(i)
		server := client.Reverse()

		fwd.PushBatch([]flowcore.RawPacket{
			{Data: []byte("syn"), Key: client, TCPFlags: flowcore.TCPFlagSYN},
		}, now)
		rev.PushBatch([]flowcore.RawPacket{
			{Data: []byte("synack"), Key: server, TCPFlags: flowcore.TCPFlagSYN | flowcore.TCPFlagACK},
		}, now)
		fwd.PushBatch([]flowcore.RawPacket{
			{Data: []byte("ack"), Key: client, TCPFlags: flowcore.TCPFlagACK},
			{Data: []byte("data"), Key: client, TCPFlags: flowcore.TCPFlagACK | flowcore.TCPFlagPSH},
			{Data: []byte("fin"), Key: client, TCPFlags: flowcore.TCPFlagFIN | flowcore.TCPFlagACK},
		}, now)
		rev.PushBatch([]flowcore.RawPacket{
			{Data: []byte("finack"), Key: server, TCPFlags: flowcore.TCPFlagFIN | flowcore.TCPFlagACK},
		}, now)
		fwd.PushBatch([]flowcore.RawPacket{
			{Data: []byte("lastack"), Key: client, TCPFlags: flowcore.TCPFlagACK},
		}, now)
	}
}

func syntheticUDPKey(i int) flowcore.FlowKey {
	src := netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)})
	dst := netip.AddrFrom4([4]byte{10, 1, byte(i >> 8), byte(i)})
	return flowcore.NewFlowKey(src, dst, uint16(1024+i%40000), 53, flowcore.L4ProtoUDP)
}

func syntheticTCPKey(i int) flowcore.FlowKey {
	src := netip.AddrFrom4([4]byte{192, 168, byte(i >> 8), byte(i)})
	dst := netip.AddrFrom4([4]byte{203, 0, 113, byte(rand.Intn(254) + 1)})
	return flowcore.NewFlowKey(src, dst, uint16(20000+i%40000), 443, flowcore.L4ProtoTCP)
}

func report(workers []*flowcore.Manager, fwd, rev *flowcore.Manager, tracker *flowcore.Tracker) {
	json := gabs.New()
	for _, m := range workers {
		w := gabs.New()
		w.Set(m.Count(), "count")
		w.Set(m.DroppedCapacity(), "dropped_capacity")
		w.Set(m.DroppedTooShort(), "dropped_too_short")
		json.ArrayAppend(w.Data(), "workers") //nolint:errcheck
	}

	json.Set(fwd.Count(), "tcp", "fwd_count")
	json.Set(rev.Count(), "tcp", "rev_count")
	json.Set(tracker.Established(), "tcp", "established")
	json.Set(tracker.StaleDrops(), "tcp", "stale_drops")

	fmt.Println(json.StringIndent("", "  "))
}
