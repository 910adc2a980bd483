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
	"sync/atomic"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// dropWindow is the rate-limit window for per-dropped-packet verbose
// logging: two atomics gate the hot path, no rate-limit dependency.
const dropWindow = time.Second

type dropRatelimiter struct {
	windowStart atomic.Int64
	count       atomic.Int64
}

// maybeLog emits at most one summarized log line per dropWindow,
// regardless of how many drops occurred in that window.
func (r *dropRatelimiter) maybeLog(log *zap.Logger, reason string) {
	now := time.Now().UnixNano()
	start := r.windowStart.Load()
	if now-start > int64(dropWindow) {
		if r.windowStart.CompareAndSwap(start, now) {
			n := r.count.Swap(0) + 1
			log.Debug("flowcore: drop", zap.String("json", dropJSON(reason, n-1)))
			return
		}
	}
	r.count.Add(1)
}

// dropJSON builds the per-drop diagnostic line as a JSON object, fed to
// zap as a single pre-rendered string field so the encoder does no
// per-drop reflection.
func dropJSON(reason string, suppressed int64) string {
	json := gabs.New()
	json.Set(reason, "reason")
	json.Set(suppressed, "suppressed_in_window")
	json.Set(time.Now().UnixMilli(), "ts_millis")
	return json.String()
}

// expiryJSON builds the per-expiry diagnostic line emitted by the
// recycle visitor when Config.Verbose is non-zero.
func expiryJSON(id FlowID, elapsedMillis int64) string {
	json := gabs.New()
	json.Set(int32(id), "flow_id")
	json.Set(elapsedMillis, "idle_millis")
	return json.String()
}

// parseTCPFlagsFromPacket extracts the raw TCP flag byte the TCP tracker
// needs (SYN/ACK/FIN/RST), returning 0 for non-TCP packets.
func parseTCPFlagsFromPacket(pkt gopacket.Packet) uint8 {
	l := pkt.Layer(layers.LayerTypeTCP)
	if l == nil {
		return 0
	}
	t := l.(*layers.TCP)
	var flags uint8
	if t.FIN {
		flags |= TCPFlagFIN
	}
	if t.SYN {
		flags |= TCPFlagSYN
	}
	if t.RST {
		flags |= TCPFlagRST
	}
	if t.PSH {
		flags |= TCPFlagPSH
	}
	if t.ACK {
		flags |= TCPFlagACK
	}
	return flags
}
