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

// Package pcapfilter is the optional pre-filter stage that narrows which
// 5-tuples/TCP flags ever reach flowcore.Manager.PushBatch.
package pcapfilter

import (
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/flowcore/pcap-cli/pkg/flowcore"
)

// TCPFlag names a TCP flag bit.
type TCPFlag string

const (
	TCPFlagSYN TCPFlag = "SYN"
	TCPFlagACK TCPFlag = "ACK"
	TCPFlagPSH TCPFlag = "PSH"
	TCPFlagFIN TCPFlag = "FIN"
	TCPFlagRST TCPFlag = "RST"
	TCPFlagURG TCPFlag = "URG"
	TCPFlagECE TCPFlag = "ECE"
	TCPFlagCWR TCPFlag = "CWR"
)

// Filters narrows which flows/packets are allowed past the pre-filter
// stage. Every Add* call is additive (fail-open when no rule of that kind
// has been registered); a Deny always wins over an Allow for the same
// port.
type Filters interface {
	AddL4Proto(flowcore.L4Proto)
	AddIPv4(netip.Addr)
	AddIPv6(netip.Addr)
	AllowPort(uint16)
	DenyPort(uint16)
	AddTCPFlags(...TCPFlag)
	CombineAndAddTCPFlags(...TCPFlag)

	// Allows reports whether a classified packet should reach the
	// manager's push_batch pipeline.
	Allows(key flowcore.FlowKey, tcpFlags uint8) bool
}

type tcpFlagSet = mapset.Set[TCPFlag]

type filters struct {
	l4Protos    mapset.Set[flowcore.L4Proto]
	ipv4s       mapset.Set[netip.Addr]
	ipv6s       mapset.Set[netip.Addr]
	allowPorts  mapset.Set[uint16]
	denyPorts   mapset.Set[uint16]
	tcpFlagSets []tcpFlagSet
}

// New builds an empty Filters; every Allows call fails open until rules
// are added.
func New() Filters {
	return &filters{
		l4Protos:   mapset.NewThreadUnsafeSet[flowcore.L4Proto](),
		ipv4s:      mapset.NewThreadUnsafeSet[netip.Addr](),
		ipv6s:      mapset.NewThreadUnsafeSet[netip.Addr](),
		allowPorts: mapset.NewThreadUnsafeSet[uint16](),
		denyPorts:  mapset.NewThreadUnsafeSet[uint16](),
	}
}

func (f *filters) AddL4Proto(p flowcore.L4Proto) { f.l4Protos.Add(p) }

func (f *filters) AddIPv4(addr netip.Addr) { f.ipv4s.Add(addr) }

func (f *filters) AddIPv6(addr netip.Addr) { f.ipv6s.Add(addr) }

func (f *filters) AllowPort(port uint16) { f.allowPorts.Add(port) }

func (f *filters) DenyPort(port uint16) { f.denyPorts.Add(port) }

// AddTCPFlags registers a single allowed flag set: any packet carrying
// exactly this combination of flags (and no others) is allowed through.
func (f *filters) AddTCPFlags(tcpFlags ...TCPFlag) {
	f.tcpFlagSets = append(f.tcpFlagSets, mapset.NewThreadUnsafeSet(tcpFlags...))
}

// CombineAndAddTCPFlags folds every previously registered flag set
// together with tcpFlags into one combined allowed set, instead of
// appending a new alternative. Used when a caller wants to widen an
// existing rule rather than add a disjoint one.
func (f *filters) CombineAndAddTCPFlags(tcpFlags ...TCPFlag) {
	combined := mapset.NewThreadUnsafeSet(tcpFlags...)
	for _, s := range f.tcpFlagSets {
		combined = combined.Union(s)
	}
	f.tcpFlagSets = []tcpFlagSet{combined}
}

func flagsToSet(tcpFlags uint8) tcpFlagSet {
	s := mapset.NewThreadUnsafeSet[TCPFlag]()
	if tcpFlags&flowcore.TCPFlagSYN != 0 {
		s.Add(TCPFlagSYN)
	}
	if tcpFlags&flowcore.TCPFlagACK != 0 {
		s.Add(TCPFlagACK)
	}
	if tcpFlags&flowcore.TCPFlagPSH != 0 {
		s.Add(TCPFlagPSH)
	}
	if tcpFlags&flowcore.TCPFlagFIN != 0 {
		s.Add(TCPFlagFIN)
	}
	if tcpFlags&flowcore.TCPFlagRST != 0 {
		s.Add(TCPFlagRST)
	}
	return s
}

// Allows implements the fail-fast/fail-open decision tree: deny-ports
// win outright, then L4 proto/IP/port allow-sets are enforced only when
// populated, then TCP flag sets (if any were registered) must contain an
// exact match.
func (f *filters) Allows(key flowcore.FlowKey, tcpFlags uint8) bool {
	if f.denyPorts.Contains(key.SrcPort()) || f.denyPorts.Contains(key.DstPort()) {
		// either endpoint landing on a denied port drops the packet outright.
		return false
	}

	if f.allowPorts.Cardinality() > 0 &&
		!f.allowPorts.Contains(key.SrcPort()) && !f.allowPorts.Contains(key.DstPort()) {
		return false
	}

	if f.l4Protos.Cardinality() > 0 && !f.l4Protos.Contains(key.Proto()) {
		return false
	}

	if f.ipv4s.Cardinality() > 0 &&
		!f.ipv4s.Contains(key.SrcAddr()) && !f.ipv4s.Contains(key.DstAddr()) {
		return false
	}

	if f.ipv6s.Cardinality() > 0 &&
		!f.ipv6s.Contains(key.SrcAddr()) && !f.ipv6s.Contains(key.DstAddr()) {
		return false
	}

	if len(f.tcpFlagSets) > 0 {
		got := flagsToSet(tcpFlags)
		matched := false
		for _, want := range f.tcpFlagSets {
			if got.Equal(want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}
