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
	"encoding/binary"
	"hash/maphash"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type (
	// L3Proto is an IP version discriminator.
	L3Proto uint8
	// L4Proto is an IP protocol number.
	L4Proto uint8

	// FlowKey is the 5-tuple: src/dst address, src/dst port, proto.
	// netip.Addr keeps the key a fixed-size comparable value for both IPv4
	// and IPv6 flows.
	FlowKey struct {
		saddr, daddr netip.Addr
		sport, dport uint16
		proto        L4Proto
	}
)

const (
	L4ProtoTCP   L4Proto = 0x06
	L4ProtoUDP   L4Proto = 0x11
	L4ProtoICMP4 L4Proto = 0x01
	L4ProtoICMP6 L4Proto = 0x3a

	L3ProtoIPv4 L3Proto = 0x04
	L3ProtoIPv6 L3Proto = 0x29
)

var flowKeySeed = maphash.MakeSeed()

// ErrShortPacket is returned by Parse when the packet lacks the header
// bytes required to extract a 5-tuple.
var ErrShortPacket = newCoreError(kindShortPacket, "packet too short to extract 5-tuple")

// NewFlowKey builds a FlowKey from already-parsed fields. Ports of 0 are
// expected when proto is neither TCP nor UDP.
func NewFlowKey(saddr, daddr netip.Addr, sport, dport uint16, proto L4Proto) FlowKey {
	return FlowKey{saddr: saddr, daddr: daddr, sport: sport, dport: dport, proto: proto}
}

// Parse extracts the 5-tuple from a decoded gopacket.Packet. A single
// direct read of the network and transport layers; the core needs the
// tuple, nothing else.
func Parse(pkt gopacket.Packet) (FlowKey, error) {
	var saddr, daddr netip.Addr
	var proto L4Proto

	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v := ip4.(*layers.IPv4)
		if len(v.Contents) == 0 {
			// gopacket keeps a layer whose header failed to decode.
			return FlowKey{}, ErrShortPacket
		}
		var s, d [4]byte
		copy(s[:], v.SrcIP.To4())
		copy(d[:], v.DstIP.To4())
		saddr, daddr = netip.AddrFrom4(s), netip.AddrFrom4(d)
		proto = L4Proto(v.Protocol)
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v := ip6.(*layers.IPv6)
		if len(v.Contents) == 0 {
			return FlowKey{}, ErrShortPacket
		}
		var s, d [16]byte
		copy(s[:], v.SrcIP.To16())
		copy(d[:], v.DstIP.To16())
		saddr, daddr = netip.AddrFrom16(s), netip.AddrFrom16(d)
		proto = L4Proto(v.NextHeader)
	} else {
		return FlowKey{}, ErrShortPacket
	}

	var sport, dport uint16
	switch proto {
	case L4ProtoTCP:
		tcp := pkt.Layer(layers.LayerTypeTCP)
		if tcp == nil {
			return FlowKey{}, ErrShortPacket
		}
		t := tcp.(*layers.TCP)
		if len(t.Contents) == 0 {
			return FlowKey{}, ErrShortPacket
		}
		sport, dport = uint16(t.SrcPort), uint16(t.DstPort)
	case L4ProtoUDP:
		udp := pkt.Layer(layers.LayerTypeUDP)
		if udp == nil {
			return FlowKey{}, ErrShortPacket
		}
		u := udp.(*layers.UDP)
		if len(u.Contents) == 0 {
			return FlowKey{}, ErrShortPacket
		}
		sport, dport = uint16(u.SrcPort), uint16(u.DstPort)
	default:
		// neither TCP nor UDP: ports are 0.
		sport, dport = 0, 0
	}

	return FlowKey{saddr: saddr, daddr: daddr, sport: sport, dport: dport, proto: proto}, nil
}

// Reverse swaps (saddr<->daddr, sport<->dport), leaving proto unchanged.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{saddr: k.daddr, daddr: k.saddr, sport: k.dport, dport: k.sport, proto: k.proto}
}

func (k FlowKey) Proto() L4Proto { return k.proto }

// SrcAddr returns the flow's source address.
func (k FlowKey) SrcAddr() netip.Addr { return k.saddr }

// DstAddr returns the flow's destination address.
func (k FlowKey) DstAddr() netip.Addr { return k.daddr }

// SrcPort returns the flow's source port (0 when proto is neither TCP nor UDP).
func (k FlowKey) SrcPort() uint16 { return k.sport }

// DstPort returns the flow's destination port (0 when proto is neither TCP nor UDP).
func (k FlowKey) DstPort() uint16 { return k.dport }

// Equal performs componentwise equality.
func (k FlowKey) Equal(other FlowKey) bool {
	return k.sport == other.sport &&
		k.dport == other.dport &&
		k.proto == other.proto &&
		k.saddr == other.saddr &&
		k.daddr == other.daddr
}

// bytes renders the deterministic 37-byte encoding used for hashing.
// Both addresses are rendered in their 16-byte form (IPv4 as
// IPv4-mapped), so an IPv4 key and its IPv4-mapped IPv6 twin encode
// identically.
func (k FlowKey) bytes() []byte {
	sa := k.saddr.As16()
	da := k.daddr.As16()
	buf := make([]byte, 0, 16+16+2+2+1)
	buf = append(buf, sa[:]...)
	buf = append(buf, da[:]...)
	buf = binary.BigEndian.AppendUint16(buf, k.sport)
	buf = binary.BigEndian.AppendUint16(buf, k.dport)
	buf = append(buf, byte(k.proto))
	return buf
}

// Hash returns a deterministic, process-stable mixing hash over the key's
// canonical bytes. maphash is used instead of a CRC table since none of the
// pack's Go dependencies expose a standalone CRC32C helper for this; see
// DESIGN.md.
func (k FlowKey) Hash() uint64 {
	var h maphash.Hash
	h.SetSeed(flowKeySeed)
	h.Write(k.bytes())
	return h.Sum64()
}

// secondaryHash is the cuckoo table's alternate-bucket hash: a distinct
// mix obtained by hashing the key bytes with a fixed salt appended, so
// primary/secondary hashes are independent of each other.
func (k FlowKey) secondaryHash() uint64 {
	var h maphash.Hash
	h.SetSeed(flowKeySeed)
	b := k.bytes()
	b = append(b, 0x5a)
	h.Write(b)
	return h.Sum64()
}
