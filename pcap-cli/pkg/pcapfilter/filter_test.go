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

package pcapfilter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gchux/flowcore/pcap-cli/pkg/flowcore"
)

func testKey(sport, dport uint16, proto flowcore.L4Proto) flowcore.FlowKey {
	return flowcore.NewFlowKey(
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		sport, dport, proto)
}

func TestEmptyFiltersFailOpen(t *testing.T) {
	f := New()
	assert.True(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), 0))
	assert.True(t, f.Allows(testKey(0, 0, flowcore.L4ProtoICMP4), 0))
}

func TestDenyPortWinsOverAllow(t *testing.T) {
	f := New()
	f.AllowPort(80)
	f.DenyPort(80)

	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), 0))
}

func TestAllowPortsEnforcedWhenPopulated(t *testing.T) {
	f := New()
	f.AllowPort(443)

	assert.True(t, f.Allows(testKey(1000, 443, flowcore.L4ProtoTCP), 0))
	assert.True(t, f.Allows(testKey(443, 2000, flowcore.L4ProtoTCP), 0))
	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), 0))
}

func TestL4ProtoFilter(t *testing.T) {
	f := New()
	f.AddL4Proto(flowcore.L4ProtoUDP)

	assert.True(t, f.Allows(testKey(1000, 53, flowcore.L4ProtoUDP), 0))
	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), 0))
}

func TestIPv4Filter(t *testing.T) {
	f := New()
	f.AddIPv4(netip.MustParseAddr("10.0.0.1"))

	assert.True(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), 0))

	other := flowcore.NewFlowKey(
		netip.MustParseAddr("172.16.0.1"),
		netip.MustParseAddr("172.16.0.2"),
		1000, 80, flowcore.L4ProtoTCP)
	assert.False(t, f.Allows(other, 0))
}

func TestTCPFlagExactMatch(t *testing.T) {
	f := New()
	f.AddTCPFlags(TCPFlagSYN)

	assert.True(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagSYN))
	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagSYN|flowcore.TCPFlagACK))
	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), 0))
}

func TestTCPFlagAlternatives(t *testing.T) {
	f := New()
	f.AddTCPFlags(TCPFlagSYN)
	f.AddTCPFlags(TCPFlagFIN, TCPFlagACK)

	assert.True(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagSYN))
	assert.True(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagFIN|flowcore.TCPFlagACK))
	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagRST))
}

func TestCombineAndAddTCPFlags(t *testing.T) {
	f := New()
	f.AddTCPFlags(TCPFlagSYN)
	f.CombineAndAddTCPFlags(TCPFlagACK)

	// the previously registered set is widened into one combined rule.
	assert.True(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagSYN|flowcore.TCPFlagACK))
	assert.False(t, f.Allows(testKey(1000, 80, flowcore.L4ProtoTCP), flowcore.TCPFlagSYN))
}
