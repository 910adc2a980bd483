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

import "time"

// Config is the recognized configuration surface: a plain struct built
// by the caller and validated once at construction, never mutated by the
// hot path.
type Config struct {
	// CAPACITY: FCB arena size per worker; must be a power of two.
	Capacity uint32
	// RESERVE: bytes of user region per FCB (minimum enforced).
	Reserve uint32
	// TIMEOUT: idle timeout in seconds; 0 disables expiry.
	TimeoutSeconds uint32
	// RECYCLE_INTERVAL: recycle tick period in seconds (fractional allowed).
	RecycleIntervalSeconds float64
	// CACHE: enable last-5-tuple shortcut.
	Cache bool
	// LF: enable lock-free/deferred-key mode for the table.
	LF bool
	// VERBOSE: diagnostic verbosity level.
	Verbose uint8
	// MultiWriter: when true the table takes per-bucket locks and accepts
	// writes from any worker; when false only the owning worker mutates
	// it. The wheel, arena and batch builder take no locks in either mode.
	MultiWriter bool

	// TCP tracker extensions.

	// ReturnName: peer manager identifier (informational; used in logs).
	ReturnName string
	// AcceptNonSyn: accept a non-SYN packet as the start of a new TCP flow.
	AcceptNonSyn bool
	// TCPTimeoutSeconds: short idle timeout applied to TCP-tracked FCBs
	// once a connection closes; defaults to 16s.
	TCPTimeoutSeconds uint32

	// Prefilter, when set, runs ahead of the classify/allocate pipeline:
	// a packet it rejects never reaches the table, the arena, or the batch
	// builder. pkg/pcapfilter.Filters implements this interface.
	Prefilter Prefilter

	minReserve uint32
}

// Prefilter narrows which classified packets reach PushBatch's pipeline.
// pcap-cli/pkg/pcapfilter.Filters satisfies this interface.
type Prefilter interface {
	Allows(key FlowKey, tcpFlags uint8) bool
}

const defaultTCPTimeoutSeconds = 16

// reservedManagerBytes is the floor RESERVE is raised to. The manager
// does not store anything in these bytes; its bookkeeping lives in
// separate FCB fields.
const reservedManagerBytes = 24

// validate returns a *ConfigError (never panics) if the configuration
// cannot be honored.
func (c *Config) validate() error {
	if c.Capacity == 0 {
		return newConfigError("CAPACITY", "must be non-zero")
	}
	if c.Capacity&(c.Capacity-1) != 0 {
		return newConfigError("CAPACITY", "must be a power of two")
	}
	if c.Reserve < c.minReserve {
		c.Reserve = c.minReserve
	}
	if c.RecycleIntervalSeconds <= 0 {
		c.RecycleIntervalSeconds = 1.0
	}
	if c.TCPTimeoutSeconds == 0 {
		c.TCPTimeoutSeconds = defaultTCPTimeoutSeconds
	}
	return nil
}

func (c *Config) recycleInterval() time.Duration {
	return time.Duration(c.RecycleIntervalSeconds * float64(time.Second))
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) tcpTimeout() time.Duration {
	return time.Duration(c.TCPTimeoutSeconds) * time.Second
}
