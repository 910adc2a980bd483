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

import sf "github.com/wissance/stringFormatter"

// errKind enumerates the data-path failure taxonomy.
type errKind uint8

const (
	kindTableFull errKind = iota
	kindShortPacket
	kindProtocolViolation
	kindStaleReference
	kindConfigError
	kindMissing
)

// coreError is the single error type for every data-path failure; none of
// them ever panics across PushBatch.
type coreError struct {
	kind errKind
	msg  string
}

func newCoreError(kind errKind, msg string) *coreError {
	return &coreError{kind: kind, msg: msg}
}

func (e *coreError) Error() string { return e.msg }

// Is lets callers use errors.Is(err, ErrTableFull) etc. without exposing
// the kind field.
func (e *coreError) Is(target error) bool {
	t, ok := target.(*coreError)
	return ok && t.kind == e.kind
}

var (
	// ErrTableFull: add has no room; packet dropped, counter incremented.
	ErrTableFull = newCoreError(kindTableFull, "flow table full")
	// ErrProtocolViolation: non-SYN packet for an unknown TCP flow when
	// ACCEPT_NONSYN is false.
	ErrProtocolViolation = newCoreError(kindProtocolViolation, "non-SYN packet for unknown TCP flow")
	// ErrStaleReference: late packet with no current Common.
	ErrStaleReference = newCoreError(kindStaleReference, "no common state for this direction")
	// ErrMissing: delete_key on a key not present.
	ErrMissing = newCoreError(kindMissing, "key not present")
)

// ConfigError is raised at startup only; it aborts initialization of the
// offending instance.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return sf.Format("flowcore: invalid config field {0}: {1}", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

func newConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}
