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

import "sync/atomic"

// counters are the table's observable, read-only values (count,
// dropped_capacity). Established/stale-drop counts live on Tracker
// instead, since those are TCP-tracking concepts a table has no notion
// of.
type counters struct {
	count           atomic.Int64
	droppedCapacity atomic.Uint64
}
