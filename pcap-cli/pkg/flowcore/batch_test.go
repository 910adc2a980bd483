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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAccumulatesOneRun(t *testing.T) {
	b := NewBatchBuilder(true)

	b.StartRun(7, Packet{Data: []byte("a"), FlowID: 7})
	b.Append(Packet{Data: []byte("b"), FlowID: 7})

	id, inRun := b.LastFlowID()
	require.True(t, inRun)
	assert.Equal(t, FlowID(7), id)

	batch := b.Finish()
	require.NotNil(t, batch)
	assert.Equal(t, FlowID(7), batch.FlowID)
	assert.Len(t, batch.Packets, 2)

	_, inRun = b.LastFlowID()
	assert.False(t, inRun)
	assert.Nil(t, b.Finish())
}

func TestBuilderFinishClearsState(t *testing.T) {
	b := NewBatchBuilder(true)

	b.StartRun(1, Packet{Data: []byte("x"), FlowID: 1})
	first := b.Finish()
	require.NotNil(t, first)

	b.StartRun(2, Packet{Data: []byte("y"), FlowID: 2})
	second := b.Finish()
	require.NotNil(t, second)
	assert.Equal(t, FlowID(2), second.FlowID)
	assert.Len(t, second.Packets, 1)
}

func TestBuilderTupleCache(t *testing.T) {
	b := NewBatchBuilder(true)
	key := mustKey("10.0.0.1", "10.0.0.2", 1000, 80, L4ProtoTCP)

	_, ok := b.CachedTuple()
	assert.False(t, ok)

	b.SetCachedTuple(key)
	cached, ok := b.CachedTuple()
	require.True(t, ok)
	assert.True(t, cached.Equal(key))
}

func TestBuilderCacheDisabled(t *testing.T) {
	b := NewBatchBuilder(false)
	assert.False(t, b.CacheEnabled())

	b.SetCachedTuple(mustKey("10.0.0.1", "10.0.0.2", 1000, 80, L4ProtoTCP))
	_, ok := b.CachedTuple()
	assert.False(t, ok, "disabled cache must never report a tuple")
}
