/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/kvblock"
)

func newCaching(t *testing.T, numBlocks, blockSize int) kvblock.Allocator {
	t.Helper()
	a, err := kvblock.NewCachingAllocator(&kvblock.CachingAllocatorConfig{
		NumBlocks: numBlocks,
		BlockSize: blockSize,
	})
	require.NoError(t, err)
	return a
}

func TestCachingAllocateAndFree(t *testing.T)      { testAllocateAndFree(t, newCaching) }
func TestCachingExhaustion(t *testing.T)           { testExhaustion(t, newCaching) }
func TestCachingCopyOnWrite(t *testing.T)          { testCopyOnWrite(t, newCaching) }
func TestCachingAppendUnshared(t *testing.T)       { testAppendUnshared(t, newCaching) }
func TestCachingForkedFreeKeepsBlock(t *testing.T) { testForkedFreeKeepsBlock(t, newCaching) }

func TestCachingPrefixHitSharedResident(t *testing.T) {
	a := newCaching(t, testNumBlocks, testBlockSize)

	b, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.True(t, b.IsComputed())
	_, hashed := b.ContentHash()
	assert.True(t, hashed)

	// Same content while still referenced shares the resident block.
	hit, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Same(t, b, hit)
	assert.Equal(t, 2, b.RefCount())
	assert.Equal(t, testNumBlocks-1, a.NumFree())
}

func TestCachingPrefixHitRevivesFreedBlock(t *testing.T) {
	a := newCaching(t, testNumBlocks, testBlockSize)

	b, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	a.Free(b)

	// Freed hashed blocks stay reusable and still count as free.
	assert.Equal(t, testNumBlocks, a.NumFree())

	hit, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, b.ID(), hit.ID())
	assert.Equal(t, 1, hit.RefCount())
	assert.True(t, hit.IsComputed())
}

func TestCachingHashChainsOnParent(t *testing.T) {
	a := newCaching(t, testNumBlocks, testBlockSize)

	b0, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	b1, err := a.AllocateImmutable(b0, []int{5, 6, 7, 8})
	require.NoError(t, err)

	// Same content under a different parent is a different prefix.
	b2, err := a.AllocateImmutable(nil, []int{5, 6, 7, 8})
	require.NoError(t, err)
	assert.NotEqual(t, b1.ID(), b2.ID())
	h1, _ := b1.ContentHash()
	h2, _ := b2.ContentHash()
	assert.NotEqual(t, h1, h2)
}

func TestCachingEvictsLRUWhenPoolDry(t *testing.T) {
	a := newCaching(t, 2, testBlockSize)

	b0, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	b1, err := a.AllocateImmutable(b0, []int{5, 6, 7, 8})
	require.NoError(t, err)

	a.Free(b1)
	a.Free(b0)
	assert.Equal(t, 2, a.NumFree())

	// b1 was freed first, so it is the LRU entry and gets reclaimed.
	m, err := a.AllocateMutable(nil)
	require.NoError(t, err)
	assert.Equal(t, b1.ID(), m.ID())
	_, hashed := m.ContentHash()
	assert.False(t, hashed)

	// b0's content survives and can still be revived.
	hit, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, b0.ID(), hit.ID())
}

func TestCachingAppendRegistersHashWhenFull(t *testing.T) {
	a := newCaching(t, testNumBlocks, testBlockSize)

	b, err := a.AllocateMutable(nil)
	require.NoError(t, err)
	b, err = a.AppendTokens(b, []int{1, 2, 3})
	require.NoError(t, err)
	_, hashed := b.ContentHash()
	assert.False(t, hashed)

	b, err = a.AppendTokens(b, []int{4})
	require.NoError(t, err)
	_, hashed = b.ContentHash()
	require.True(t, hashed)
	assert.True(t, b.IsComputed())

	// The filled block now serves prefix hits.
	hit, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Same(t, b, hit)
}

func TestCachingSeedChangesHashes(t *testing.T) {
	a1, err := kvblock.NewCachingAllocator(&kvblock.CachingAllocatorConfig{
		NumBlocks: 2, BlockSize: testBlockSize, HashSeed: "seed-a",
	})
	require.NoError(t, err)
	a2, err := kvblock.NewCachingAllocator(&kvblock.CachingAllocatorConfig{
		NumBlocks: 2, BlockSize: testBlockSize, HashSeed: "seed-b",
	})
	require.NoError(t, err)

	b1, err := a1.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	b2, err := a2.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)

	h1, _ := b1.ContentHash()
	h2, _ := b2.ContentHash()
	assert.NotEqual(t, h1, h2)
}
