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

const (
	testNumBlocks = 8
	testBlockSize = 4
)

// allocatorFactory builds a fresh allocator for the shared behavior tests.
type allocatorFactory func(t *testing.T, numBlocks, blockSize int) kvblock.Allocator

// testAllocateAndFree covers the free-pool accounting both variants share.
func testAllocateAndFree(t *testing.T, factory allocatorFactory) {
	t.Helper()
	a := factory(t, testNumBlocks, testBlockSize)

	assert.Equal(t, testNumBlocks, a.NumFree())
	assert.Equal(t, testNumBlocks, a.NumTotal())
	assert.Equal(t, testBlockSize, a.BlockSize())

	b, err := a.AllocateMutable(nil)
	require.NoError(t, err)
	assert.Equal(t, testNumBlocks-1, a.NumFree())
	assert.Equal(t, 1, b.RefCount())

	a.Free(b)
	assert.Equal(t, testNumBlocks, a.NumFree())
}

// testExhaustion drains the pool and checks the sentinel error.
func testExhaustion(t *testing.T, factory allocatorFactory) {
	t.Helper()
	a := factory(t, testNumBlocks, testBlockSize)

	blocks := make([]*kvblock.Block, 0, testNumBlocks)
	for i := 0; i < testNumBlocks; i++ {
		b, err := a.AllocateMutable(nil)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	assert.Equal(t, 0, a.NumFree())

	_, err := a.AllocateMutable(nil)
	require.ErrorIs(t, err, kvblock.ErrNoFreeBlocks)

	for _, b := range blocks {
		a.Free(b)
	}
	assert.Equal(t, testNumBlocks, a.NumFree())
}

// testCopyOnWrite checks that appending to a shared block duplicates it
// and records the physical copy.
func testCopyOnWrite(t *testing.T, factory allocatorFactory) {
	t.Helper()
	a := factory(t, testNumBlocks, testBlockSize)

	b, err := a.AllocateMutable(nil)
	require.NoError(t, err)
	b, err = a.AppendTokens(b, []int{1, 2})
	require.NoError(t, err)

	forked := a.Fork(b)
	assert.Same(t, b, forked)
	assert.Equal(t, 2, b.RefCount())

	dst, err := a.AppendTokens(b, []int{3})
	require.NoError(t, err)
	assert.NotEqual(t, b.ID(), dst.ID())
	assert.Equal(t, []int{1, 2, 3}, dst.TokenIDs())
	assert.Equal(t, []int{1, 2}, b.TokenIDs())
	assert.Equal(t, 1, b.RefCount())
	assert.Equal(t, 1, dst.RefCount())

	cows := a.ClearCopyOnWrites()
	require.Len(t, cows, 1)
	assert.Equal(t, kvblock.CopyPair{Src: b.ID(), Dst: dst.ID()}, cows[0])
	assert.Empty(t, a.ClearCopyOnWrites())
}

// testAppendUnshared checks that exclusive blocks are written in place.
func testAppendUnshared(t *testing.T, factory allocatorFactory) {
	t.Helper()
	a := factory(t, testNumBlocks, testBlockSize)

	b, err := a.AllocateMutable(nil)
	require.NoError(t, err)

	got, err := a.AppendTokens(b, []int{7, 8, 9})
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, []int{7, 8, 9}, b.TokenIDs())
	assert.Equal(t, 1, b.NumEmptySlots(a.BlockSize()))
	assert.Empty(t, a.ClearCopyOnWrites())
}

// testForkedFreeKeepsBlock checks ref counts hold blocks alive until the
// last reference drops.
func testForkedFreeKeepsBlock(t *testing.T, factory allocatorFactory) {
	t.Helper()
	a := factory(t, testNumBlocks, testBlockSize)

	b, err := a.AllocateImmutable(nil, []int{1, 2, 3, 4})
	require.NoError(t, err)
	a.Fork(b)
	require.Equal(t, 2, b.RefCount())

	a.Free(b)
	assert.Equal(t, 1, b.RefCount())
	assert.Equal(t, testNumBlocks-1, a.NumFree())

	a.Free(b)
	assert.Equal(t, testNumBlocks, a.NumFree())
}
