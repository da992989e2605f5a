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

func newNaive(t *testing.T, numBlocks, blockSize int) kvblock.Allocator {
	t.Helper()
	a, err := kvblock.NewNaiveAllocator(numBlocks, blockSize)
	require.NoError(t, err)
	return a
}

func TestNaiveAllocateAndFree(t *testing.T)     { testAllocateAndFree(t, newNaive) }
func TestNaiveExhaustion(t *testing.T)          { testExhaustion(t, newNaive) }
func TestNaiveCopyOnWrite(t *testing.T)         { testCopyOnWrite(t, newNaive) }
func TestNaiveAppendUnshared(t *testing.T)      { testAppendUnshared(t, newNaive) }
func TestNaiveForkedFreeKeepsBlock(t *testing.T) { testForkedFreeKeepsBlock(t, newNaive) }

func TestNaiveRejectsBadDimensions(t *testing.T) {
	_, err := kvblock.NewNaiveAllocator(0, 4)
	assert.Error(t, err)

	_, err = kvblock.NewNaiveAllocator(8, 0)
	assert.Error(t, err)
}

func TestNaiveFreeIDsCycle(t *testing.T) {
	a := newNaive(t, 2, 4)

	b0, err := a.AllocateMutable(nil)
	require.NoError(t, err)
	a.Free(b0)

	// The freed block goes to the pool tail, so the next allocation picks
	// the other block.
	b1, err := a.AllocateMutable(nil)
	require.NoError(t, err)
	assert.NotEqual(t, b0.ID(), b1.ID())
}
