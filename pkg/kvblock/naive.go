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

package kvblock

import "fmt"

// NaiveAllocator is the plain pooling variant: reference counting and
// copy-on-write without content-hash reuse.
type NaiveAllocator struct {
	pool *blockPool
}

var _ Allocator = &NaiveAllocator{}

// NewNaiveAllocator creates an allocator over numBlocks blocks of
// blockSize tokens each.
func NewNaiveAllocator(numBlocks, blockSize int) (*NaiveAllocator, error) {
	pool, err := newBlockPool(numBlocks, blockSize)
	if err != nil {
		return nil, err
	}

	return &NaiveAllocator{pool: pool}, nil
}

// AllocateMutable pops a free block to be filled incrementally.
func (a *NaiveAllocator) AllocateMutable(prev *Block) (*Block, error) {
	b, err := a.pool.popFree()
	if err != nil {
		return nil, err
	}
	b.prev = prev

	return b, nil
}

// AllocateImmutable allocates a block pre-filled with tokenIDs.
func (a *NaiveAllocator) AllocateImmutable(prev *Block, tokenIDs []int) (*Block, error) {
	b, err := a.AllocateMutable(prev)
	if err != nil {
		return nil, err
	}

	return a.AppendTokens(b, tokenIDs)
}

// AppendTokens writes tokens into b, duplicating it first when shared.
func (a *NaiveAllocator) AppendTokens(b *Block, tokenIDs []int) (*Block, error) {
	if b.refCount > 1 {
		dst, err := a.copyOnWrite(b)
		if err != nil {
			return nil, err
		}
		b = dst
	}

	if len(b.tokenIDs)+len(tokenIDs) > a.pool.blockSize {
		panic(fmt.Sprintf("kvblock: appending %d tokens overflows block %d", len(tokenIDs), b.id))
	}
	b.tokenIDs = append(b.tokenIDs, tokenIDs...)

	return b, nil
}

// copyOnWrite duplicates a shared block before mutation, transferring one
// reference to the copy and recording the physical copy to perform.
func (a *NaiveAllocator) copyOnWrite(b *Block) (*Block, error) {
	dst, err := a.pool.popFree()
	if err != nil {
		return nil, err
	}

	dst.prev = b.prev
	dst.tokenIDs = append([]int(nil), b.tokenIDs...)
	dst.computed = b.computed
	b.refCount--
	a.pool.recordCow(b.id, dst.id)

	return dst, nil
}

// Fork increments the ref count and returns the same block.
func (a *NaiveAllocator) Fork(b *Block) *Block { return a.pool.fork(b) }

// Free decrements the ref count, returning the block to the free pool at
// zero. Freeing an unreferenced block is a programming error.
func (a *NaiveAllocator) Free(b *Block) {
	if b.refCount <= 0 {
		panic(fmt.Sprintf("kvblock: freeing unreferenced block %d", b.id))
	}
	b.refCount--
	if b.refCount == 0 {
		a.pool.pushFree(b)
	}
}

// ClearCopyOnWrites drains the recorded copy-on-write pairs.
func (a *NaiveAllocator) ClearCopyOnWrites() []CopyPair { return a.pool.clearCows() }

// NumFree returns the number of blocks in the free pool.
func (a *NaiveAllocator) NumFree() int { return len(a.pool.freeIDs) }

// NumTotal returns the arena size.
func (a *NaiveAllocator) NumTotal() int { return len(a.pool.blocks) }

// BlockSize returns the tokens-per-block capacity.
func (a *NaiveAllocator) BlockSize() int { return a.pool.blockSize }
