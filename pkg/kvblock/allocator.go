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

import (
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/metrics"
)

// ErrNoFreeBlocks is returned when an allocation cannot be satisfied.
// Callers are expected to pre-check capacity through the block-space
// manager, so hitting this during a scheduled step indicates backpressure
// handling went wrong upstream.
var ErrNoFreeBlocks = errors.New("kvblock: no free blocks available")

// CopyPair records a physical block-to-block copy that the cache-transfer
// collaborator must perform: swap-in (host to device), swap-out (device to
// host), or an on-device copy-on-write duplication.
type CopyPair struct {
	Src int `json:"src"`
	Dst int `json:"dst"`
}

// Allocator owns the free and used pools of one device's physical blocks.
// Two variants exist: NaiveAllocator (plain pooling) and CachingAllocator
// (content-hash prefix reuse). They share the free-pool and ref-count core
// and are selected at construction.
type Allocator interface {
	// AllocateMutable pops a free block to be filled incrementally.
	AllocateMutable(prev *Block) (*Block, error)
	// AllocateImmutable allocates a completely filled block. A caching
	// allocator may instead return an existing block with the same chained
	// content, with its ref count incremented and no new allocation.
	AllocateImmutable(prev *Block, tokenIDs []int) (*Block, error)
	// AppendTokens writes tokens into a block, duplicating it first if it
	// is shared (copy-on-write). The returned block replaces b in the
	// caller's table; it differs from b exactly when a copy was made.
	AppendTokens(b *Block, tokenIDs []int) (*Block, error)
	// Fork increments the ref count and returns the same block.
	Fork(b *Block) *Block
	// Free decrements the ref count, returning the block to the free pool
	// (or the evictable prefix cache) when it reaches zero.
	Free(b *Block)
	// ClearCopyOnWrites drains the (src, dst) pairs recorded by
	// copy-on-write duplications since the last call.
	ClearCopyOnWrites() []CopyPair
	// NumFree returns the number of blocks available for allocation,
	// counting evictable cached blocks.
	NumFree() int
	// NumTotal returns the arena size.
	NumTotal() int
	// BlockSize returns the tokens-per-block capacity.
	BlockSize() int
}

// blockPool is the free-pool and ref-count core shared by both allocator
// variants.
type blockPool struct {
	blockSize int
	blocks    []*Block
	// freeIDs is kept in FIFO order: freed blocks go to the tail, so ids
	// cycle instead of being reused immediately.
	freeIDs []int
	cows    []CopyPair
}

func newBlockPool(numBlocks, blockSize int) (*blockPool, error) {
	if numBlocks <= 0 {
		return nil, fmt.Errorf("kvblock: pool needs a positive block count, got %d", numBlocks)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("kvblock: block size must be positive, got %d", blockSize)
	}

	blocks := make([]*Block, numBlocks)
	freeIDs := make([]int, numBlocks)
	for i := range blocks {
		blocks[i] = &Block{id: i}
		freeIDs[i] = i
	}

	return &blockPool{
		blockSize: blockSize,
		blocks:    blocks,
		freeIDs:   freeIDs,
	}, nil
}

// popFree removes and returns the oldest free block.
func (p *blockPool) popFree() (*Block, error) {
	if len(p.freeIDs) == 0 {
		return nil, ErrNoFreeBlocks
	}

	id := p.freeIDs[0]
	p.freeIDs = p.freeIDs[1:]

	b := p.blocks[id]
	if b.refCount != 0 {
		panic(fmt.Sprintf("kvblock: free-pool block %d has ref count %d", id, b.refCount))
	}
	b.refCount = 1

	return b, nil
}

// pushFree resets a fully released block and returns it to the pool tail.
func (p *blockPool) pushFree(b *Block) {
	if b.refCount != 0 {
		panic(fmt.Sprintf("kvblock: releasing block %d with ref count %d", b.id, b.refCount))
	}
	b.reset()
	p.freeIDs = append(p.freeIDs, b.id)
}

// recordCow notes a copy-on-write duplication for the transfer collaborator.
func (p *blockPool) recordCow(src, dst int) {
	p.cows = append(p.cows, CopyPair{Src: src, Dst: dst})
	metrics.CopyOnWriteBlocks.Inc()
}

func (p *blockPool) clearCows() []CopyPair {
	cows := p.cows
	p.cows = nil
	return cows
}

func (p *blockPool) fork(b *Block) *Block {
	if b.refCount <= 0 {
		panic(fmt.Sprintf("kvblock: forking unreferenced block %d", b.id))
	}
	b.refCount++
	return b
}
