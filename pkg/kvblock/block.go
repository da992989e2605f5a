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

// Package kvblock implements the physical KV-cache block pool: reference
// counted fixed-size blocks, allocators with and without content-hash based
// prefix reuse, and the per-sequence block table built on top of them.
package kvblock

// Block is one fixed-size unit of KV-cache memory on a single device.
// All mutation goes through an Allocator so that reference counting and
// copy-on-write bookkeeping stay centralized; holders of a *Block must
// treat it as read-only.
type Block struct {
	id       int
	refCount int
	tokenIDs []int
	// prev links the block to its predecessor in a sequence, forming the
	// hash chain used for prefix reuse.
	prev *Block
	// hash is set once the block is completely filled, never before.
	hash     *uint64
	computed bool
}

// ID returns the physical block id, an index into the allocator's arena.
func (b *Block) ID() int { return b.id }

// RefCount returns the number of logical references to the block.
func (b *Block) RefCount() int { return b.refCount }

// TokenIDs returns the token ids written into the block so far.
// Callers must not mutate the returned slice.
func (b *Block) TokenIDs() []int { return b.tokenIDs }

// NumEmptySlots returns the remaining token capacity.
func (b *Block) NumEmptySlots(blockSize int) int { return blockSize - len(b.tokenIDs) }

// IsFull reports whether every slot holds a token.
func (b *Block) IsFull(blockSize int) bool { return len(b.tokenIDs) == blockSize }

// ContentHash returns the chained content hash, present only once the
// block is full and registered by a caching allocator.
func (b *Block) ContentHash() (uint64, bool) {
	if b.hash == nil {
		return 0, false
	}
	return *b.hash, true
}

// IsComputed reports whether the block's KV entries are known to exist on
// the device, which is what makes a prefix-cache hit usable.
func (b *Block) IsComputed() bool { return b.computed }

// reset returns the block to its pristine unallocated state.
func (b *Block) reset() {
	b.refCount = 0
	b.tokenIDs = nil
	b.prev = nil
	b.hash = nil
	b.computed = false
}
