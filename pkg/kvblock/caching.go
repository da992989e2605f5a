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
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/metrics"
)

// CachingAllocatorConfig holds the configuration for the caching variant.
type CachingAllocatorConfig struct {
	NumBlocks int `json:"numBlocks" yaml:"numBlocks"`
	BlockSize int `json:"blockSize" yaml:"blockSize"`
	// HashSeed prefixes the root of every hash chain. Deployments that
	// want hashes to line up across processes must share the seed.
	HashSeed string `json:"hashSeed" yaml:"hashSeed"`
}

// CachingAllocator adds content-hash prefix reuse on top of the shared
// free-pool/ref-count core. Fully released hashed blocks are parked in an
// LRU-ordered cache instead of the free pool; the least recently used one
// is reclaimed when the free pool runs dry.
//
// A block is always in exactly one of three places: the free pool, the
// evictable cache, or referenced by at least one table.
type CachingAllocator struct {
	pool   *blockPool
	hasher *contentHasher

	// cached maps content hash to block id for every hashed block still
	// resident, referenced or evictable.
	cached map[uint64]int
	// evictable holds hashed blocks with ref count zero, in LRU order.
	evictable *lru.Cache[uint64, int]
}

var _ Allocator = &CachingAllocator{}

// NewCachingAllocator creates a caching allocator from the given config.
func NewCachingAllocator(cfg *CachingAllocatorConfig) (*CachingAllocator, error) {
	pool, err := newBlockPool(cfg.NumBlocks, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	hasher, err := newContentHasher(cfg.HashSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create content hasher: %w", err)
	}

	// Sized to the arena: every block could in principle be evictable.
	evictable, err := lru.New[uint64, int](cfg.NumBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictable block cache: %w", err)
	}

	return &CachingAllocator{
		pool:      pool,
		hasher:    hasher,
		cached:    make(map[uint64]int),
		evictable: evictable,
	}, nil
}

// AllocateMutable pops a free block, evicting the least recently used
// cached block when the free pool is exhausted.
func (a *CachingAllocator) AllocateMutable(prev *Block) (*Block, error) {
	b, err := a.pool.popFree()
	if err == nil {
		b.prev = prev
		return b, nil
	}

	hash, id, ok := a.evictable.RemoveOldest()
	if !ok {
		return nil, ErrNoFreeBlocks
	}
	delete(a.cached, hash)
	metrics.PrefixCacheEvictions.Inc()

	b = a.pool.blocks[id]
	b.reset()
	b.refCount = 1
	b.prev = prev

	return b, nil
}

// AllocateImmutable returns a block filled with tokenIDs. When a resident
// block already carries the same chained content, that block is returned
// with its ref count incremented and nothing is allocated.
func (a *CachingAllocator) AllocateImmutable(prev *Block, tokenIDs []int) (*Block, error) {
	if len(tokenIDs) != a.pool.blockSize {
		panic(fmt.Sprintf("kvblock: immutable allocation needs a full block, got %d tokens", len(tokenIDs)))
	}

	hash := a.hasher.chainHash(prev, tokenIDs)
	metrics.PrefixCacheQueries.Inc()

	if id, ok := a.cached[hash]; ok {
		b := a.pool.blocks[id]
		// Guard against hash collisions before handing out the block.
		if slices.Equal(b.tokenIDs, tokenIDs) {
			if b.refCount == 0 {
				a.evictable.Remove(hash)
				b.refCount = 1
			} else {
				b.refCount++
			}
			metrics.PrefixCacheHits.Inc()
			return b, nil
		}
	}

	b, err := a.AllocateMutable(prev)
	if err != nil {
		return nil, err
	}
	b.tokenIDs = append([]int(nil), tokenIDs...)
	a.registerHash(b, hash)

	return b, nil
}

// AppendTokens writes tokens into b through the copy-on-write discipline,
// registering the content hash once the block fills up.
func (a *CachingAllocator) AppendTokens(b *Block, tokenIDs []int) (*Block, error) {
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

	if b.IsFull(a.pool.blockSize) && b.hash == nil {
		hash := a.hasher.chainHash(b.prev, b.tokenIDs)
		if _, taken := a.cached[hash]; !taken {
			a.registerHash(b, hash)
		}
	}

	return b, nil
}

func (a *CachingAllocator) copyOnWrite(b *Block) (*Block, error) {
	dst, err := a.AllocateMutable(b.prev)
	if err != nil {
		return nil, err
	}

	dst.tokenIDs = append([]int(nil), b.tokenIDs...)
	dst.computed = b.computed
	b.refCount--
	a.pool.recordCow(b.id, dst.id)

	return dst, nil
}

// registerHash publishes a freshly filled block for prefix reuse.
func (a *CachingAllocator) registerHash(b *Block, hash uint64) {
	b.hash = &hash
	b.computed = true
	a.cached[hash] = b.id
}

// Fork increments the ref count and returns the same block.
func (a *CachingAllocator) Fork(b *Block) *Block { return a.pool.fork(b) }

// Free decrements the ref count. A fully released hashed block moves to
// the evictable cache so a later request with the same prefix can revive
// it; unhashed blocks go straight back to the free pool.
func (a *CachingAllocator) Free(b *Block) {
	if b.refCount <= 0 {
		panic(fmt.Sprintf("kvblock: freeing unreferenced block %d", b.id))
	}
	b.refCount--
	if b.refCount > 0 {
		return
	}

	if b.hash != nil {
		if id, ok := a.cached[*b.hash]; ok && id == b.id {
			a.evictable.Add(*b.hash, b.id)
			return
		}
		// The hash was re-registered by another block; nothing to keep.
		b.hash = nil
	}
	a.pool.pushFree(b)
}

// ClearCopyOnWrites drains the recorded copy-on-write pairs.
func (a *CachingAllocator) ClearCopyOnWrites() []CopyPair { return a.pool.clearCows() }

// NumFree counts the free pool plus the evictable cached blocks.
func (a *CachingAllocator) NumFree() int { return len(a.pool.freeIDs) + a.evictable.Len() }

// NumTotal returns the arena size.
func (a *CachingAllocator) NumTotal() int { return len(a.pool.blocks) }

// BlockSize returns the tokens-per-block capacity.
func (a *CachingAllocator) BlockSize() int { return a.pool.blockSize }
