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

	"github.com/llm-d/llm-d-kv-scheduler/pkg/utils"
)

// NumRequiredBlocks returns how many blocks a sequence of numTokens tokens
// plus lookahead slots occupies.
func NumRequiredBlocks(numTokens, numLookaheadSlots, blockSize int) int {
	return ceilDiv(numTokens+numLookaheadSlots, blockSize)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// BlockTable is one sequence's ordered logical-to-physical block mapping.
// It holds references handed out by its allocator and never mutates block
// state directly.
//
// With a sliding window, blocks that fall out of the attention window are
// eagerly released and replaced by the shared null-block sentinel.
type BlockTable struct {
	allocator Allocator
	blockSize int
	blocks    []*Block
	// numTokens counts the token slots written so far; it can exceed the
	// live blocks' contents once old blocks are nulled out.
	numTokens int

	// maxBlocksSlidingWindow caps the live suffix; zero disables it.
	maxBlocksSlidingWindow int
	nullBlock              *Block
}

// NewBlockTable creates an empty table over the given allocator. nullBlock
// and maxBlocksSlidingWindow are set only for sliding-window models.
func NewBlockTable(allocator Allocator, nullBlock *Block, maxBlocksSlidingWindow int) *BlockTable {
	return &BlockTable{
		allocator:              allocator,
		blockSize:              allocator.BlockSize(),
		nullBlock:              nullBlock,
		maxBlocksSlidingWindow: maxBlocksSlidingWindow,
	}
}

// NumTokens returns the number of token slots written into the table.
func (bt *BlockTable) NumTokens() int { return bt.numTokens }

// NumBlocks returns the table length, null-block entries included.
func (bt *BlockTable) NumBlocks() int { return len(bt.blocks) }

// NumLiveBlocks returns the number of entries holding real blocks.
func (bt *BlockTable) NumLiveBlocks() int {
	n := 0
	for _, b := range bt.blocks {
		if b != bt.nullBlock {
			n++
		}
	}
	return n
}

// PhysicalBlockIDs returns the flat physical ids, in logical order, as
// handed to the model executor.
func (bt *BlockTable) PhysicalBlockIDs() []int {
	return utils.SliceMap(bt.blocks, func(b *Block) int { return b.ID() })
}

// Blocks returns the underlying block references. Read-only for callers.
func (bt *BlockTable) Blocks() []*Block { return bt.blocks }

// Allocate materializes blocks for the full token prefix of a fresh
// sequence. Full chunks go through the immutable path so a caching
// allocator can reuse matching prefixes.
func (bt *BlockTable) Allocate(tokenIDs []int) error {
	if len(bt.blocks) != 0 {
		panic("kvblock: table already allocated")
	}

	var prev *Block
	for start := 0; start < len(tokenIDs); start += bt.blockSize {
		end := min(start+bt.blockSize, len(tokenIDs))
		chunk := tokenIDs[start:end]

		var b *Block
		var err error
		if len(chunk) == bt.blockSize {
			b, err = bt.allocator.AllocateImmutable(prev, chunk)
		} else {
			b, err = bt.allocator.AllocateMutable(prev)
			if err == nil {
				b, err = bt.allocator.AppendTokens(b, chunk)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to allocate block table: %w", err)
		}

		bt.blocks = append(bt.blocks, b)
		prev = b
	}
	bt.numTokens = len(tokenIDs)

	return nil
}

// NumCachedTokens counts the leading tokens backed by already-computed
// blocks, i.e. the prefix-cache hit depth after Allocate.
func (bt *BlockTable) NumCachedTokens() int {
	cached := 0
	for _, b := range bt.blocks {
		if !b.IsComputed() || !b.IsFull(bt.blockSize) {
			break
		}
		cached += bt.blockSize
	}
	return cached
}

// AppendTokens grows the table by the blocks needed for the new tokens
// plus lookahead slots, writes the tokens, and applies sliding-window
// release. Copy-on-write pairs accumulate in the allocator.
func (bt *BlockTable) AppendTokens(tokenIDs []int, numLookaheadSlots int) error {
	if err := bt.ensureCapacity(len(tokenIDs) + numLookaheadSlots); err != nil {
		return err
	}
	bt.applySlidingWindow()

	pos := 0
	for pos < len(tokenIDs) {
		idx := bt.numTokens / bt.blockSize
		offset := bt.numTokens % bt.blockSize
		n := min(bt.blockSize-offset, len(tokenIDs)-pos)

		b, err := bt.allocator.AppendTokens(bt.blocks[idx], tokenIDs[pos:pos+n])
		if err != nil {
			return fmt.Errorf("failed to append tokens: %w", err)
		}
		bt.blocks[idx] = b

		bt.numTokens += n
		pos += n
	}

	return nil
}

// ensureCapacity extends the table until numSlots more token slots fit.
func (bt *BlockTable) ensureCapacity(numSlots int) error {
	for len(bt.blocks)*bt.blockSize-bt.numTokens < numSlots {
		var prev *Block
		if len(bt.blocks) > 0 {
			prev = bt.blocks[len(bt.blocks)-1]
		}

		b, err := bt.allocator.AllocateMutable(prev)
		if err != nil {
			return fmt.Errorf("failed to grow block table: %w", err)
		}
		bt.blocks = append(bt.blocks, b)
	}

	return nil
}

// applySlidingWindow releases blocks the attention window can no longer
// reach, replacing them with the null-block sentinel.
func (bt *BlockTable) applySlidingWindow() {
	if bt.maxBlocksSlidingWindow == 0 {
		return
	}

	cutoff := len(bt.blocks) - bt.maxBlocksSlidingWindow
	for i := 0; i < cutoff; i++ {
		if bt.blocks[i] == bt.nullBlock {
			continue
		}
		bt.allocator.Free(bt.blocks[i])
		bt.blocks[i] = bt.nullBlock
	}
}

// NumBlocksTouchedByAppend returns how many free blocks appending
// numNewTokens plus lookahead would consume, counting a copy-on-write
// duplication of a shared tail block.
func (bt *BlockTable) NumBlocksTouchedByAppend(numNewTokens, numLookaheadSlots int) int {
	newTotal := bt.numTokens + numNewTokens + numLookaheadSlots
	touched := ceilDiv(newTotal, bt.blockSize) - len(bt.blocks)
	if touched < 0 {
		touched = 0
	}

	if numNewTokens > 0 {
		idx := bt.numTokens / bt.blockSize
		if idx < len(bt.blocks) && bt.blocks[idx] != bt.nullBlock && bt.blocks[idx].RefCount() > 1 {
			touched++
		}
	}

	return touched
}

// Fork returns a table referencing the same physical blocks with ref
// counts incremented; writes diverge later through copy-on-write.
func (bt *BlockTable) Fork() *BlockTable {
	child := &BlockTable{
		allocator:              bt.allocator,
		blockSize:              bt.blockSize,
		blocks:                 make([]*Block, len(bt.blocks)),
		numTokens:              bt.numTokens,
		maxBlocksSlidingWindow: bt.maxBlocksSlidingWindow,
		nullBlock:              bt.nullBlock,
	}

	for i, b := range bt.blocks {
		if b == bt.nullBlock {
			child.blocks[i] = b
			continue
		}
		child.blocks[i] = bt.allocator.Fork(b)
	}

	return child
}

// Free releases every live block and empties the table. Safe to call on an
// already-freed table.
func (bt *BlockTable) Free() {
	for _, b := range bt.blocks {
		if b == bt.nullBlock {
			continue
		}
		bt.allocator.Free(b)
	}
	bt.blocks = nil
	bt.numTokens = 0
}

// MoveTo migrates the table's live blocks to another allocator, returning
// the (src, dst) id pairs the cache-transfer collaborator must copy. The
// table references the destination blocks afterwards.
func (bt *BlockTable) MoveTo(dst Allocator) ([]CopyPair, error) {
	pairs := make([]CopyPair, 0, len(bt.blocks))
	newBlocks := make([]*Block, 0, len(bt.blocks))

	var prev *Block
	for _, b := range bt.blocks {
		if b == bt.nullBlock {
			// Nothing to move for the sentinel.
			newBlocks = append(newBlocks, b)
			continue
		}

		var nb *Block
		var err error
		if b.IsFull(bt.blockSize) {
			nb, err = dst.AllocateImmutable(prev, b.TokenIDs())
		} else {
			nb, err = dst.AllocateMutable(prev)
			if err == nil && len(b.TokenIDs()) > 0 {
				nb, err = dst.AppendTokens(nb, b.TokenIDs())
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to migrate block %d: %w", b.ID(), err)
		}

		pairs = append(pairs, CopyPair{Src: b.ID(), Dst: nb.ID()})
		bt.allocator.Free(b)
		newBlocks = append(newBlocks, nb)
		prev = nb
	}

	bt.allocator = dst
	bt.blocks = newBlocks

	return pairs, nil
}
