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

package blockspace

import (
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/metrics"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
)

// Unsupported feature combinations, reported at admission time.
var (
	ErrSlidingWindowWithEncoderDecoder = errors.New("blockspace: sliding window is not supported with encoder-decoder models")
	ErrPrefixCachingWithEncoderDecoder = errors.New("blockspace: prefix caching is not supported with encoder-decoder models")
	ErrSlidingWindowWithPrefixCaching  = errors.New("blockspace: sliding window is not supported with prefix caching")
)

// Config holds the block-space manager configuration.
type Config struct {
	// BlockSize is the tokens-per-block capacity of both tiers.
	BlockSize int `json:"blockSize" yaml:"blockSize"`
	// NumGPUBlocks and NumCPUBlocks size the device and host arenas.
	NumGPUBlocks int `json:"numGPUBlocks" yaml:"numGPUBlocks"`
	NumCPUBlocks int `json:"numCPUBlocks" yaml:"numCPUBlocks"`
	// Watermark is the fraction of device blocks reserved as headroom when
	// deciding whether a request can ever be admitted.
	Watermark float64 `json:"watermark" yaml:"watermark"`
	// EnablePrefixCaching selects the content-hash allocator for the
	// device tier.
	EnablePrefixCaching bool `json:"enablePrefixCaching" yaml:"enablePrefixCaching"`
	// SlidingWindow is the attention window in tokens; zero disables it.
	SlidingWindow int `json:"slidingWindow" yaml:"slidingWindow"`
	// HashSeed prefixes every content-hash chain.
	HashSeed string `json:"hashSeed" yaml:"hashSeed"`
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		BlockSize:    16,
		NumGPUBlocks: 1024,
		NumCPUBlocks: 256,
		Watermark:    0.01,
	}
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("blockspace: block size must be positive, got %d", c.BlockSize)
	}
	if c.NumGPUBlocks <= 0 {
		return fmt.Errorf("blockspace: device block count must be positive, got %d", c.NumGPUBlocks)
	}
	if c.NumCPUBlocks < 0 {
		return fmt.Errorf("blockspace: host block count must be non-negative, got %d", c.NumCPUBlocks)
	}
	if c.Watermark < 0 || c.Watermark >= 1 {
		return fmt.Errorf("blockspace: watermark must be in [0, 1), got %f", c.Watermark)
	}
	if c.SlidingWindow > 0 && c.EnablePrefixCaching {
		return ErrSlidingWindowWithPrefixCaching
	}

	return nil
}

// Manager maps sequences to physical blocks across the device and host
// tiers. It owns one allocator per tier and the per-sequence block tables,
// and answers the scheduler's admission questions with three-valued
// verdicts.
//
// Not safe for concurrent use; the scheduler serializes access.
type Manager struct {
	cfg *Config

	gpu kvblock.Allocator
	cpu kvblock.Allocator

	// watermarkBlocks is the reserved device headroom in whole blocks.
	watermarkBlocks int

	tables map[int]*kvblock.BlockTable
	// crossTables holds the per-request cross-attention tables of
	// encoder-decoder models, keyed by request id.
	crossTables map[string]*kvblock.BlockTable

	// nullBlock backs logical slots outside the sliding window. It is never
	// freed and carries no token content.
	nullBlock *kvblock.Block
	// maxBlocksSlidingWindow caps a table's live suffix; zero disables it.
	maxBlocksSlidingWindow int
}

// NewManager creates a manager with freshly built allocators for both tiers.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var gpu kvblock.Allocator
	var err error
	if cfg.EnablePrefixCaching {
		gpu, err = kvblock.NewCachingAllocator(&kvblock.CachingAllocatorConfig{
			NumBlocks: cfg.NumGPUBlocks,
			BlockSize: cfg.BlockSize,
			HashSeed:  cfg.HashSeed,
		})
	} else {
		gpu, err = kvblock.NewNaiveAllocator(cfg.NumGPUBlocks, cfg.BlockSize)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create device allocator: %w", err)
	}

	var cpu kvblock.Allocator
	if cfg.NumCPUBlocks > 0 {
		cpu, err = kvblock.NewNaiveAllocator(cfg.NumCPUBlocks, cfg.BlockSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create host allocator: %w", err)
		}
	}

	m := &Manager{
		cfg:             cfg,
		gpu:             gpu,
		cpu:             cpu,
		watermarkBlocks: int(cfg.Watermark * float64(cfg.NumGPUBlocks)),
		tables:          make(map[int]*kvblock.BlockTable),
		crossTables:     make(map[string]*kvblock.BlockTable),
	}

	if cfg.SlidingWindow > 0 {
		m.maxBlocksSlidingWindow = cfg.SlidingWindow/cfg.BlockSize + 2

		// The sentinel is a real block pinned out of circulation for the
		// manager's lifetime.
		m.nullBlock, err = gpu.AllocateMutable(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate null block: %w", err)
		}
	}

	return m, nil
}

// BlockSize returns the tokens-per-block capacity.
func (m *Manager) BlockSize() int { return m.cfg.BlockSize }

// PrefixCachingEnabled reports whether the device tier hashes and reuses
// full blocks.
func (m *Manager) PrefixCachingEnabled() bool { return m.cfg.EnablePrefixCaching }

// NumFreeGPUBlocks returns the free device blocks, evictable cache included.
func (m *Manager) NumFreeGPUBlocks() int { return m.gpu.NumFree() }

// NumFreeCPUBlocks returns the free host blocks.
func (m *Manager) NumFreeCPUBlocks() int {
	if m.cpu == nil {
		return 0
	}
	return m.cpu.NumFree()
}

// WatermarkBlocks returns the reserved device headroom in blocks.
func (m *Manager) WatermarkBlocks() int { return m.watermarkBlocks }

// checkUnsupported rejects feature combinations the block layout cannot
// express.
func (m *Manager) checkUnsupported(g *sequence.Group) error {
	if !g.IsEncoderDecoder() {
		return nil
	}
	if m.cfg.SlidingWindow > 0 {
		return ErrSlidingWindowWithEncoderDecoder
	}
	if m.cfg.EnablePrefixCaching {
		return ErrPrefixCachingWithEncoderDecoder
	}

	return nil
}

// numRequiredForGroup counts the device blocks a fresh allocation of the
// group would consume: the shared prompt table plus, for encoder-decoder
// models, the cross-attention table.
func (m *Manager) numRequiredForGroup(g *sequence.Group, numLookaheadSlots int) int {
	seqs := g.SeqsWithStatus(sequence.StatusWaiting)
	if len(seqs) == 0 {
		return 0
	}

	required := kvblock.NumRequiredBlocks(seqs[0].Len(), numLookaheadSlots, m.cfg.BlockSize)
	if g.IsEncoderDecoder() {
		required += kvblock.NumRequiredBlocks(g.EncoderSeq().Len(), 0, m.cfg.BlockSize)
	}

	return required
}

// CanAllocate decides whether the group's prompt can be admitted: AllocOK
// to admit now, AllocLater to retry once memory frees up, AllocNever when
// the prompt cannot fit even on an idle device minus the watermark.
func (m *Manager) CanAllocate(g *sequence.Group, numLookaheadSlots int) (AllocStatus, error) {
	if err := m.checkUnsupported(g); err != nil {
		return AllocNever, err
	}

	required := m.numRequiredForGroup(g, numLookaheadSlots)

	if m.gpu.NumTotal()-required < m.watermarkBlocks {
		return AllocNever, nil
	}
	if required <= m.gpu.NumFree() {
		return AllocOK, nil
	}

	return AllocLater, nil
}

// Allocate builds block tables for every waiting sequence of the group.
// The first sequence materializes blocks for the whole prompt; the rest
// share them copy-on-write. Callers must have seen AllocOK first.
func (m *Manager) Allocate(g *sequence.Group) error {
	seqs := g.SeqsWithStatus(sequence.StatusWaiting)
	if len(seqs) == 0 {
		return nil
	}

	bt := kvblock.NewBlockTable(m.gpu, m.nullBlock, m.maxBlocksSlidingWindow)
	if err := bt.Allocate(seqs[0].TokenIDs()); err != nil {
		return fmt.Errorf("failed to allocate for sequence %d: %w", seqs[0].ID(), err)
	}
	m.tables[seqs[0].ID()] = bt

	for _, seq := range seqs[1:] {
		m.tables[seq.ID()] = bt.Fork()
	}

	if g.IsEncoderDecoder() {
		cross := kvblock.NewBlockTable(m.gpu, nil, 0)
		if err := cross.Allocate(g.EncoderSeq().TokenIDs()); err != nil {
			return fmt.Errorf("failed to allocate cross table for request %q: %w", g.RequestID(), err)
		}
		m.crossTables[g.RequestID()] = cross
	}

	return nil
}

// NumCachedTokens returns the prefix-cache hit depth for an allocated
// sequence, in tokens. Zero without prefix caching.
func (m *Manager) NumCachedTokens(seq *sequence.Sequence) int {
	bt, ok := m.tables[seq.ID()]
	if !ok {
		return 0
	}
	return bt.NumCachedTokens()
}

// CanAppendSlots reports whether every running sequence of the group can
// take its next append, lookahead slots included, out of free device
// memory.
func (m *Manager) CanAppendSlots(g *sequence.Group, numLookaheadSlots int) bool {
	touched := 0
	for _, seq := range g.SeqsWithStatus(sequence.StatusRunning) {
		bt, ok := m.tables[seq.ID()]
		if !ok {
			continue
		}
		touched += bt.NumBlocksTouchedByAppend(seq.Len()-bt.NumTokens(), numLookaheadSlots)
	}

	return touched <= m.gpu.NumFree()
}

// AppendSlots writes the sequence's unwritten tokens into its table,
// growing it by the needed blocks plus lookahead, and returns the
// copy-on-write pairs the transfer collaborator must perform.
func (m *Manager) AppendSlots(seq *sequence.Sequence, numLookaheadSlots int) ([]kvblock.CopyPair, error) {
	bt, ok := m.tables[seq.ID()]
	if !ok {
		return nil, fmt.Errorf("blockspace: sequence %d has no block table", seq.ID())
	}

	if err := bt.AppendTokens(seq.TokenIDs()[bt.NumTokens():], numLookaheadSlots); err != nil {
		return nil, fmt.Errorf("failed to append slots for sequence %d: %w", seq.ID(), err)
	}

	return m.gpu.ClearCopyOnWrites(), nil
}

// Fork shares the parent's blocks with a newly forked child sequence.
func (m *Manager) Fork(parent, child *sequence.Sequence) error {
	bt, ok := m.tables[parent.ID()]
	if !ok {
		return fmt.Errorf("blockspace: sequence %d has no block table", parent.ID())
	}

	m.tables[child.ID()] = bt.Fork()
	return nil
}

// numLiveBlocks counts the live blocks held by the group's sequences in
// the given state, cross-attention table included.
func (m *Manager) numLiveBlocks(g *sequence.Group, status sequence.Status) int {
	n := 0
	for _, seq := range g.SeqsWithStatus(status) {
		if bt, ok := m.tables[seq.ID()]; ok {
			n += bt.NumLiveBlocks()
		}
	}
	if cross, ok := m.crossTables[g.RequestID()]; ok {
		n += cross.NumLiveBlocks()
	}

	return n
}

// CanSwapIn decides whether a swapped-out group can return to the device.
// Required capacity is recomputed from sequence lengths since the group
// may have grown before it was swapped out.
func (m *Manager) CanSwapIn(g *sequence.Group, numLookaheadSlots int) AllocStatus {
	required := 0
	for _, seq := range g.SeqsWithStatus(sequence.StatusSwapped) {
		required += kvblock.NumRequiredBlocks(seq.Len(), numLookaheadSlots, m.cfg.BlockSize)
	}
	if cross, ok := m.crossTables[g.RequestID()]; ok {
		required += cross.NumBlocks()
	}

	if required > m.gpu.NumTotal()-m.watermarkBlocks {
		return AllocNever
	}
	if required > m.gpu.NumFree() {
		return AllocLater
	}

	return AllocOK
}

// SwapIn migrates the group's tables from host to device, returning the
// host-to-device copy pairs.
func (m *Manager) SwapIn(g *sequence.Group) ([]kvblock.CopyPair, error) {
	var pairs []kvblock.CopyPair
	for _, seq := range g.SeqsWithStatus(sequence.StatusSwapped) {
		bt, ok := m.tables[seq.ID()]
		if !ok {
			continue
		}

		p, err := bt.MoveTo(m.gpu)
		if err != nil {
			return nil, fmt.Errorf("failed to swap in sequence %d: %w", seq.ID(), err)
		}
		pairs = append(pairs, p...)
	}

	metrics.SwappedInBlocks.Add(float64(len(pairs)))
	return pairs, nil
}

// CanSwapOut reports whether the host tier can hold the group's live
// device blocks.
func (m *Manager) CanSwapOut(g *sequence.Group) bool {
	if m.cpu == nil {
		return false
	}
	return m.numLiveBlocks(g, sequence.StatusRunning) <= m.cpu.NumFree()
}

// SwapOut migrates the group's tables from device to host, returning the
// device-to-host copy pairs.
func (m *Manager) SwapOut(g *sequence.Group) ([]kvblock.CopyPair, error) {
	if m.cpu == nil {
		return nil, errors.New("blockspace: host tier is disabled")
	}

	var pairs []kvblock.CopyPair
	for _, seq := range g.SeqsWithStatus(sequence.StatusRunning) {
		bt, ok := m.tables[seq.ID()]
		if !ok {
			continue
		}

		p, err := bt.MoveTo(m.cpu)
		if err != nil {
			return nil, fmt.Errorf("failed to swap out sequence %d: %w", seq.ID(), err)
		}
		pairs = append(pairs, p...)
	}

	metrics.SwappedOutBlocks.Add(float64(len(pairs)))
	return pairs, nil
}

// Free releases a sequence's block table. Freeing a sequence without a
// table is a no-op, so the call is idempotent.
func (m *Manager) Free(seq *sequence.Sequence) {
	bt, ok := m.tables[seq.ID()]
	if !ok {
		return
	}

	bt.Free()
	delete(m.tables, seq.ID())
}

// FreeGroup releases every table the group holds, the cross-attention
// table included.
func (m *Manager) FreeGroup(g *sequence.Group) {
	for _, seq := range g.Seqs() {
		m.Free(seq)
	}

	if cross, ok := m.crossTables[g.RequestID()]; ok {
		cross.Free()
		delete(m.crossTables, g.RequestID())
	}
}

// BlockTableIDs returns the sequence's physical block ids in logical
// order, or nil if the sequence holds no table.
func (m *Manager) BlockTableIDs(seqID int) []int {
	bt, ok := m.tables[seqID]
	if !ok {
		return nil
	}
	return bt.PhysicalBlockIDs()
}

// CrossBlockTableIDs returns the request's cross-attention block ids, or
// nil for decoder-only requests.
func (m *Manager) CrossBlockTableIDs(requestID string) []int {
	cross, ok := m.crossTables[requestID]
	if !ok {
		return nil
	}
	return cross.PhysicalBlockIDs()
}
