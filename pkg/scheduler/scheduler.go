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

package scheduler

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/blockspace"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/metrics"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/utils/logging"
)

// BlockManager is the block-space surface the scheduler consumes.
// *blockspace.Manager is the production implementation.
type BlockManager interface {
	CanAllocate(g *sequence.Group, numLookaheadSlots int) (blockspace.AllocStatus, error)
	Allocate(g *sequence.Group) error
	NumCachedTokens(seq *sequence.Sequence) int
	CanAppendSlots(g *sequence.Group, numLookaheadSlots int) bool
	AppendSlots(seq *sequence.Sequence, numLookaheadSlots int) ([]kvblock.CopyPair, error)
	Fork(parent, child *sequence.Sequence) error
	CanSwapIn(g *sequence.Group, numLookaheadSlots int) blockspace.AllocStatus
	SwapIn(g *sequence.Group) ([]kvblock.CopyPair, error)
	CanSwapOut(g *sequence.Group) bool
	SwapOut(g *sequence.Group) ([]kvblock.CopyPair, error)
	Free(seq *sequence.Sequence)
	FreeGroup(g *sequence.Group)
	BlockTableIDs(seqID int) []int
	CrossBlockTableIDs(requestID string) []int
	BlockSize() int
	PrefixCachingEnabled() bool
}

var _ BlockManager = &blockspace.Manager{}

// Scheduler owns the three lifecycle queues and produces one batch per
// Schedule call. Decodes of already-running groups take budget before any
// new prefill is admitted, so latency of in-flight requests is protected.
//
// Not safe for concurrent use.
type Scheduler struct {
	cfg *Config
	bm  BlockManager

	waiting []*sequence.Group
	running []*sequence.Group
	swapped []*sequence.Group
}

// New creates a scheduler over the given block manager.
func New(cfg *Config, bm BlockManager) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !cfg.EnableChunkedPrefill && cfg.MaxNumBatchedTokens < cfg.MaxModelLen {
		return nil, fmt.Errorf("scheduler: token budget %d cannot fit a maximum-length prompt of %d without chunked prefill",
			cfg.MaxNumBatchedTokens, cfg.MaxModelLen)
	}

	return &Scheduler{cfg: cfg, bm: bm}, nil
}

// AddGroup enqueues a new request.
func (s *Scheduler) AddGroup(g *sequence.Group) {
	s.waiting = append(s.waiting, g)
}

// HasUnfinishedGroups reports whether any queue still holds work.
func (s *Scheduler) HasUnfinishedGroups() bool {
	return len(s.waiting)+len(s.running)+len(s.swapped) > 0
}

// NumUnfinishedGroups returns the total queued group count.
func (s *Scheduler) NumUnfinishedGroups() int {
	return len(s.waiting) + len(s.running) + len(s.swapped)
}

// AbortGroups removes the named requests from whichever queue holds them,
// marking their sequences aborted and releasing their blocks.
func (s *Scheduler) AbortGroups(requestIDs sets.Set[string]) {
	abort := func(queue []*sequence.Group) []*sequence.Group {
		kept := queue[:0]
		for _, g := range queue {
			if !requestIDs.Has(g.RequestID()) {
				kept = append(kept, g)
				continue
			}
			g.SetStatus(sequence.StatusFinishedAborted)
			s.bm.FreeGroup(g)
		}
		return kept
	}

	s.waiting = abort(s.waiting)
	s.running = abort(s.running)
	s.swapped = abort(s.swapped)
}

// FreeFinishedGroups drops finished groups from the running queue and
// releases their blocks.
func (s *Scheduler) FreeFinishedGroups() {
	kept := s.running[:0]
	for _, g := range s.running {
		if g.IsFinished() {
			s.bm.FreeGroup(g)
			continue
		}
		kept = append(kept, g)
	}
	s.running = kept
}

// Schedule assembles the next step: continues running groups, swaps
// eligible groups back in, and admits waiting prompts, preempting under
// memory pressure. Prefills come before decodes in the returned batch.
func (s *Scheduler) Schedule(ctx context.Context) (*Output, error) {
	logger := klog.FromContext(ctx).WithName("scheduler")
	budget := newSchedulingBudget(s.cfg.MaxNumBatchedTokens, s.cfg.MaxNumSeqs)
	out := &Output{}

	var runningPrefills, runningDecodes []ScheduledGroup
	s.scheduleRunning(logger, budget, out, &runningPrefills, &runningDecodes)

	var swappedPrefills, swappedDecodes []ScheduledGroup
	if out.NumPreempted == 0 {
		s.scheduleSwapped(logger, budget, out, &swappedPrefills, &swappedDecodes)
	}

	var waitingPrefills []ScheduledGroup
	if out.NumPreempted == 0 && len(s.swapped) == 0 {
		if err := s.scheduleWaiting(logger, budget, out, &waitingPrefills); err != nil {
			return nil, err
		}
	}

	out.ScheduledGroups = make([]ScheduledGroup, 0,
		len(waitingPrefills)+len(runningPrefills)+len(swappedPrefills)+len(runningDecodes)+len(swappedDecodes))
	out.ScheduledGroups = append(out.ScheduledGroups, waitingPrefills...)
	out.ScheduledGroups = append(out.ScheduledGroups, runningPrefills...)
	out.ScheduledGroups = append(out.ScheduledGroups, swappedPrefills...)
	out.NumPrefillGroups = len(out.ScheduledGroups)
	out.ScheduledGroups = append(out.ScheduledGroups, runningDecodes...)
	out.ScheduledGroups = append(out.ScheduledGroups, swappedDecodes...)
	out.NumBatchedTokens = budget.numBatchedTokens

	s.buildMetadata(out)

	logger.V(logging.DEBUG).Info("scheduled step",
		"scheduled", len(out.ScheduledGroups),
		"prefills", out.NumPrefillGroups,
		"batchedTokens", out.NumBatchedTokens,
		"preempted", out.NumPreempted,
		"waiting", len(s.waiting), "running", len(s.running), "swapped", len(s.swapped))

	return out, nil
}

// scheduleRunning walks the running queue, reserving budget for in-flight
// groups and preempting from the queue tail when appends do not fit.
func (s *Scheduler) scheduleRunning(logger klog.Logger, budget *schedulingBudget, out *Output,
	prefills, decodes *[]ScheduledGroup) {
	if s.cfg.Policy == PolicyPriority {
		s.sortByPriority(s.running)
	}

	queue := s.running
	s.running = nil

	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]

		numNewTokens := s.numRunningNewTokens(g, budget)
		if numNewTokens == 0 || !budget.canSchedule(numNewTokens, g.MaxNumRunningSeqs()) {
			// Budget exhausted; the group stays running but idles this step.
			s.running = append(s.running, g)
			continue
		}

		preemptedSelf := false
		for !s.bm.CanAppendSlots(g, s.cfg.NumLookaheadSlots) {
			if len(queue) > 0 {
				victim := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				s.preempt(logger, victim, out)
			} else {
				s.preempt(logger, g, out)
				preemptedSelf = true
				break
			}
		}
		if preemptedSelf {
			continue
		}

		if err := s.appendSlotsForGroup(g, out); err != nil {
			// Capacity was pre-checked; failure here is a bookkeeping bug.
			panic(err)
		}

		sg := ScheduledGroup{Group: g, TokenChunkSize: numNewTokens}
		if g.IsPrefill() {
			*prefills = append(*prefills, sg)
		} else {
			*decodes = append(*decodes, sg)
		}
		budget.addNumBatchedTokens(g.RequestID(), numNewTokens)
		budget.addNumSeqs(g.RequestID(), g.MaxNumRunningSeqs())
		s.running = append(s.running, g)
	}
}

// scheduleSwapped brings swapped groups back to the device in queue order,
// stopping at the first group that must keep waiting.
func (s *Scheduler) scheduleSwapped(logger klog.Logger, budget *schedulingBudget, out *Output,
	prefills, decodes *[]ScheduledGroup) {
	if s.cfg.Policy == PolicyPriority {
		s.sortByPriority(s.swapped)
	}

	queue := s.swapped
	s.swapped = nil

	for len(queue) > 0 {
		g := queue[0]

		switch s.bm.CanSwapIn(g, s.cfg.NumLookaheadSlots) {
		case blockspace.AllocNever:
			queue = queue[1:]
			logger.Error(nil, "swapped request can never fit on the device, rejecting",
				"requestID", g.RequestID())
			s.ignore(g, out)
			continue
		case blockspace.AllocLater:
			s.swapped = append(s.swapped, queue...)
			return
		}

		numNewTokens := s.numRunningNewTokens(g, budget)
		if numNewTokens == 0 || !budget.canSchedule(numNewTokens, g.MaxNumRunningSeqs()) {
			s.swapped = append(s.swapped, queue...)
			return
		}
		queue = queue[1:]

		pairs, err := s.bm.SwapIn(g)
		if err != nil {
			panic(err)
		}
		out.BlocksToSwapIn = append(out.BlocksToSwapIn, pairs...)
		g.SetStatus(sequence.StatusRunning)

		if err := s.appendSlotsForGroup(g, out); err != nil {
			panic(err)
		}

		sg := ScheduledGroup{Group: g, TokenChunkSize: numNewTokens}
		if g.IsPrefill() {
			*prefills = append(*prefills, sg)
		} else {
			*decodes = append(*decodes, sg)
		}
		budget.addNumBatchedTokens(g.RequestID(), numNewTokens)
		budget.addNumSeqs(g.RequestID(), g.MaxNumRunningSeqs())
		s.running = append(s.running, g)
	}
}

// scheduleWaiting admits new prompts in queue order until budget or memory
// runs out, permanently rejecting prompts that can never fit.
func (s *Scheduler) scheduleWaiting(logger klog.Logger, budget *schedulingBudget, out *Output,
	prefills *[]ScheduledGroup) error {
	if s.cfg.Policy == PolicyPriority {
		s.sortByPriority(s.waiting)
	}

	for len(s.waiting) > 0 {
		g := s.waiting[0]

		numPromptTokens := g.NumUncomputedTokens()
		if limit := s.promptLimit(); numPromptTokens > limit {
			logger.Error(nil, "prompt exceeds limit, rejecting",
				"requestID", g.RequestID(), "promptTokens", numPromptTokens, "limit", limit)
			s.waiting = s.waiting[1:]
			s.ignore(g, out)
			continue
		}

		verdict, err := s.bm.CanAllocate(g, s.cfg.NumLookaheadSlots)
		if err != nil {
			logger.Error(err, "request uses an unsupported feature combination, rejecting",
				"requestID", g.RequestID())
			s.waiting = s.waiting[1:]
			s.ignore(g, out)
			continue
		}
		switch verdict {
		case blockspace.AllocNever:
			logger.Error(nil, "prompt can never fit in device memory, rejecting",
				"requestID", g.RequestID(), "promptTokens", numPromptTokens)
			s.waiting = s.waiting[1:]
			s.ignore(g, out)
			continue
		case blockspace.AllocLater:
			return nil
		}

		numNewTokens := numPromptTokens
		if s.cfg.EnableChunkedPrefill {
			numNewTokens = s.chunkPrefill(g, numNewTokens, budget.remainingTokenBudget())
		} else if numNewTokens > budget.remainingTokenBudget() {
			return nil
		}
		if numNewTokens == 0 || !budget.canSchedule(numNewTokens, g.MaxNumRunningSeqs()) {
			return nil
		}

		s.waiting = s.waiting[1:]
		if err := s.bm.Allocate(g); err != nil {
			return fmt.Errorf("failed to allocate admitted request %q: %w", g.RequestID(), err)
		}
		g.SetStatus(sequence.StatusRunning)

		*prefills = append(*prefills, ScheduledGroup{Group: g, TokenChunkSize: numNewTokens})
		budget.addNumBatchedTokens(g.RequestID(), numNewTokens)
		budget.addNumSeqs(g.RequestID(), g.MaxNumRunningSeqs())
		s.running = append(s.running, g)
	}

	return nil
}

// numRunningNewTokens sizes the next chunk for a running or swapped group:
// the remaining prompt (or a budget-capped chunk of it) during prefill,
// one token per running sequence during decode. Zero means the group
// cannot be scheduled this step.
func (s *Scheduler) numRunningNewTokens(g *sequence.Group, budget *schedulingBudget) int {
	numNewTokens := g.NumUncomputedTokens()

	if g.IsPrefill() {
		if s.cfg.EnableChunkedPrefill {
			return s.chunkPrefill(g, numNewTokens, budget.remainingTokenBudget())
		}
		if numNewTokens > budget.remainingTokenBudget() {
			return 0
		}
		return numNewTokens
	}

	if numNewTokens > budget.remainingTokenBudget() {
		return 0
	}
	return numNewTokens
}

// chunkPrefill caps a prefill chunk to the remaining token budget. Only
// single-sequence groups are chunked. With prefix caching the chunk is
// rounded down to a block boundary so partially filled blocks never get
// content hashes.
func (s *Scheduler) chunkPrefill(g *sequence.Group, numNewTokens, remaining int) int {
	if g.Sampling().N > 1 {
		if numNewTokens > remaining {
			return 0
		}
		return numNewTokens
	}

	if numNewTokens <= remaining {
		return numNewTokens
	}

	chunk := remaining
	if s.bm.PrefixCachingEnabled() {
		computed := 0
		for _, seq := range g.Seqs() {
			if !seq.IsFinished() {
				computed = seq.NumComputedTokens()
				break
			}
		}

		bs := s.bm.BlockSize()
		chunk = (computed+chunk)/bs*bs - computed
		if chunk < 0 {
			chunk = 0
		}
	}

	return chunk
}

// promptLimit returns the admission cap for a prompt. Without chunked
// prefill the whole prompt must also fit in one step's token budget.
func (s *Scheduler) promptLimit() int {
	if s.cfg.EnableChunkedPrefill {
		return s.cfg.MaxModelLen
	}
	return min(s.cfg.MaxModelLen, s.cfg.MaxNumBatchedTokens)
}

// appendSlotsForGroup reserves next-step slots for every running sequence
// of the group, collecting copy-on-write work into the output.
func (s *Scheduler) appendSlotsForGroup(g *sequence.Group, out *Output) error {
	for _, seq := range g.SeqsWithStatus(sequence.StatusRunning) {
		cows, err := s.bm.AppendSlots(seq, s.cfg.NumLookaheadSlots)
		if err != nil {
			return err
		}
		out.BlocksToCopy = append(out.BlocksToCopy, cows...)
	}
	return nil
}

// preempt evicts a group from the device: recompute discards its blocks
// and requeues it at the front of the waiting queue, swap moves them to
// host memory.
func (s *Scheduler) preempt(logger klog.Logger, g *sequence.Group, out *Output) {
	mode := s.cfg.PreemptionMode
	if mode == PreemptionAuto {
		if g.MaxNumRunningSeqs() == 1 {
			mode = PreemptionRecompute
		} else {
			mode = PreemptionSwap
		}
	}
	if mode == PreemptionSwap && !s.bm.CanSwapOut(g) {
		// The host tier cannot hold the group; recompute is always possible.
		mode = PreemptionRecompute
	}

	logger.V(logging.DEBUG).Info("preempting request",
		"requestID", g.RequestID(), "mode", mode)
	metrics.Preemptions.Inc()
	out.NumPreempted++

	switch mode {
	case PreemptionRecompute:
		for _, seq := range g.SeqsWithStatus(sequence.StatusRunning) {
			s.bm.Free(seq)
			seq.ResetForRecompute()
		}
		g.SetStatus(sequence.StatusWaiting)
		s.waiting = append([]*sequence.Group{g}, s.waiting...)
	case PreemptionSwap:
		pairs, err := s.bm.SwapOut(g)
		if err != nil {
			panic(err)
		}
		out.BlocksToSwapOut = append(out.BlocksToSwapOut, pairs...)
		g.SetStatus(sequence.StatusSwapped)
		s.swapped = append(s.swapped, g)
	}
}

// ignore permanently rejects a group.
func (s *Scheduler) ignore(g *sequence.Group, out *Output) {
	g.SetStatus(sequence.StatusFinishedIgnored)
	s.bm.FreeGroup(g)
	out.IgnoredGroups = append(out.IgnoredGroups, g)
	metrics.IgnoredRequests.Inc()
}

// sortByPriority orders a queue by descending priority, arrival time
// breaking ties.
func (s *Scheduler) sortByPriority(queue []*sequence.Group) {
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority() != queue[j].Priority() {
			return queue[i].Priority() > queue[j].Priority()
		}
		return queue[i].ArrivalTime().Before(queue[j].ArrivalTime())
	})
}

// buildMetadata snapshots token and block state for the executor, one
// entry per scheduled group in batch order.
func (s *Scheduler) buildMetadata(out *Output) {
	out.Metadata = make([]*GroupMetadata, 0, len(out.ScheduledGroups))

	for _, sg := range out.ScheduledGroups {
		g := sg.Group

		md := &GroupMetadata{
			RequestID:         g.RequestID(),
			IsPrompt:          g.IsPrefill(),
			SeqData:           make(map[int]*SeqData),
			BlockTables:       make(map[int][]int),
			CrossBlockTable:   s.bm.CrossBlockTableIDs(g.RequestID()),
			Sampling:          g.Sampling(),
			TokenChunkSize:    sg.TokenChunkSize,
			NumLookaheadSlots: s.cfg.NumLookaheadSlots,
		}

		for _, seq := range g.SeqsWithStatus(sequence.StatusRunning) {
			md.SeqData[seq.ID()] = &SeqData{
				TokenIDs:          seq.TokenIDs(),
				NumPromptTokens:   seq.NumPromptTokens(),
				NumComputedTokens: seq.NumComputedTokens(),
			}
			md.BlockTables[seq.ID()] = s.bm.BlockTableIDs(seq.ID())
		}

		out.Metadata = append(out.Metadata, md)
	}
}
