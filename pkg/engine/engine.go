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

// Package engine drives the request lifecycle: admission, per-step
// scheduling, block transfers, model execution, and output assembly.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/blockspace"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/metrics"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/scheduler"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/transfer"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/utils/logging"
)

// Request is one generation request submitted to the engine.
type Request struct {
	RequestID      string
	PromptTokenIDs []int
	Sampling       *sequence.SamplingParams
	Priority       int
}

// SequenceOutput is the per-sequence slice of a request's result.
type SequenceOutput struct {
	SeqID        int
	TokenIDs     []int
	FinishReason string
}

// RequestOutput is emitted for every request touched by a step, final or
// not.
type RequestOutput struct {
	RequestID string
	Finished  bool
	Outputs   []SequenceOutput
}

// virtualEngine is one pipeline stage: an independent scheduler over its
// own block space.
type virtualEngine struct {
	sched *scheduler.Scheduler
	bm    *blockspace.Manager
}

// Engine owns the virtual engines, the transfer pool, and the executor,
// and turns submitted requests into token streams step by step.
//
// AddRequest and Abort may race with Step only from the same goroutine;
// the engine does not lock.
type Engine struct {
	cfg      *Config
	executor ModelExecutor
	copier   transfer.Copier
	pool     *transfer.Pool

	engines []*virtualEngine
	// requestEngine remembers which stage holds each request, for aborts.
	requestEngine map[string]int
	nextEngine    int
}

// New builds an engine: arenas are sized from the executor's memory
// report, then one scheduler and block-space pair is created per virtual
// engine.
func New(ctx context.Context, cfg *Config, executor ModelExecutor) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolveBlockCounts(ctx, executor); err != nil {
		return nil, err
	}

	copier, err := transfer.NewMemoryCopier(cfg.BlockSpace.NumGPUBlocks, cfg.BlockSpace.NumCPUBlocks, cfg.BlockBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create block copier: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		executor:      executor,
		copier:        copier,
		pool:          transfer.NewPool(copier, cfg.NumTransferWorkers),
		requestEngine: make(map[string]int),
	}

	for i := 0; i < cfg.NumVirtualEngines; i++ {
		bm, err := blockspace.NewManager(cfg.BlockSpace)
		if err != nil {
			return nil, fmt.Errorf("failed to create block-space manager %d: %w", i, err)
		}
		sched, err := scheduler.New(cfg.Scheduler, bm)
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler %d: %w", i, err)
		}
		e.engines = append(e.engines, &virtualEngine{sched: sched, bm: bm})
	}

	metrics.Register()

	klog.FromContext(ctx).WithName("engine").Info("engine ready",
		"virtualEngines", cfg.NumVirtualEngines,
		"gpuBlocks", cfg.BlockSpace.NumGPUBlocks,
		"cpuBlocks", cfg.BlockSpace.NumCPUBlocks,
		"blockSize", cfg.BlockSpace.BlockSize)

	return e, nil
}

// AddRequest admits a request into the least recently used virtual
// engine. Parallel samples (n > 1) fork the prompt sequence up front so
// all samples share prompt blocks copy-on-write.
func (e *Engine) AddRequest(req *Request) error {
	if req.RequestID == "" {
		return fmt.Errorf("engine: request id is required")
	}
	if len(req.PromptTokenIDs) == 0 {
		return fmt.Errorf("engine: request %q has an empty prompt", req.RequestID)
	}
	if _, exists := e.requestEngine[req.RequestID]; exists {
		return fmt.Errorf("engine: request id %q is already in flight", req.RequestID)
	}

	sampling := req.Sampling
	if sampling == nil {
		sampling = sequence.DefaultSamplingParams()
	}

	seq := sequence.NewSequence(req.PromptTokenIDs)
	seqs := []*sequence.Sequence{seq}
	for i := 1; i < sampling.N; i++ {
		seqs = append(seqs, seq.Fork())
	}

	g := sequence.NewGroup(req.RequestID, seqs, sampling, time.Now())
	g.SetPriority(req.Priority)

	idx := e.nextEngine % len(e.engines)
	e.nextEngine++
	e.engines[idx].sched.AddGroup(g)
	e.requestEngine[req.RequestID] = idx

	return nil
}

// Abort cancels in-flight requests by id. Unknown ids are ignored.
func (e *Engine) Abort(requestIDs ...string) {
	byEngine := make(map[int]sets.Set[string])
	for _, id := range requestIDs {
		idx, ok := e.requestEngine[id]
		if !ok {
			continue
		}
		if byEngine[idx] == nil {
			byEngine[idx] = sets.New[string]()
		}
		byEngine[idx].Insert(id)
		delete(e.requestEngine, id)
	}

	for idx, ids := range byEngine {
		e.engines[idx].sched.AbortGroups(ids)
	}
}

// HasUnfinishedRequests reports whether any virtual engine holds work.
func (e *Engine) HasUnfinishedRequests() bool {
	for _, ve := range e.engines {
		if ve.sched.HasUnfinishedGroups() {
			return true
		}
	}
	return false
}

// Step runs one iteration of every virtual engine: schedule, transfer
// blocks, execute, process outputs. The transfer pool must be running.
func (e *Engine) Step(ctx context.Context) ([]*RequestOutput, error) {
	var outputs []*RequestOutput

	for _, ve := range e.engines {
		out, err := ve.sched.Schedule(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule step: %w", err)
		}

		for _, g := range out.IgnoredGroups {
			delete(e.requestEngine, g.RequestID())
			outputs = append(outputs, e.buildOutput(g))
		}
		if out.IsEmpty() {
			continue
		}

		if err := e.transferBlocks(ctx, out); err != nil {
			return nil, err
		}

		samples, err := e.executor.ExecuteModel(ctx, out.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to execute step: %w", err)
		}

		for _, sg := range out.ScheduledGroups {
			e.processGroup(sg.Group, sg.TokenChunkSize, samples)
			if sg.Group.IsFinished() {
				delete(e.requestEngine, sg.Group.RequestID())
			}
			outputs = append(outputs, e.buildOutput(sg.Group))
		}

		ve.sched.FreeFinishedGroups()
	}

	return outputs, nil
}

// transferBlocks submits the step's three copy batches and waits for all
// of them. The batches run concurrently on the pool workers.
func (e *Engine) transferBlocks(ctx context.Context, out *scheduler.Output) error {
	jobs := []*transfer.Job{
		e.pool.Submit(transfer.Request{Direction: transfer.DeviceToHost, Pairs: out.BlocksToSwapOut}),
		e.pool.Submit(transfer.Request{Direction: transfer.HostToDevice, Pairs: out.BlocksToSwapIn}),
		e.pool.Submit(transfer.Request{Direction: transfer.DeviceToDevice, Pairs: out.BlocksToCopy}),
	}

	for _, j := range jobs {
		if err := j.Wait(ctx); err != nil {
			return fmt.Errorf("failed to transfer blocks: %w", err)
		}
	}

	return nil
}

// processGroup advances the group past one executed chunk and applies the
// sampled tokens and stop conditions.
func (e *Engine) processGroup(g *sequence.Group, tokenChunkSize int, samples map[int]int) {
	g.UpdateNumComputedTokens(tokenChunkSize)
	if g.IsPrefill() {
		// Mid-prompt chunk, nothing was sampled.
		return
	}

	for _, seq := range g.SeqsWithStatus(sequence.StatusRunning) {
		token, ok := samples[seq.ID()]
		if !ok {
			continue
		}

		seq.AppendToken(token)
		e.applyStopConditions(g, seq, token)
	}
}

func (e *Engine) applyStopConditions(g *sequence.Group, seq *sequence.Sequence, token int) {
	if !g.Sampling().IgnoreEOS && token == e.cfg.EOSTokenID {
		seq.SetStatus(sequence.StatusFinishedStopped)
		return
	}
	if seq.NumOutputTokens() >= g.Sampling().MaxTokens || seq.Len() >= e.cfg.Scheduler.MaxModelLen {
		seq.SetStatus(sequence.StatusFinishedLengthCapped)
	}
}

func (e *Engine) buildOutput(g *sequence.Group) *RequestOutput {
	out := &RequestOutput{
		RequestID: g.RequestID(),
		Finished:  g.IsFinished(),
	}

	for _, seq := range g.Seqs() {
		out.Outputs = append(out.Outputs, SequenceOutput{
			SeqID:        seq.ID(),
			TokenIDs:     seq.TokenIDs(),
			FinishReason: finishReason(seq.Status()),
		})
	}

	return out
}

func finishReason(s sequence.Status) string {
	switch s {
	case sequence.StatusFinishedStopped:
		return "stop"
	case sequence.StatusFinishedLengthCapped:
		return "length"
	case sequence.StatusFinishedAborted:
		return "abort"
	case sequence.StatusFinishedIgnored:
		return "ignored"
	default:
		return ""
	}
}

// Run starts the transfer pool and steps the engine until every submitted
// request finished or ctx is cancelled, returning the outputs of final
// steps.
func (e *Engine) Run(ctx context.Context) ([]*RequestOutput, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, poolCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return e.pool.Run(poolCtx)
	})

	if e.cfg.MetricsInterval > 0 {
		metrics.StartMetricsLogging(ctx, e.cfg.MetricsInterval)
	}

	logger := klog.FromContext(ctx).WithName("engine")

	var all []*RequestOutput
	var stepErr error
	for e.HasUnfinishedRequests() {
		if ctx.Err() != nil {
			stepErr = ctx.Err()
			break
		}

		outs, err := e.Step(ctx)
		if err != nil {
			stepErr = err
			break
		}

		for _, out := range outs {
			if out.Finished {
				logger.V(logging.DEBUG).Info("request finished", "requestID", out.RequestID)
				all = append(all, out)
			}
		}
	}

	cancel()
	if err := grp.Wait(); err != nil && stepErr == nil {
		stepErr = err
	}

	return all, stepErr
}
