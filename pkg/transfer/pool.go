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

package transfer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/utils/logging"
)

const defaultWorkers = 4

// Job tracks one submitted copy request through the pool.
type Job struct {
	req  Request
	done chan error
}

// Wait blocks until the copy completed or ctx expires.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("transfer: waiting for %s copy: %w", j.req.Direction, ctx.Err())
	}
}

// Pool runs block copies on a fixed set of workers fed by a work queue.
// The engine submits the step's swap and copy-on-write batches, overlaps
// them with metadata assembly, and waits before executing the model.
//
// Copy failures are not retried: a half-applied block copy leaves the
// cache inconsistent, so the error is surfaced to the engine, which
// treats it as fatal.
type Pool struct {
	copier  Copier
	workers int
	queue   workqueue.TypedInterface[*Job]
}

// NewPool creates a pool over the given copier. workers <= 0 selects the
// default.
func NewPool(copier Copier, workers int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &Pool{
		copier:  copier,
		workers: workers,
		queue:   workqueue.NewTyped[*Job](),
	}
}

// Submit enqueues a copy request. Empty requests complete immediately
// without touching the queue.
func (p *Pool) Submit(req Request) *Job {
	j := &Job{req: req, done: make(chan error, 1)}
	if len(req.Pairs) == 0 {
		j.done <- nil
		return j
	}

	p.queue.Add(j)
	return j
}

// Run processes jobs until ctx is cancelled, then drains and returns.
func (p *Pool) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("transfer-pool")
	logger.V(logging.DEBUG).Info("starting copy workers", "workers", p.workers)

	go func() {
		<-ctx.Done()
		p.queue.ShutDown()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.runWorker(ctx)
		})
	}

	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context) error {
	for {
		j, shutdown := p.queue.Get()
		if shutdown {
			return nil
		}

		err := p.copier.Copy(ctx, j.req)
		p.queue.Done(j)
		j.done <- err
	}
}
