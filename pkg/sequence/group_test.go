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

package sequence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
)

func newTestGroup(promptLen, n int) *sequence.Group {
	seq := sequence.NewSequence(make([]int, promptLen))
	seqs := []*sequence.Sequence{seq}
	for i := 1; i < n; i++ {
		seqs = append(seqs, seq.Fork())
	}

	sampling := sequence.DefaultSamplingParams()
	sampling.N = n

	return sequence.NewGroup("req-0", seqs, sampling, time.Now())
}

func TestGroupPrefillAccounting(t *testing.T) {
	g := newTestGroup(10, 1)

	assert.True(t, g.IsPrefill())
	assert.Equal(t, 10, g.NumUncomputedTokens())
	assert.Equal(t, 1, g.MaxNumRunningSeqs())

	g.SetStatus(sequence.StatusRunning)
	g.UpdateNumComputedTokens(4)
	assert.True(t, g.IsPrefill())
	assert.Equal(t, 6, g.NumUncomputedTokens())

	g.UpdateNumComputedTokens(6)
	assert.False(t, g.IsPrefill())
}

func TestGroupParallelSamplesSharePrompt(t *testing.T) {
	g := newTestGroup(8, 2)

	// During prefill the prompt is counted once, not per sample.
	assert.Equal(t, 8, g.NumUncomputedTokens())
	assert.Equal(t, 2, g.MaxNumRunningSeqs())

	g.SetStatus(sequence.StatusRunning)
	g.UpdateNumComputedTokens(8)
	assert.False(t, g.IsPrefill())

	// Decode advances every sample.
	for _, seq := range g.Seqs() {
		seq.AppendToken(5)
	}
	assert.Equal(t, 2, g.NumUncomputedTokens())
}

func TestGroupDecodeCountsUnfinishedOnly(t *testing.T) {
	g := newTestGroup(4, 2)
	g.SetStatus(sequence.StatusRunning)
	g.UpdateNumComputedTokens(4)
	for _, seq := range g.Seqs() {
		seq.AppendToken(1)
	}

	g.Seqs()[0].SetStatus(sequence.StatusFinishedStopped)
	assert.Equal(t, 1, g.NumUncomputedTokens())
	assert.Equal(t, 1, g.MaxNumRunningSeqs())
	assert.False(t, g.IsFinished())

	g.Seqs()[1].SetStatus(sequence.StatusFinishedLengthCapped)
	assert.True(t, g.IsFinished())
}

func TestGroupSetStatusSkipsFinished(t *testing.T) {
	g := newTestGroup(4, 2)
	g.Seqs()[0].SetStatus(sequence.StatusFinishedAborted)

	g.SetStatus(sequence.StatusRunning)
	assert.Equal(t, sequence.StatusFinishedAborted, g.Seqs()[0].Status())
	assert.Equal(t, sequence.StatusRunning, g.Seqs()[1].Status())
}

func TestGroupDefaultSampling(t *testing.T) {
	seq := sequence.NewSequence([]int{1})
	g := sequence.NewGroup("req-1", []*sequence.Sequence{seq}, nil, time.Now())

	assert.Equal(t, 1, g.Sampling().N)
	assert.Equal(t, "req-1", g.RequestID())
}
