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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
)

func TestSequenceLifecycle(t *testing.T) {
	seq := sequence.NewSequence([]int{1, 2, 3, 4})

	assert.Equal(t, sequence.StatusWaiting, seq.Status())
	assert.False(t, seq.IsFinished())
	assert.Equal(t, 4, seq.NumPromptTokens())
	assert.Equal(t, 4, seq.Len())
	assert.True(t, seq.IsPrefill())
	assert.Equal(t, 4, seq.NumUncomputedTokens())

	seq.SetStatus(sequence.StatusRunning)
	seq.AdvanceComputedTokens(4)
	assert.False(t, seq.IsPrefill())
	assert.Equal(t, 0, seq.NumUncomputedTokens())

	seq.AppendToken(9)
	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 1, seq.NumOutputTokens())
	assert.Equal(t, 9, seq.LastToken())
	assert.Equal(t, 1, seq.NumUncomputedTokens())
	assert.False(t, seq.IsPrefill())

	seq.SetStatus(sequence.StatusFinishedStopped)
	assert.True(t, seq.IsFinished())
}

func TestSequenceChunkedPrefillProgress(t *testing.T) {
	seq := sequence.NewSequence(make([]int, 10))

	seq.AdvanceComputedTokens(4)
	assert.True(t, seq.IsPrefill())
	assert.Equal(t, 6, seq.NumUncomputedTokens())

	seq.AdvanceComputedTokens(6)
	assert.False(t, seq.IsPrefill())
}

func TestSequenceResetForRecompute(t *testing.T) {
	seq := sequence.NewSequence([]int{1, 2, 3})
	seq.AdvanceComputedTokens(3)
	seq.AppendToken(4)

	seq.ResetForRecompute()
	assert.Equal(t, 0, seq.NumComputedTokens())
	assert.True(t, seq.IsPrefill())
	// Generated tokens are kept; they get recomputed as prompt.
	assert.Equal(t, 4, seq.Len())
}

func TestSequenceForkIsIndependent(t *testing.T) {
	seq := sequence.NewSequence([]int{1, 2})
	seq.AdvanceComputedTokens(2)

	fork := seq.Fork()
	assert.NotEqual(t, seq.ID(), fork.ID())
	assert.Equal(t, seq.NumComputedTokens(), fork.NumComputedTokens())

	fork.AppendToken(7)
	assert.Equal(t, 2, seq.Len())
	assert.Equal(t, 3, fork.Len())
}

func TestSequencePromptIsCopied(t *testing.T) {
	prompt := []int{1, 2, 3}
	seq := sequence.NewSequence(prompt)
	prompt[0] = 99

	require.Equal(t, []int{1, 2, 3}, seq.TokenIDs())
}

func TestStatusIsFinished(t *testing.T) {
	finished := []sequence.Status{
		sequence.StatusFinishedStopped,
		sequence.StatusFinishedLengthCapped,
		sequence.StatusFinishedAborted,
		sequence.StatusFinishedIgnored,
	}
	for _, s := range finished {
		assert.True(t, s.IsFinished(), s.String())
	}

	for _, s := range []sequence.Status{sequence.StatusWaiting, sequence.StatusRunning, sequence.StatusSwapped} {
		assert.False(t, s.IsFinished(), s.String())
	}
}
