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

package sequence

import "sync/atomic"

var seqCounter atomic.Int64

// NextSeqID returns a process-unique sequence id.
func NextSeqID() int {
	return int(seqCounter.Add(1) - 1)
}

// Sequence is one token stream of a generation request: the prompt plus the
// tokens generated so far. A sequence owns exactly one block table while it
// is alive; the table itself lives in the block-space manager.
type Sequence struct {
	id              int
	status          Status
	tokenIDs        []int
	numPromptTokens int
	// numComputedTokens counts the prefix of tokenIDs whose KV entries have
	// been computed by the model executor. It trails len(tokenIDs) during
	// chunked prefill and decode.
	numComputedTokens int
}

// NewSequence creates a waiting sequence over a copy of the prompt tokens.
func NewSequence(promptTokenIDs []int) *Sequence {
	tokens := make([]int, len(promptTokenIDs))
	copy(tokens, promptTokenIDs)

	return &Sequence{
		id:              NextSeqID(),
		status:          StatusWaiting,
		tokenIDs:        tokens,
		numPromptTokens: len(tokens),
	}
}

// ID returns the sequence id.
func (s *Sequence) ID() int { return s.id }

// Status returns the lifecycle state.
func (s *Sequence) Status() Status { return s.status }

// SetStatus transitions the lifecycle state.
func (s *Sequence) SetStatus(status Status) { s.status = status }

// IsFinished reports whether the sequence reached a terminal state.
func (s *Sequence) IsFinished() bool { return s.status.IsFinished() }

// TokenIDs returns the prompt plus generated tokens. Callers must not
// mutate the returned slice.
func (s *Sequence) TokenIDs() []int { return s.tokenIDs }

// Len returns the total number of tokens, prompt included.
func (s *Sequence) Len() int { return len(s.tokenIDs) }

// NumPromptTokens returns the prompt length.
func (s *Sequence) NumPromptTokens() int { return s.numPromptTokens }

// NumOutputTokens returns the number of generated tokens.
func (s *Sequence) NumOutputTokens() int { return len(s.tokenIDs) - s.numPromptTokens }

// LastToken returns the most recent token id.
func (s *Sequence) LastToken() int { return s.tokenIDs[len(s.tokenIDs)-1] }

// NumComputedTokens returns how many leading tokens have computed KV entries.
func (s *Sequence) NumComputedTokens() int { return s.numComputedTokens }

// NumUncomputedTokens returns how many tokens still need a forward pass.
// During prefill this is the remaining prompt chunk; during decode it is 1.
func (s *Sequence) NumUncomputedTokens() int { return len(s.tokenIDs) - s.numComputedTokens }

// IsPrefill reports whether prompt tokens are still uncomputed.
func (s *Sequence) IsPrefill() bool { return s.numComputedTokens < s.numPromptTokens }

// AdvanceComputedTokens records that numTokens more tokens were computed.
func (s *Sequence) AdvanceComputedTokens(numTokens int) {
	s.numComputedTokens += numTokens
	if s.numComputedTokens > len(s.tokenIDs) {
		panic("sequence: computed tokens exceed sequence length")
	}
}

// ResetForRecompute rewinds the computed-token counter after a
// preemption-by-recompute, so the whole sequence is prefilled again.
func (s *Sequence) ResetForRecompute() {
	s.numComputedTokens = 0
}

// AppendToken appends one generated token.
func (s *Sequence) AppendToken(tokenID int) {
	s.tokenIDs = append(s.tokenIDs, tokenID)
}

// Fork returns a copy of the sequence with a fresh id, sharing no mutable
// state. Block-table duplication is the block-space manager's job.
func (s *Sequence) Fork() *Sequence {
	tokens := make([]int, len(s.tokenIDs))
	copy(tokens, s.tokenIDs)

	return &Sequence{
		id:                NextSeqID(),
		status:            s.status,
		tokenIDs:          tokens,
		numPromptTokens:   s.numPromptTokens,
		numComputedTokens: s.numComputedTokens,
	}
}
