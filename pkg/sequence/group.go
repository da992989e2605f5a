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

import "time"

// Group is the request-level scheduling unit: one or more sequences that
// share a prompt lineage (parallel samples) plus the request metadata the
// scheduler needs for admission and fairness decisions.
type Group struct {
	requestID   string
	seqs        []*Sequence
	sampling    *SamplingParams
	arrivalTime time.Time
	priority    int

	// encoderSeq is set for encoder-decoder models; its KV entries live in a
	// cross-attention block table managed per request, not per sequence.
	encoderSeq *Sequence
}

// NewGroup creates a group over the given sequences.
func NewGroup(requestID string, seqs []*Sequence, sampling *SamplingParams, arrivalTime time.Time) *Group {
	if sampling == nil {
		sampling = DefaultSamplingParams()
	}

	return &Group{
		requestID:   requestID,
		seqs:        seqs,
		sampling:    sampling,
		arrivalTime: arrivalTime,
	}
}

// RequestID returns the caller-supplied request identifier.
func (g *Group) RequestID() string { return g.requestID }

// Seqs returns all sequences of the group.
func (g *Group) Seqs() []*Sequence { return g.seqs }

// SeqsWithStatus returns the sequences currently in the given state.
func (g *Group) SeqsWithStatus(status Status) []*Sequence {
	var out []*Sequence
	for _, seq := range g.seqs {
		if seq.Status() == status {
			out = append(out, seq)
		}
	}

	return out
}

// AddSeq appends a forked sequence to the group.
func (g *Group) AddSeq(seq *Sequence) { g.seqs = append(g.seqs, seq) }

// Sampling returns the request's sampling parameters.
func (g *Group) Sampling() *SamplingParams { return g.sampling }

// ArrivalTime returns when the request entered the system.
func (g *Group) ArrivalTime() time.Time { return g.arrivalTime }

// Priority returns the scheduling priority; higher runs first under the
// priority preemption policy.
func (g *Group) Priority() int { return g.priority }

// SetPriority sets the scheduling priority.
func (g *Group) SetPriority(p int) { g.priority = p }

// EncoderSeq returns the encoder sequence, or nil for decoder-only models.
func (g *Group) EncoderSeq() *Sequence { return g.encoderSeq }

// SetEncoderSeq attaches an encoder sequence for encoder-decoder models.
func (g *Group) SetEncoderSeq(seq *Sequence) { g.encoderSeq = seq }

// IsEncoderDecoder reports whether the group carries an encoder sequence.
func (g *Group) IsEncoderDecoder() bool { return g.encoderSeq != nil }

// IsPrefill reports whether the group still has uncomputed prompt tokens.
func (g *Group) IsPrefill() bool {
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			return seq.IsPrefill()
		}
	}

	return false
}

// IsFinished reports whether every sequence reached a terminal state.
func (g *Group) IsFinished() bool {
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			return false
		}
	}

	return true
}

// NumUncomputedTokens sums the uncomputed tokens over unfinished sequences.
// During prefill the sequences share the prompt, so only the first one
// counts; during decode every unfinished sequence contributes its next
// token.
func (g *Group) NumUncomputedTokens() int {
	if g.IsPrefill() {
		for _, seq := range g.seqs {
			if !seq.IsFinished() {
				return seq.NumUncomputedTokens()
			}
		}
		return 0
	}

	total := 0
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			total += seq.NumUncomputedTokens()
		}
	}

	return total
}

// MaxNumRunningSeqs returns the largest number of sequences that can run
// concurrently for this group, used for sequence-budget accounting.
func (g *Group) MaxNumRunningSeqs() int {
	if g.IsPrefill() {
		return g.sampling.N
	}

	running := 0
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			running++
		}
	}

	return running
}

// UpdateNumComputedTokens advances the computed-token counters after the
// executor processed a chunk of tokenChunkSize tokens. Prefill chunks
// advance the shared prompt; decode steps advance each running sequence.
func (g *Group) UpdateNumComputedTokens(tokenChunkSize int) {
	if g.IsPrefill() {
		for _, seq := range g.seqs {
			if !seq.IsFinished() {
				seq.AdvanceComputedTokens(tokenChunkSize)
			}
		}
		return
	}

	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		seq.AdvanceComputedTokens(seq.NumUncomputedTokens())
	}
}

// SetStatus transitions every unfinished sequence of the group.
func (g *Group) SetStatus(status Status) {
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			seq.SetStatus(status)
		}
	}
}
