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
	"github.com/llm-d/llm-d-kv-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
)

// ScheduledGroup is one group admitted into the current step, with the
// number of tokens the executor should process for it.
type ScheduledGroup struct {
	Group *sequence.Group
	// TokenChunkSize is the whole remaining prompt or one chunk of it
	// during prefill, and one token per running sequence during decode.
	TokenChunkSize int
}

// SeqData is the executor-facing snapshot of one sequence.
type SeqData struct {
	TokenIDs          []int `json:"tokenIDs"`
	NumPromptTokens   int   `json:"numPromptTokens"`
	NumComputedTokens int   `json:"numComputedTokens"`
}

// GroupMetadata carries everything the model executor needs to run one
// scheduled group: token state and physical block placement per sequence.
type GroupMetadata struct {
	RequestID string `json:"requestID"`
	// IsPrompt marks prefill work; the executor runs the prompt attention
	// kernel instead of single-token decode.
	IsPrompt          bool                     `json:"isPrompt"`
	SeqData           map[int]*SeqData         `json:"seqData"`
	BlockTables       map[int][]int            `json:"blockTables"`
	CrossBlockTable   []int                    `json:"crossBlockTable,omitempty"`
	Sampling          *sequence.SamplingParams `json:"sampling"`
	TokenChunkSize    int                      `json:"tokenChunkSize"`
	NumLookaheadSlots int                      `json:"numLookaheadSlots"`
}

// Output is the result of one Schedule call. ScheduledGroups lists
// prefills before decodes so the executor can split the batch with a
// single index.
type Output struct {
	ScheduledGroups  []ScheduledGroup
	NumPrefillGroups int
	NumBatchedTokens int

	// Block copies the cache-transfer collaborator must perform before the
	// step executes.
	BlocksToSwapIn  []kvblock.CopyPair
	BlocksToSwapOut []kvblock.CopyPair
	BlocksToCopy    []kvblock.CopyPair

	// IgnoredGroups were permanently rejected during this call.
	IgnoredGroups []*sequence.Group
	// NumPreempted counts groups evicted from RUNNING during this call.
	NumPreempted int

	// Metadata mirrors ScheduledGroups entry by entry.
	Metadata []*GroupMetadata
}

// IsEmpty reports whether the step has no work and no block transfers.
func (o *Output) IsEmpty() bool {
	return len(o.ScheduledGroups) == 0 &&
		len(o.BlocksToSwapIn) == 0 &&
		len(o.BlocksToSwapOut) == 0 &&
		len(o.BlocksToCopy) == 0
}
