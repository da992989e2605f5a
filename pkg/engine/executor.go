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

package engine

import (
	"context"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/scheduler"
)

// ModelExecutor is the model-runner surface the engine drives. The
// production implementation wraps an accelerator runtime; StubExecutor
// stands in for it in tests and in the demo binary.
type ModelExecutor interface {
	// AvailableDeviceMemory returns the bytes of device memory left for
	// the KV cache after model weights and activations.
	AvailableDeviceMemory(ctx context.Context) (uint64, error)
	// ExecuteModel runs one forward pass over the scheduled batch and
	// returns one sampled token per sequence that produced one. Prefill
	// chunks that do not finish their prompt produce no token.
	ExecuteModel(ctx context.Context, batch []*scheduler.GroupMetadata) (map[int]int, error)
}

// StubExecutorConfig holds the configuration of the stand-in executor.
type StubExecutorConfig struct {
	// DeviceMemory is the reported KV-cache capacity in bytes.
	DeviceMemory uint64 `json:"deviceMemory" yaml:"deviceMemory"`
	VocabSize    int    `json:"vocabSize" yaml:"vocabSize"`
	EOSTokenID   int    `json:"eosTokenID" yaml:"eosTokenID"`
}

// DefaultStubExecutorConfig returns a config for a small deterministic
// executor.
func DefaultStubExecutorConfig() *StubExecutorConfig {
	return &StubExecutorConfig{
		DeviceMemory: 64 << 20,
		VocabSize:    32000,
		EOSTokenID:   2,
	}
}

// StubExecutor emulates a model deterministically: each sequence's next
// token is its last token plus one, modulo the vocabulary. It exercises
// the full scheduling and block-accounting machinery without a device.
type StubExecutor struct {
	cfg *StubExecutorConfig
}

var _ ModelExecutor = &StubExecutor{}

// NewStubExecutor creates a stub executor.
func NewStubExecutor(cfg *StubExecutorConfig) *StubExecutor {
	if cfg == nil {
		cfg = DefaultStubExecutorConfig()
	}
	return &StubExecutor{cfg: cfg}
}

// AvailableDeviceMemory reports the configured capacity.
func (e *StubExecutor) AvailableDeviceMemory(context.Context) (uint64, error) {
	return e.cfg.DeviceMemory, nil
}

// ExecuteModel samples one token for every sequence in a decode group or
// a prompt-completing prefill group.
func (e *StubExecutor) ExecuteModel(_ context.Context, batch []*scheduler.GroupMetadata) (map[int]int, error) {
	samples := make(map[int]int)

	for _, md := range batch {
		if md.IsPrompt {
			// A chunk that leaves prompt tokens uncomputed samples nothing.
			var sd *scheduler.SeqData
			for _, s := range md.SeqData {
				sd = s
				break
			}
			if sd == nil || sd.NumComputedTokens+md.TokenChunkSize < sd.NumPromptTokens {
				continue
			}
		}

		for seqID, sd := range md.SeqData {
			last := sd.TokenIDs[len(sd.TokenIDs)-1]
			samples[seqID] = (last + 1) % e.cfg.VocabSize
		}
	}

	return samples, nil
}
