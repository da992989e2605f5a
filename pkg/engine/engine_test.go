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

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/engine"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
)

func testConfig() *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.BlockSpace.BlockSize = 4
	cfg.BlockSpace.NumGPUBlocks = 64
	cfg.BlockSpace.NumCPUBlocks = 16
	cfg.BlockSpace.Watermark = 0
	cfg.Scheduler.MaxNumBatchedTokens = 64
	cfg.Scheduler.MaxNumSeqs = 8
	cfg.Scheduler.MaxModelLen = 64
	cfg.Scheduler.EnableChunkedPrefill = true
	cfg.MetricsInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg *engine.Config) *engine.Engine {
	t.Helper()
	e, err := engine.New(t.Context(), cfg, engine.NewStubExecutor(cfg.Executor))
	require.NoError(t, err)
	return e
}

func promptRange(start, n int) []int {
	prompt := make([]int, n)
	for i := range prompt {
		prompt[i] = start + i
	}
	return prompt
}

func TestEngineGeneratesDeterministically(t *testing.T) {
	e := newTestEngine(t, testConfig())

	sampling := sequence.DefaultSamplingParams()
	sampling.MaxTokens = 4
	sampling.IgnoreEOS = true
	require.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-0",
		PromptTokenIDs: promptRange(10, 8),
		Sampling:       sampling,
	}))

	outputs, err := e.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.True(t, outputs[0].Finished)

	out := outputs[0].Outputs[0]
	assert.Equal(t, "length", out.FinishReason)
	// The stub samples last+1: prompt ends at 17, so 18, 19, 20, 21.
	assert.Equal(t, append(promptRange(10, 8), 18, 19, 20, 21), out.TokenIDs)
}

func TestEngineManyRequestsAllFinish(t *testing.T) {
	e := newTestEngine(t, testConfig())

	for i := 0; i < 6; i++ {
		sampling := sequence.DefaultSamplingParams()
		sampling.MaxTokens = 3
		sampling.IgnoreEOS = true
		require.NoError(t, e.AddRequest(&engine.Request{
			RequestID:      string(rune('a' + i)),
			PromptTokenIDs: promptRange(i*5, 10),
			Sampling:       sampling,
		}))
	}

	outputs, err := e.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, outputs, 6)
	for _, out := range outputs {
		assert.True(t, out.Finished)
		assert.Len(t, out.Outputs[0].TokenIDs, 13)
	}
	assert.False(t, e.HasUnfinishedRequests())
}

func TestEngineStopsOnEOS(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg)

	// The prompt ends one token before EOS, so the first sample stops it.
	prompt := promptRange(0, 7)
	prompt = append(prompt, cfg.EOSTokenID-1)
	sampling := sequence.DefaultSamplingParams()
	sampling.MaxTokens = 16
	require.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-eos",
		PromptTokenIDs: prompt,
		Sampling:       sampling,
	}))

	outputs, err := e.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	out := outputs[0].Outputs[0]
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, cfg.EOSTokenID, out.TokenIDs[len(out.TokenIDs)-1])
	assert.Len(t, out.TokenIDs, 9)
}

func TestEngineParallelSampling(t *testing.T) {
	e := newTestEngine(t, testConfig())

	sampling := sequence.DefaultSamplingParams()
	sampling.N = 2
	sampling.MaxTokens = 2
	sampling.IgnoreEOS = true
	require.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-n2",
		PromptTokenIDs: promptRange(30, 8),
		Sampling:       sampling,
	}))

	outputs, err := e.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Len(t, outputs[0].Outputs, 2)
	for _, seqOut := range outputs[0].Outputs {
		assert.Equal(t, "length", seqOut.FinishReason)
		assert.Len(t, seqOut.TokenIDs, 10)
	}
}

func TestEngineAbort(t *testing.T) {
	e := newTestEngine(t, testConfig())

	require.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-abort",
		PromptTokenIDs: promptRange(0, 8),
	}))
	require.True(t, e.HasUnfinishedRequests())

	e.Abort("req-abort")
	assert.False(t, e.HasUnfinishedRequests())

	// The id is free for reuse afterwards.
	assert.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-abort",
		PromptTokenIDs: promptRange(0, 8),
	}))
}

func TestEngineRejectsBadRequests(t *testing.T) {
	e := newTestEngine(t, testConfig())

	assert.Error(t, e.AddRequest(&engine.Request{RequestID: "", PromptTokenIDs: []int{1}}))
	assert.Error(t, e.AddRequest(&engine.Request{RequestID: "empty"}))

	require.NoError(t, e.AddRequest(&engine.Request{RequestID: "dup", PromptTokenIDs: []int{1}}))
	assert.Error(t, e.AddRequest(&engine.Request{RequestID: "dup", PromptTokenIDs: []int{2}}))
}

func TestEngineIgnoresOversizedPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxModelLen = 16
	e := newTestEngine(t, cfg)

	require.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-long",
		PromptTokenIDs: promptRange(0, 20),
	}))

	outputs, err := e.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Finished)
	assert.Equal(t, "ignored", outputs[0].Outputs[0].FinishReason)
}

func TestEngineVirtualEnginesShardRequests(t *testing.T) {
	cfg := testConfig()
	cfg.NumVirtualEngines = 2
	e := newTestEngine(t, cfg)

	for i := 0; i < 4; i++ {
		sampling := sequence.DefaultSamplingParams()
		sampling.MaxTokens = 2
		sampling.IgnoreEOS = true
		require.NoError(t, e.AddRequest(&engine.Request{
			RequestID:      string(rune('a' + i)),
			PromptTokenIDs: promptRange(i, 8),
			Sampling:       sampling,
		}))
	}

	outputs, err := e.Run(t.Context())
	require.NoError(t, err)
	assert.Len(t, outputs, 4)
}

func TestEngineDerivesDeviceBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSpace.NumGPUBlocks = 0
	cfg.BlockBytes = 1 << 20
	cfg.Executor.DeviceMemory = 64 << 20

	e := newTestEngine(t, cfg)
	require.NoError(t, e.AddRequest(&engine.Request{
		RequestID:      "req-0",
		PromptTokenIDs: promptRange(0, 8),
	}))
	_, err := e.Run(t.Context())
	assert.NoError(t, err)
}
