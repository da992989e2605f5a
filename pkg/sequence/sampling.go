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

// SamplingParams holds the per-request sampling configuration that the
// scheduler and output processor need. Kernel-level sampling knobs live with
// the model executor.
type SamplingParams struct {
	// N is the number of parallel samples generated for the request.
	N int `json:"n" yaml:"n"`
	// Temperature is carried verbatim to the model executor.
	Temperature float64 `json:"temperature" yaml:"temperature"`
	// MaxTokens caps the number of generated tokens per sequence.
	MaxTokens int `json:"maxTokens" yaml:"maxTokens"`
	// IgnoreEOS keeps a sequence running past the end-of-sequence token.
	IgnoreEOS bool `json:"ignoreEOS" yaml:"ignoreEOS"`
}

// DefaultSamplingParams returns a single greedy sample capped at 16 tokens.
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{
		N:           1,
		Temperature: 1.0,
		MaxTokens:   16,
	}
}
