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

// Package scheduler decides, each engine step, which requests run, which
// wait, and which get preempted, under a token budget and a sequence
// budget.
package scheduler

import "fmt"

// PreemptionMode selects how a victim group vacates device memory.
type PreemptionMode string

const (
	// PreemptionAuto picks recompute for single-sequence groups and swap
	// for multi-sequence groups.
	PreemptionAuto PreemptionMode = ""
	// PreemptionRecompute discards the victim's blocks and prefills it
	// again on re-admission.
	PreemptionRecompute PreemptionMode = "recompute"
	// PreemptionSwap copies the victim's blocks to host memory.
	PreemptionSwap PreemptionMode = "swap"
)

// Policy orders the queues and selects preemption victims.
type Policy string

const (
	// PolicyFCFS serves queues in arrival order and preempts the most
	// recently admitted group first.
	PolicyFCFS Policy = "fcfs"
	// PolicyPriority serves higher-priority groups first and preempts the
	// lowest-priority group first.
	PolicyPriority Policy = "priority"
)

// Config holds the scheduler configuration.
type Config struct {
	// MaxNumBatchedTokens is the per-step token budget across all
	// scheduled groups.
	MaxNumBatchedTokens int `json:"maxNumBatchedTokens" yaml:"maxNumBatchedTokens"`
	// MaxNumSeqs is the per-step budget of concurrently running sequences.
	MaxNumSeqs int `json:"maxNumSeqs" yaml:"maxNumSeqs"`
	// MaxModelLen caps the total length of a sequence; longer prompts are
	// permanently rejected.
	MaxModelLen int `json:"maxModelLen" yaml:"maxModelLen"`
	// EnableChunkedPrefill lets a long prompt be prefilled across several
	// steps, interleaved with decodes.
	EnableChunkedPrefill bool `json:"enableChunkedPrefill" yaml:"enableChunkedPrefill"`
	// NumLookaheadSlots reserves extra slots per sequence per step for
	// speculative decoding.
	NumLookaheadSlots int `json:"numLookaheadSlots" yaml:"numLookaheadSlots"`

	PreemptionMode PreemptionMode `json:"preemptionMode" yaml:"preemptionMode"`
	Policy         Policy         `json:"policy" yaml:"policy"`
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		MaxModelLen:         4096,
		Policy:              PolicyFCFS,
	}
}

func (c *Config) validate() error {
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("scheduler: token budget must be positive, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("scheduler: sequence budget must be positive, got %d", c.MaxNumSeqs)
	}
	if c.MaxModelLen <= 0 {
		return fmt.Errorf("scheduler: max model length must be positive, got %d", c.MaxModelLen)
	}
	if c.NumLookaheadSlots < 0 {
		return fmt.Errorf("scheduler: lookahead slots must be non-negative, got %d", c.NumLookaheadSlots)
	}
	switch c.PreemptionMode {
	case PreemptionAuto, PreemptionRecompute, PreemptionSwap:
	default:
		return fmt.Errorf("scheduler: unknown preemption mode %q", c.PreemptionMode)
	}
	switch c.Policy {
	case PolicyFCFS, PolicyPriority:
	case "":
		c.Policy = PolicyFCFS
	default:
		return fmt.Errorf("scheduler: unknown policy %q", c.Policy)
	}

	return nil
}
