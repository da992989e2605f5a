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
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/blockspace"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/scheduler"
)

// Config holds the engine configuration.
type Config struct {
	Scheduler  *scheduler.Config  `json:"scheduler" yaml:"scheduler"`
	BlockSpace *blockspace.Config `json:"blockSpace" yaml:"blockSpace"`

	// BlockBytes is the device-memory footprint of one KV block. It sizes
	// the device arena when NumGPUBlocks is left zero.
	BlockBytes int `json:"blockBytes" yaml:"blockBytes"`
	// SwapSpace sizes the host tier from a human-readable quantity such as
	// "4 GiB". It overrides NumCPUBlocks when set, bounded by half the
	// machine's available memory.
	SwapSpace string `json:"swapSpace" yaml:"swapSpace"`

	// NumVirtualEngines shards requests over independent scheduler and
	// block-space pairs, one per pipeline stage.
	NumVirtualEngines  int `json:"numVirtualEngines" yaml:"numVirtualEngines"`
	NumTransferWorkers int `json:"numTransferWorkers" yaml:"numTransferWorkers"`

	// EOSTokenID finishes a sequence when sampled, unless the request opts
	// out.
	EOSTokenID int `json:"eosTokenID" yaml:"eosTokenID"`

	MetricsInterval time.Duration `json:"metricsInterval" yaml:"metricsInterval"`

	Executor *StubExecutorConfig `json:"executor" yaml:"executor"`
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler:          scheduler.DefaultConfig(),
		BlockSpace:         blockspace.DefaultConfig(),
		BlockBytes:         16 << 10,
		NumVirtualEngines:  1,
		NumTransferWorkers: 4,
		EOSTokenID:         2,
		MetricsInterval:    time.Minute,
		Executor:           DefaultStubExecutorConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler == nil || c.BlockSpace == nil {
		return fmt.Errorf("engine: scheduler and block-space configs are required")
	}
	if c.BlockBytes <= 0 {
		return fmt.Errorf("engine: block bytes must be positive, got %d", c.BlockBytes)
	}
	if c.NumVirtualEngines <= 0 {
		c.NumVirtualEngines = 1
	}

	return nil
}

// resolveBlockCounts derives arena sizes that were left zero: the device
// arena from the executor's reported memory, the host arena from the
// configured swap space bounded by the machine's available memory.
func (c *Config) resolveBlockCounts(ctx context.Context, executor ModelExecutor) error {
	if c.BlockSpace.NumGPUBlocks == 0 {
		deviceBytes, err := executor.AvailableDeviceMemory(ctx)
		if err != nil {
			return fmt.Errorf("failed to determine device memory: %w", err)
		}
		c.BlockSpace.NumGPUBlocks = int(deviceBytes) / c.BlockBytes
		if c.BlockSpace.NumGPUBlocks == 0 {
			return fmt.Errorf("engine: device memory %s holds no %s blocks",
				humanize.IBytes(deviceBytes), humanize.IBytes(uint64(c.BlockBytes)))
		}
	}

	if c.SwapSpace != "" {
		swapBytes, err := humanize.ParseBytes(c.SwapSpace)
		if err != nil {
			return fmt.Errorf("failed to parse swap space %q: %w", c.SwapSpace, err)
		}

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to probe host memory: %w", err)
		}
		if limit := vm.Available / 2; swapBytes > limit {
			swapBytes = limit
		}

		c.BlockSpace.NumCPUBlocks = int(swapBytes) / c.BlockBytes
	}

	return nil
}
