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

// Package transfer performs the physical block copies the scheduler
// requests each step: swap-out, swap-in, and copy-on-write duplication.
package transfer

import (
	"context"
	"fmt"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/kvblock"
)

// Direction identifies which tiers a copy crosses.
type Direction int

const (
	// DeviceToHost backs a swap-out.
	DeviceToHost Direction = iota
	// HostToDevice backs a swap-in.
	HostToDevice
	// DeviceToDevice backs a copy-on-write duplication.
	DeviceToDevice
)

func (d Direction) String() string {
	switch d {
	case DeviceToHost:
		return "device-to-host"
	case HostToDevice:
		return "host-to-device"
	case DeviceToDevice:
		return "device-to-device"
	default:
		return "unknown"
	}
}

// Request is one batch of same-direction copies.
type Request struct {
	Direction Direction
	Pairs     []kvblock.CopyPair
}

// Copier performs physical block copies. Implementations wrap whatever
// moves the bytes: a CUDA memcpy binding, an RDMA transport, or host
// memory for tests.
type Copier interface {
	Copy(ctx context.Context, req Request) error
}

// MemoryCopier is the host-memory reference implementation: both tiers
// are plain byte arenas. It stands in for a device binding in tests and
// in the stub engine.
type MemoryCopier struct {
	device [][]byte
	host   [][]byte
}

var _ Copier = &MemoryCopier{}

// NewMemoryCopier builds byte arenas for both tiers.
func NewMemoryCopier(numDeviceBlocks, numHostBlocks, blockBytes int) (*MemoryCopier, error) {
	if numDeviceBlocks <= 0 || blockBytes <= 0 {
		return nil, fmt.Errorf("transfer: arena needs positive dimensions, got %d blocks of %d bytes",
			numDeviceBlocks, blockBytes)
	}

	alloc := func(n int) [][]byte {
		blocks := make([][]byte, n)
		for i := range blocks {
			blocks[i] = make([]byte, blockBytes)
		}
		return blocks
	}

	return &MemoryCopier{
		device: alloc(numDeviceBlocks),
		host:   alloc(numHostBlocks),
	}, nil
}

// Copy moves the requested blocks between arenas.
func (c *MemoryCopier) Copy(_ context.Context, req Request) error {
	var src, dst [][]byte
	switch req.Direction {
	case DeviceToHost:
		src, dst = c.device, c.host
	case HostToDevice:
		src, dst = c.host, c.device
	case DeviceToDevice:
		src, dst = c.device, c.device
	default:
		return fmt.Errorf("transfer: unknown direction %d", req.Direction)
	}

	for _, p := range req.Pairs {
		if p.Src < 0 || p.Src >= len(src) || p.Dst < 0 || p.Dst >= len(dst) {
			return fmt.Errorf("transfer: %s copy (%d, %d) out of range", req.Direction, p.Src, p.Dst)
		}
		copy(dst[p.Dst], src[p.Src])
	}

	return nil
}

// DeviceBlock exposes a device block's bytes for test assertions.
func (c *MemoryCopier) DeviceBlock(id int) []byte { return c.device[id] }

// HostBlock exposes a host block's bytes for test assertions.
func (c *MemoryCopier) HostBlock(id int) []byte { return c.host[id] }
