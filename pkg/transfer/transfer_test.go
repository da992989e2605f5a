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

package transfer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/transfer"
)

func TestMemoryCopierRoundTrip(t *testing.T) {
	c, err := transfer.NewMemoryCopier(4, 4, 8)
	require.NoError(t, err)

	copy(c.DeviceBlock(1), []byte("deadbeef"))

	// Swap out, overwrite the device block, swap back in.
	err = c.Copy(t.Context(), transfer.Request{
		Direction: transfer.DeviceToHost,
		Pairs:     []kvblock.CopyPair{{Src: 1, Dst: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef"), c.HostBlock(3))

	copy(c.DeviceBlock(1), []byte("xxxxxxxx"))
	err = c.Copy(t.Context(), transfer.Request{
		Direction: transfer.HostToDevice,
		Pairs:     []kvblock.CopyPair{{Src: 3, Dst: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef"), c.DeviceBlock(1))
}

func TestMemoryCopierOnDeviceCopy(t *testing.T) {
	c, err := transfer.NewMemoryCopier(4, 0, 4)
	require.NoError(t, err)

	copy(c.DeviceBlock(0), []byte("abcd"))
	err = c.Copy(t.Context(), transfer.Request{
		Direction: transfer.DeviceToDevice,
		Pairs:     []kvblock.CopyPair{{Src: 0, Dst: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), c.DeviceBlock(2))
}

func TestMemoryCopierRejectsOutOfRange(t *testing.T) {
	c, err := transfer.NewMemoryCopier(2, 2, 4)
	require.NoError(t, err)

	err = c.Copy(t.Context(), transfer.Request{
		Direction: transfer.DeviceToHost,
		Pairs:     []kvblock.CopyPair{{Src: 5, Dst: 0}},
	})
	assert.Error(t, err)
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	c, err := transfer.NewMemoryCopier(8, 8, 4)
	require.NoError(t, err)
	copy(c.DeviceBlock(0), []byte("wxyz"))

	pool := transfer.NewPool(c, 2)
	ctx, cancel := context.WithCancel(t.Context())
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(runCtx) })

	job := pool.Submit(transfer.Request{
		Direction: transfer.DeviceToHost,
		Pairs:     []kvblock.CopyPair{{Src: 0, Dst: 7}},
	})
	require.NoError(t, job.Wait(ctx))
	assert.Equal(t, []byte("wxyz"), c.HostBlock(7))

	cancel()
	require.NoError(t, g.Wait())
}

func TestPoolEmptyRequestCompletesImmediately(t *testing.T) {
	c, err := transfer.NewMemoryCopier(2, 2, 4)
	require.NoError(t, err)

	// No worker is running; an empty batch must not block.
	pool := transfer.NewPool(c, 1)
	job := pool.Submit(transfer.Request{Direction: transfer.DeviceToDevice})
	assert.NoError(t, job.Wait(t.Context()))
}
