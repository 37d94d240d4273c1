// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workload_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/workload"
	"github.com/containers/gpu-memmgr/pkg/memmgr"
	"github.com/containers/gpu-memmgr/pkg/memmgr/backend/sim"
	. "github.com/containers/gpu-memmgr/pkg/workload"
)

var (
	ctx = context.Background()
)

func newManager(t *testing.T, simOpts ...sim.Option) (*memmgr.Manager, *sim.Backend) {
	t.Helper()

	b, err := sim.New(simOpts...)
	require.NoError(t, err, "unexpected sim.New() error")

	m, err := memmgr.NewManager(b, memmgr.WithPoolChunkSize(1<<20))
	require.NoError(t, err, "unexpected NewManager() error")
	require.NoError(t, m.Init(), "unexpected Init() error")

	t.Cleanup(func() {
		require.NoError(t, m.Destroy(), "unexpected Destroy() error")
	})

	return m, b
}

func quantities(sizes ...string) []resource.Quantity {
	var q []resource.Quantity
	for _, s := range sizes {
		q = append(q, resource.MustParse(s))
	}
	return q
}

func TestInvalidConfig(t *testing.T) {
	m, _ := newManager(t)

	for _, tc := range []*struct {
		name string
		cfg  cfgapi.Config
	}{
		{
			name: "no sizes",
			cfg:  cfgapi.Config{},
		},
		{
			name: "zero size",
			cfg: cfgapi.Config{
				Sizes: quantities("4Ki", "0"),
			},
		},
		{
			name: "unknown common pool",
			cfg: cfgapi.Config{
				Sizes:       quantities("4Ki"),
				CommonPools: []string{"Scratch"},
			},
		},
		{
			name: "unavailable common pool",
			cfg: cfgapi.Config{
				Sizes:       quantities("4Ki"),
				CommonPools: []string{"ShadowDescriptorTable"},
			},
		},
		{
			name: "dedicated percentage",
			cfg: cfgapi.Config{
				Sizes:            quantities("4Ki"),
				DedicatedPercent: 101,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, err := New(m, &tc.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Nil(t, d)
		})
	}
}

func TestOperations(t *testing.T) {
	m, b := newManager(t)

	d, err := New(m, &cfgapi.Config{
		Operations:  500,
		Sizes:       quantities("4Ki", "64Ki", "256Ki"),
		MaxLive:     16,
		CommonPools: []string{"CpuVisible", "GpuReadOnlyCpuVisible"},
		Seed:        1,
	})
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 500, res.Operations)
	require.Equal(t, 500, res.Allocations+res.Failures+res.Frees)
	require.Zero(t, res.Failures, "unexpected allocation failures")
	require.Equal(t, res.Allocations, res.Frees+res.Released)
	require.LessOrEqual(t, res.PeakLive, 16)
	require.Positive(t, res.PeakLive)

	stats := m.Stats()
	require.Zero(t, stats.Allocations, "live allocations after run")
	require.Zero(t, stats.UsedBytes, "used bytes after run")
	require.Equal(t, uint64(res.Allocations), stats.Counters.Allocations)
	require.Equal(t, uint64(res.Allocations), stats.Counters.Frees)
	require.Equal(t, stats.Pools, b.Live(), "base allocations after run")
}

func TestDeterminism(t *testing.T) {
	run := func(seed uint64) Result {
		m, _ := newManager(t)
		d, err := New(m, &cfgapi.Config{
			Operations:       200,
			Sizes:            quantities("4Ki", "1Mi"),
			MaxLive:          8,
			DedicatedPercent: 25,
			Seed:             seed,
		})
		require.NoError(t, err)

		res, err := d.Run(ctx)
		require.NoError(t, err)
		res.Elapsed = 0
		return res
	}

	r1, r2 := run(42), run(42)
	require.Equal(t, r1, r2, "runs with the same seed")
	require.Positive(t, r1.Dedicated)
	require.Less(t, r1.Dedicated, r1.Allocations)
}

func TestDedicatedAllocations(t *testing.T) {
	m, b := newManager(t)

	d, err := New(m, &cfgapi.Config{
		Operations:       100,
		Sizes:            quantities("64Ki"),
		MaxLive:          4,
		DedicatedPercent: 100,
		Seed:             7,
	})
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, res.Allocations, res.Dedicated)
	require.Zero(t, m.Stats().DedicatedPools, "dedicated pools after run")
	require.Zero(t, b.Live(), "base allocations after run")
}

func TestOutOfMemory(t *testing.T) {
	m, _ := newManager(t,
		sim.WithHeap(memmgr.HeapLocal, 1<<20),
		sim.WithHeap(memmgr.HeapGartUswc, 0),
		sim.WithHeap(memmgr.HeapGartCacheable, 0),
	)

	d, err := New(m, &cfgapi.Config{
		Operations: 10,
		Sizes:      quantities("2Mi"),
		Seed:       3,
	})
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err, "running out of memory is not an error")
	require.Equal(t, 10, res.Failures)
	require.Zero(t, res.Allocations)
	require.Equal(t, uint64(10), m.Stats().Counters.Failures)
}

func TestDuration(t *testing.T) {
	m, _ := newManager(t)

	d, err := New(m, &cfgapi.Config{
		Duration: metav1.Duration{Duration: 50 * time.Millisecond},
		Rate:     1000,
		Sizes:    quantities("4Ki"),
		MaxLive:  8,
		Seed:     5,
	})
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err)
	require.Positive(t, res.Operations)
	require.LessOrEqual(t, res.PeakLive, 8)
	require.Zero(t, m.Stats().Allocations)
}

func TestCanceled(t *testing.T) {
	m, _ := newManager(t)

	d, err := New(m, &cfgapi.Config{
		Sizes: quantities("4Ki"),
		Seed:  9,
	})
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	res, err := d.Run(canceled)
	require.NoError(t, err)
	require.Zero(t, res.Operations)
}
