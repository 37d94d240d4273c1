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

package sim_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	simcfg "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/sim"
	"github.com/containers/gpu-memmgr/pkg/memmgr"
	. "github.com/containers/gpu-memmgr/pkg/memmgr/backend/sim"
)

const (
	MiB = uint64(1) << 20
)

func TestProperties(t *testing.T) {
	visible := false
	b, err := New(WithConfig(&simcfg.Config{
		Devices:               2,
		ShadowDescriptorTable: true,
		Heaps: []simcfg.HeapConfig{
			{Heap: "Local", Size: resource.MustParse("0")},
			{Heap: "GartUswc", Size: resource.MustParse("16Mi"), CPUVisible: &visible},
		},
	}))
	require.NoError(t, err)

	props := b.Properties()
	require.Equal(t, 2, props.Devices)
	require.True(t, props.ShadowDescriptorTable)

	_, ok := props.Heap(memmgr.HeapLocal)
	require.False(t, ok, "zero sized heap is not present")

	uswc, ok := props.Heap(memmgr.HeapGartUswc)
	require.True(t, ok)
	require.Equal(t, 16*MiB, uswc.Size)
	require.False(t, uswc.CPUVisible)

	_, err = New(WithDevices(memmgr.MaxDevices + 1))
	require.Error(t, err)

	_, err = New(WithConfig(&simcfg.Config{Heaps: []simcfg.HeapConfig{{Heap: "VRAM"}}}))
	require.ErrorIs(t, err, memmgr.ErrInvalidHeap)
}

func TestCreateMemoryPlacement(t *testing.T) {
	b, err := New(
		WithHeap(memmgr.HeapLocal, 4*MiB),
		WithHeap(memmgr.HeapGartCacheable, 8*MiB),
	)
	require.NoError(t, err)

	info := &memmgr.MemoryCreateInfo{
		Size:  4 * MiB,
		Heaps: []memmgr.Heap{memmgr.HeapLocal, memmgr.HeapGartCacheable},
	}

	m1, err := b.CreateMemory(0, info)
	require.NoError(t, err)
	require.Equal(t, memmgr.HeapLocal, m1.Heap())

	m2, err := b.CreateMemory(0, info)
	require.NoError(t, err)
	require.Equal(t, memmgr.HeapGartCacheable, m2.Heap(), "falls back to next heap")

	m3, err := b.CreateMemory(0, info)
	require.NoError(t, err)
	require.Equal(t, memmgr.HeapGartCacheable, m3.Heap())

	_, err = b.CreateMemory(0, info)
	require.ErrorIs(t, err, memmgr.ErrOutOfDeviceMemory)

	require.Equal(t, 4*MiB, b.Used(0, memmgr.HeapLocal))
	require.Equal(t, 8*MiB, b.Used(0, memmgr.HeapGartCacheable))
	require.Equal(t, 3, b.Live())

	require.NoError(t, b.DestroyMemory(m1))
	require.Error(t, b.DestroyMemory(m1), "double destroy")
	require.Equal(t, uint64(0), b.Used(0, memmgr.HeapLocal))
	require.Equal(t, 2, b.Live())
	require.Equal(t, 3, b.Created())
	require.Equal(t, 1, b.Destroyed())

	_, err = b.CreateMemory(1, info)
	require.ErrorIs(t, err, memmgr.ErrInvalidDevice)
}

func TestVirtualAddresses(t *testing.T) {
	b, err := New(WithDevices(2))
	require.NoError(t, err)

	info := &memmgr.MemoryCreateInfo{
		Size:      100,
		Alignment: 2 * MiB,
		Heaps:     []memmgr.Heap{memmgr.HeapGartCacheable},
	}

	var vas []uint64
	for dev := 0; dev < 2; dev++ {
		for i := 0; i < 2; i++ {
			mem, err := b.CreateMemory(dev, info)
			require.NoError(t, err)
			va := b.VirtualAddress(mem)
			require.Equal(t, uint64(0), va%(2*MiB), "VA %#x alignment", va)
			require.NotContains(t, vas, va)
			vas = append(vas, va)
		}
	}

	info.VaRange = memmgr.VaRangeShadowDescriptorTable
	_, err = b.CreateMemory(0, info)
	require.ErrorIs(t, err, ErrInvalidVa)
}

func TestMapUnmap(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	visible, err := b.CreateMemory(0, &memmgr.MemoryCreateInfo{
		Size:  1 * MiB,
		Heaps: []memmgr.Heap{memmgr.HeapGartUswc},
	})
	require.NoError(t, err)

	invisible, err := b.CreateMemory(0, &memmgr.MemoryCreateInfo{
		Size:  1 * MiB,
		Heaps: []memmgr.Heap{memmgr.HeapInvisible},
	})
	require.NoError(t, err)

	_, err = b.Map(invisible)
	require.ErrorIs(t, err, ErrNotMappable)

	a1, err := b.Map(visible)
	require.NoError(t, err)
	require.NotZero(t, a1)
	a2, err := b.Map(visible)
	require.NoError(t, err)
	require.Equal(t, a1, a2, "mappings are shared")
	require.Equal(t, 1, b.Mapped())

	host := b.HostBytes(visible)
	require.Len(t, host, int(1*MiB))
	host[0] = 0xa5

	require.NoError(t, b.Unmap(visible))
	require.Equal(t, 1, b.Mapped())
	require.NoError(t, b.Unmap(visible))
	require.Equal(t, 0, b.Mapped())
	require.ErrorIs(t, b.Unmap(visible), memmgr.ErrNotMapped)

	b.FailMap(1)
	_, err = b.Map(visible)
	require.ErrorIs(t, err, memmgr.ErrOutOfHostMemory)
	_, err = b.Map(visible)
	require.NoError(t, err)
	require.NoError(t, b.DestroyMemory(visible), "destroy unmaps")
	require.Equal(t, 0, b.Mapped())
}

func TestBind(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	mem, err := b.CreateMemory(0, &memmgr.MemoryCreateInfo{
		Size:  1 * MiB,
		Heaps: []memmgr.Heap{memmgr.HeapLocal},
	})
	require.NoError(t, err)

	res := &Resource{Size: 4096}
	require.NoError(t, b.Bind(res, mem, 8192))
	binding, ok := res.Binding(0)
	require.True(t, ok)
	require.Equal(t, uint64(8192), binding.Offset)
	require.Same(t, mem, binding.Memory)

	require.ErrorIs(t, b.Bind(res, mem, 1*MiB), ErrBindTooSmall)

	b.FailBind(1)
	require.ErrorIs(t, b.Bind(res, mem, 0), ErrInjected)
	require.NoError(t, b.Bind(res, mem, 0))
}
