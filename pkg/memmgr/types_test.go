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

package memmgr_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/gpu-memmgr/pkg/memmgr"
)

func TestHeapParsing(t *testing.T) {
	for _, tc := range []*struct {
		name  string
		input string
		heap  Heap
		fail  bool
	}{
		{name: "local", input: "Local", heap: HeapLocal},
		{name: "lowercase", input: "gartuswc", heap: HeapGartUswc},
		{name: "mixed case", input: "GARTCacheable", heap: HeapGartCacheable},
		{name: "invisible", input: "Invisible", heap: HeapInvisible},
		{name: "unknown", input: "VRAM", fail: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, err := ParseHeap(tc.input)
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidHeap)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.heap, h)
		})
	}

	require.Equal(t, "%!(memmgr:Bad-Heap 7)", Heap(7).String())
}

func TestHeapList(t *testing.T) {
	l, err := NewHeapList(HeapGartUswc, HeapLocal)
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())
	require.Equal(t, []Heap{HeapGartUswc, HeapLocal}, l.Heaps())
	require.True(t, l.Contains(HeapLocal))
	require.False(t, l.Contains(HeapInvisible))
	require.Equal(t, "[GartUswc,Local]", l.String())

	require.Equal(t, MustHeapList(HeapLocal), l.Without(HeapGartUswc))
	require.Equal(t, l, l.Without(HeapInvisible))
	require.Equal(t, 0, l.Filter(func(Heap) bool { return false }).Len())

	other := MustHeapList(HeapGartUswc, HeapLocal)
	require.True(t, l == other, "heap lists are comparable")
	require.False(t, l == MustHeapList(HeapLocal, HeapGartUswc), "heap order matters")

	_, err = NewHeapList(HeapLocal, HeapLocal)
	require.ErrorIs(t, err, ErrInvalidHeap)
	_, err = NewHeapList(HeapLocal, HeapInvisible, HeapGartUswc, HeapGartCacheable, HeapLocal)
	require.ErrorIs(t, err, ErrInvalidHeap)

	parsed, err := ParseHeapList("Local", " GartCacheable ")
	require.NoError(t, err)
	require.Equal(t, MustHeapList(HeapLocal, HeapGartCacheable), parsed)

	data, err := json.Marshal(parsed)
	require.NoError(t, err)
	require.Equal(t, `["Local","GartCacheable"]`, string(data))

	var decoded HeapList
	require.NoError(t, json.Unmarshal([]byte(`["Invisible", 0]`), &decoded))
	require.Equal(t, MustHeapList(HeapInvisible, HeapLocal), decoded)
	require.Error(t, json.Unmarshal([]byte(`["Local","Local"]`), &decoded))
	require.Error(t, json.Unmarshal([]byte(`[42]`), &decoded))
}

func TestCreateFlags(t *testing.T) {
	f := CreateFlags(0)
	require.Equal(t, "none", f.String())

	f = f.Set(FlagReadOnly | FlagNoSuballocation)
	require.True(t, f.ReadOnly())
	require.False(t, f.PersistentMapped())
	require.True(t, f.NoSuballocation())
	require.Equal(t, "read-only|no-suballocation", f.String())
	require.NoError(t, f.Validate())

	f = f.Clear(FlagNoSuballocation)
	require.Equal(t, FlagReadOnly, f)

	bad := CreateFlags(1 << 9)
	require.ErrorIs(t, bad.Validate(), ErrInvalidFlags)
	require.Equal(t, "0x200", bad.String())
}

func TestDeviceMask(t *testing.T) {
	m := NewDeviceMask(2, 0)
	require.Equal(t, 2, m.Size())
	require.True(t, m.Contains(0, 2))
	require.False(t, m.Contains(1))
	require.False(t, m.Contains(-1))
	require.Equal(t, []DeviceID{0, 2}, m.Slice())
	require.Equal(t, "devices{0,2}", m.String())
	require.True(t, m.IsValid())

	require.Equal(t, NewDeviceMask(0, 1, 2), AllDevices(3))
	require.Equal(t, AllDevices(MaxDevices), AllDevices(MaxDevices+3))
	require.Equal(t, DeviceMask(0), AllDevices(0))
	require.False(t, DeviceMask(0).IsValid())
	require.False(t, NewDeviceMask(MaxDevices).IsValid())

	visited := []DeviceID{}
	AllDevices(4).Foreach(func(id DeviceID) bool {
		visited = append(visited, id)
		return id < 1
	})
	require.Equal(t, []DeviceID{0, 1}, visited)
}

func TestHumanReadableSize(t *testing.T) {
	for _, tc := range []*struct {
		size   uint64
		result string
	}{
		{0, "0"},
		{1000, "1000"},
		{1024, "1k"},
		{1536, "1.5k"},
		{64 << 20, "64M"},
		{3<<20 + 5, "3M"},
		{1 << 30, "1G"},
	} {
		require.Equal(t, tc.result, HumanReadableSize(tc.size), "size %d", tc.size)
	}
}

func TestPoolProperties(t *testing.T) {
	p, err := NewPoolProperties(FlagPersistentMapped, VaRangeDescriptorTable, HeapLocal)
	require.NoError(t, err)
	require.Equal(t, "<flags persistent-mapped, VA range DescriptorTable, heaps [Local]>", p.String())

	_, err = NewPoolProperties(0, VaRange(5), HeapLocal)
	require.ErrorIs(t, err, ErrInvalidVaRange)
	_, err = NewPoolProperties(0, VaRangeDefault)
	require.ErrorIs(t, err, ErrInvalidHeap)
	require.Panics(t, func() { MustPoolProperties(CreateFlags(1<<8), VaRangeDefault, HeapLocal) })

	ci := &CreateInfo{
		Size:    4096,
		VaRange: VaRangeDescriptorTable,
		Heaps:   []Heap{HeapLocal},
		Flags:   FlagPersistentMapped,
	}
	props, err := ci.Validate()
	require.NoError(t, err)
	require.Equal(t, p, props)

	r, err := ParseVaRange("shadowdescriptortable")
	require.NoError(t, err)
	require.Equal(t, VaRangeShadowDescriptorTable, r)
	_, err = ParseVaRange("Kernel")
	require.ErrorIs(t, err, ErrInvalidVaRange)
}

func TestCommonPoolIDs(t *testing.T) {
	for id := CommonPoolID(0); id < CommonPoolCount; id++ {
		parsed, err := ParseCommonPoolID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}

	id, err := ParseCommonPoolID("cpuvisible")
	require.NoError(t, err)
	require.Equal(t, PoolCpuVisible, id)

	_, err = ParseCommonPoolID("Scratch")
	require.ErrorIs(t, err, ErrPoolUnavailable)
	require.False(t, CommonPoolID(-1).IsValid())
}
