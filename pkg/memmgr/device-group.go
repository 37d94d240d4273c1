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

package memmgr

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// deviceGroupMemory is one base allocation replicated across the devices
// of a device group. Construction is all or nothing.
type deviceGroupMemory struct {
	devices    DeviceMask
	persistent bool
	size       uint64
	mem        [MaxDevices]Memory
	gpuVA      [MaxDevices]uint64
	cpuAddr    [MaxDevices]uintptr
	mapCount   [MaxDevices]int
}

func newDeviceGroupMemory(b Backend, devices DeviceMask, info *MemoryCreateInfo, persistent bool) (*deviceGroupMemory, error) {
	g := &deviceGroupMemory{
		devices:    devices,
		persistent: persistent,
		size:       info.Size,
	}

	var err error
	devices.Foreach(func(id DeviceID) bool {
		mem, e := b.CreateMemory(id, info)
		if e != nil {
			err = fmt.Errorf("failed to create %s memory on device #%d: %w",
				prettySize(info.Size), id, classifyError(e))
			return false
		}
		g.mem[id] = mem
		g.gpuVA[id] = b.VirtualAddress(mem)

		if persistent {
			addr, e := b.Map(mem)
			if e != nil {
				err = fmt.Errorf("failed to map memory on device #%d: %w", id, classifyError(e))
				return false
			}
			g.cpuAddr[id] = addr
			g.mapCount[id] = 1
		}
		return true
	})

	if err != nil {
		if e := g.destroy(b); e != nil {
			log.Error("failed to clean up partially created memory: %v", e)
		}
		return nil, err
	}

	return g, nil
}

// memory returns the backend memory object of the given device.
func (g *deviceGroupMemory) memory(id DeviceID) Memory {
	if !g.devices.Contains(id) {
		return nil
	}
	return g.mem[id]
}

// mapDevice returns the CPU address of the memory on the given device,
// mapping it if necessary.
func (g *deviceGroupMemory) mapDevice(b Backend, id DeviceID) (uintptr, error) {
	if !g.devices.Contains(id) || g.mem[id] == nil {
		return 0, fmt.Errorf("%w: #%d not in %s", ErrInvalidDevice, id, g.devices)
	}
	if g.persistent {
		return g.cpuAddr[id], nil
	}

	if g.mapCount[id] == 0 {
		addr, err := b.Map(g.mem[id])
		if err != nil {
			return 0, fmt.Errorf("failed to map memory on device #%d: %w", id, err)
		}
		g.cpuAddr[id] = addr
	}
	g.mapCount[id]++

	return g.cpuAddr[id], nil
}

// unmapDevice drops a mapping of the memory on the given device. It is a
// no-op for persistently mapped memory.
func (g *deviceGroupMemory) unmapDevice(b Backend, id DeviceID) error {
	if !g.devices.Contains(id) || g.mem[id] == nil {
		return fmt.Errorf("%w: #%d not in %s", ErrInvalidDevice, id, g.devices)
	}
	if g.persistent {
		return nil
	}
	if g.mapCount[id] == 0 {
		return fmt.Errorf("%w: device #%d", ErrNotMapped, id)
	}

	g.mapCount[id]--
	if g.mapCount[id] > 0 {
		return nil
	}

	g.cpuAddr[id] = 0
	if err := b.Unmap(g.mem[id]); err != nil {
		return fmt.Errorf("failed to unmap memory on device #%d: %w", id, err)
	}

	return nil
}

// destroy unmaps and destroys the memory on all devices.
func (g *deviceGroupMemory) destroy(b Backend) error {
	var errs *multierror.Error

	for id := range g.mem {
		mem := g.mem[id]
		if mem == nil {
			continue
		}
		if g.mapCount[id] > 0 {
			if err := b.Unmap(mem); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("device #%d: unmap: %w", id, err))
			}
		}
		if err := b.DestroyMemory(mem); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device #%d: destroy: %w", id, err))
		}
		g.mem[id] = nil
		g.gpuVA[id] = 0
		g.cpuAddr[id] = 0
		g.mapCount[id] = 0
	}

	return errs.ErrorOrNil()
}

// classifyError makes sure backend errors report an out-of-memory class.
func classifyError(err error) error {
	if errors.Is(err, ErrOutOfDeviceMemory) || errors.Is(err, ErrOutOfHostMemory) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOutOfDeviceMemory, err)
}
