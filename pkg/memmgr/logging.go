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
	"fmt"

	logger "github.com/containers/gpu-memmgr/pkg/log"
)

var (
	log     = logger.Get("memmgr")
	details = logger.Get("memmgr-details")
)

// DumpConfig logs the configuration of the manager.
func (m *Manager) DumpConfig(context ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.dumpConfig(context...)
}

// DumpState logs the pools of the manager if details are enabled.
func (m *Manager) DumpState(context ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.dumpState(context...)
}

func (m *Manager) dumpConfig(context ...interface{}) {
	prefix := formatPrefix(context...)

	log.Info("%sGPU memory manager configuration", prefix)
	log.Info("%s  device group: %s", prefix, m.devices)
	log.Info("%s  pool chunk size: %s, minimum block size: %s", prefix,
		prettySize(m.chunkSize), prettySize(m.minBlock))
	if m.maxLists > 0 {
		log.Info("%s  pool list limit: %d", prefix, m.maxLists)
	}

	for _, hp := range m.props.Heaps {
		visibility := "CPU-invisible"
		if hp.CPUVisible {
			visibility = "CPU-visible"
		}
		log.Info("%s  heap %s: %s, %s", prefix, hp.Heap, prettySize(hp.Size), visibility)
	}

	for id := CommonPoolID(0); id < CommonPoolCount; id++ {
		c := &m.common[id]
		if !c.available {
			log.Info("%s  common pool %s: not available", prefix, id)
			continue
		}
		log.Info("%s  common pool %s: %s %s", prefix, id, c.props, c.ref)
	}
}

func (m *Manager) dumpState(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	if m.reg == nil {
		details.Debug("%smanager not initialized", prefix)
		return
	}

	s := m.stats()
	details.Debug("%s%d pool lists, %d pools, %d dedicated pools, %s/%s used by %d allocations",
		prefix, s.PoolLists, s.Pools, s.DedicatedPools, prettySize(s.UsedBytes),
		prettySize(s.BaseBytes), s.Allocations)

	m.reg.foreach(func(l *PoolList) bool {
		details.Debug("%s  pool list #%d %s:", prefix, l.index, l.props)
		if l.Len() == 0 {
			details.Debug("%s    no pools", prefix)
		}
		l.ForeachPool(func(p *Pool) bool {
			details.Debug("%s    - %s", prefix, p)
			return true
		})
		return true
	})

	for p := range m.dedicated {
		details.Debug("%s  %s %s", prefix, p, p.props)
	}
}

func formatPrefix(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!memmgr:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
