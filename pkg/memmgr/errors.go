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

import "fmt"

var (
	ErrFailedOption         = fmt.Errorf("memmgr: failed to apply option")
	ErrOutOfHostMemory      = fmt.Errorf("memmgr: out of host memory")
	ErrOutOfDeviceMemory    = fmt.Errorf("memmgr: out of device memory")
	ErrInitializationFailed = fmt.Errorf("memmgr: initialization failed")
	ErrBindFailed           = fmt.Errorf("memmgr: failed to bind memory")
	ErrNotInitialized       = fmt.Errorf("memmgr: manager not initialized")
	ErrInvalidRequest       = fmt.Errorf("memmgr: invalid allocation request")
	ErrInvalidHeap          = fmt.Errorf("memmgr: invalid heap")
	ErrInvalidVaRange       = fmt.Errorf("memmgr: invalid VA range")
	ErrInvalidFlags         = fmt.Errorf("memmgr: invalid create flags")
	ErrInvalidDevice        = fmt.Errorf("memmgr: invalid device")
	ErrInvalidPoolRef       = fmt.Errorf("memmgr: invalid pool reference")
	ErrStalePoolRef         = fmt.Errorf("memmgr: stale pool reference")
	ErrPoolMismatch         = fmt.Errorf("memmgr: pool properties mismatch")
	ErrPoolUnavailable      = fmt.Errorf("memmgr: pool unavailable")
	ErrInvalidAllocation    = fmt.Errorf("memmgr: invalid allocation")
	ErrNotMapped            = fmt.Errorf("memmgr: memory not mapped")
)
