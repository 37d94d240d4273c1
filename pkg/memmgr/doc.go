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

// Package memmgr implements a device-scoped GPU memory sub-allocation
// manager.
//
// Drivers need many small, short or long lived pieces of GPU memory for
// their own internal use. Creating a backend allocation for each of them
// is slow and wastes address space, so the manager makes a few large base
// allocations and carves them up with a buddy allocator.
//
// Requests are routed by their pool properties (create flags, VA range and
// heap preference) to a pool list. Each pool in a list holds one base
// allocation, replicated across the devices of the device group, and a
// sub-allocator over it. Pools are searched first-fit in creation order; a
// new pool is appended when none of them has room. Requests which must not
// be sub-allocated get a dedicated base allocation of their own.
//
// A handful of common pools are resolved once at initialization. Their
// create info carries a pool reference which lets allocations skip the
// property key lookup. References are generation-checked and never
// dereferenced once the manager has been torn down and re-initialized.
//
// All manager state, including backend calls made on its behalf, is
// guarded by a single lock per manager.
package memmgr
