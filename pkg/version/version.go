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

// Package version carries the version and build identifiers stamped into
// binaries at link time, for instance with
//
//	-ldflags "-X github.com/containers/gpu-memmgr/pkg/version.Version=v0.1.0"
package version

var (
	// Version is the release version.
	Version = "unknown"
	// Build is the VCS revision of the build.
	Build = "unknown"
)
