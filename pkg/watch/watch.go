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

package watch

import (
	k8swatch "k8s.io/apimachinery/pkg/watch"

	logger "github.com/containers/gpu-memmgr/pkg/log"
)

// EventType is the type of a watch event.
type EventType = k8swatch.EventType

const (
	// Added is sent when the watched object is created or updated.
	Added = k8swatch.Added
	// Deleted is sent when the watched object is removed.
	Deleted = k8swatch.Deleted
	// Error is sent when the watch fails.
	Error = k8swatch.Error
)

// Event is a single watch event. Object is the zero value for Deleted
// and Error events.
type Event[T any] struct {
	Type   EventType
	Object T
	Err    error
}

// Interface is a watch which delivers events until stopped.
type Interface[T any] interface {
	// Stop stops the watch, closing its result channel.
	Stop()
	// ResultChan returns the channel for receiving events.
	ResultChan() <-chan Event[T]
}

var (
	log = logger.Get("watch")
)
