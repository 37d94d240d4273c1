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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/gpu-memmgr/pkg/log"
)

// CheckFn reports the health of a component, with details if it is not
// healthy.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	// Healthy means fully functional.
	Healthy Status = iota
	// Degraded means functional with reduced capacity or performance.
	Degraded
	// NonFunctional means not functional.
	NonFunctional
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("%%!(healthz:Bad-Status %d)", int(s))
}

// Registry is a set of named health checkers.
type Registry struct {
	lock     sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

var (
	log = logger.NewLogger("health-check")

	defaultRegistry = NewRegistry()
)

// NewRegistry creates a new health checker registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: map[string]CheckFn{},
	}
}

// Register registers the given health checker function.
func (r *Registry) Register(name string, fn CheckFn) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, conflict := r.checkers[name]; conflict {
		return fmt.Errorf("health checker %q already registered", name)
	}

	r.checkers[name] = fn
	r.sorted = append(r.sorted, name)
	sort.Strings(r.sorted)

	return nil
}

// Check runs all checkers. It returns the worst reported status and the
// details reported by unhealthy checkers.
func (r *Registry) Check() (Status, map[string]error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	status := Healthy
	details := map[string]error{}

	for _, name := range r.sorted {
		s, err := r.checkers[name]()
		if s == Healthy {
			continue
		}
		status = max(status, s)
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Error("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

// ServeHTTP serves the result of a health check.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := r.Check()

	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	body := &strings.Builder{}
	fmt.Fprintf(body, "%s\n", status)
	for _, name := range names {
		fmt.Fprintf(body, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(body.String())); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// Setup prepares the given HTTP request multiplexer for serving healthz
// from the default registry.
func Setup(mux *http.ServeMux) {
	mux.Handle("/healthz", defaultRegistry)
}

// RegisterHealthChecker registers the given health checker function with
// the default registry. It panics if the name is already taken.
func RegisterHealthChecker(name string, fn CheckFn) {
	if err := defaultRegistry.Register(name, fn); err != nil {
		panic(err)
	}
}
