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

package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/workload"
	"github.com/containers/gpu-memmgr/pkg/instrumentation/tracing"
	logger "github.com/containers/gpu-memmgr/pkg/log"
	"github.com/containers/gpu-memmgr/pkg/memmgr"
)

const (
	// DefaultMaxLive is the live allocation limit if none is configured.
	DefaultMaxLive = 256
)

var (
	// ErrInvalidConfig is returned for unusable workload configuration.
	ErrInvalidConfig = errors.New("workload: invalid configuration")

	log = logger.Get("workload")
)

// Result summarizes a workload run.
type Result struct {
	// Operations is the number of executed operations.
	Operations int
	// Allocations is the number of successful allocations.
	Allocations int
	// Dedicated is the number of successful dedicated allocations.
	Dedicated int
	// Failures is the number of allocations failing for lack of memory.
	Failures int
	// Frees is the number of frees performed as workload operations.
	Frees int
	// Released is the number of allocations freed at the end of the run.
	Released int
	// PeakLive is the highest number of simultaneously live allocations.
	PeakLive int
	// Elapsed is the duration of the run.
	Elapsed time.Duration
}

// String returns a summary of the result.
func (r Result) String() string {
	return fmt.Sprintf("%d operations in %s: %d allocations (%d dedicated), %d failures, %d frees, %d released, peak %d live",
		r.Operations, r.Elapsed.Round(time.Millisecond), r.Allocations, r.Dedicated,
		r.Failures, r.Frees, r.Released, r.PeakLive)
}

// Driver runs a pseudo-random allocate/free workload against a manager.
type Driver struct {
	mgr     *memmgr.Manager
	cfg     cfgapi.Config
	sizes   []uint64
	pools   []memmgr.CommonPoolID
	maxLive int
	limiter *rate.Limiter
	rnd     *rand.Rand
	live    []memmgr.Allocation
}

// New creates a workload driver for the manager. The manager must be
// initialized, and every configured common pool must be available.
func New(mgr *memmgr.Manager, cfg *cfgapi.Config) (*Driver, error) {
	d := &Driver{
		mgr:     mgr,
		cfg:     *cfg,
		maxLive: cfg.MaxLive,
	}

	if len(cfg.Sizes) == 0 {
		return nil, fmt.Errorf("%w: no allocation sizes", ErrInvalidConfig)
	}
	for _, q := range cfg.Sizes {
		size := q.Value()
		if size <= 0 {
			return nil, fmt.Errorf("%w: invalid allocation size %s", ErrInvalidConfig, q.String())
		}
		d.sizes = append(d.sizes, uint64(size))
	}

	names := cfg.CommonPools
	if len(names) == 0 {
		names = []string{memmgr.PoolCpuVisible.String()}
	}
	for _, name := range names {
		id, err := memmgr.ParseCommonPoolID(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if _, err := mgr.CommonPool(id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		d.pools = append(d.pools, id)
	}

	if p := cfg.DedicatedPercent; p < 0 || p > 100 {
		return nil, fmt.Errorf("%w: dedicated percentage %d", ErrInvalidConfig, p)
	}
	if d.maxLive <= 0 {
		d.maxLive = DefaultMaxLive
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	d.limiter = rate.NewLimiter(limit, max(cfg.Burst, 1))

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	d.rnd = rand.New(rand.NewPCG(seed, seed>>32|seed<<32))

	log.Info("workload: %d operations, rate %v, sizes %v, pools %v, seed %d",
		cfg.Operations, limit, cfg.Sizes, d.pools, seed)

	return d, nil
}

// Run runs the workload until the configured number of operations is
// done, the configured duration expires, or ctx is canceled. Allocations
// still live at the end are freed. Only unexpected allocation errors are
// returned; running out of memory is counted as a failure.
func (d *Driver) Run(ctx context.Context) (res Result, retErr error) {
	if d.cfg.Duration.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Duration.Duration)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "workload.Run",
		tracing.WithAttributes(
			tracing.Attribute("operations", d.cfg.Operations),
		),
	)

	start := time.Now()
	defer func() {
		res.Released = d.release()
		res.Elapsed = time.Since(start)
		span.SetAttributes(
			tracing.Attribute("allocations", res.Allocations),
			tracing.Attribute("failures", res.Failures),
		)
		span.End(tracing.WithStatus(retErr))
	}()

	for d.cfg.Operations == 0 || res.Operations < d.cfg.Operations {
		if err := d.limiter.Wait(ctx); err != nil {
			log.Debug("workload stopped: %v", err)
			break
		}
		if err := d.step(ctx, span, &res); err != nil {
			return res, err
		}
		res.Operations++
		res.PeakLive = max(res.PeakLive, len(d.live))
	}

	return res, nil
}

func (d *Driver) step(ctx context.Context, span *tracing.Span, res *Result) error {
	if n := len(d.live); n >= d.maxLive || (n > 0 && d.rnd.IntN(2) == 0) {
		d.free(d.rnd.IntN(n))
		res.Frees++
		return nil
	}

	id := d.pools[d.rnd.IntN(len(d.pools))]
	info, err := d.mgr.CommonPool(id)
	if err != nil {
		return fmt.Errorf("workload: common pool %s: %w", id, err)
	}

	info.Size = d.sizes[d.rnd.IntN(len(d.sizes))]
	dedicated := d.rnd.IntN(100) < d.cfg.DedicatedPercent
	if dedicated {
		info.Flags = info.Flags.Set(memmgr.FlagNoSuballocation)
		info.Pool = memmgr.PoolRef{}
	}

	a, err := d.mgr.Allocate(ctx, &info)
	if err != nil {
		if errors.Is(err, memmgr.ErrOutOfDeviceMemory) {
			log.Debug("allocation of %s failed: %v", &info, err)
			span.AddEvent("out-of-memory",
				tracing.Attribute("pool", id),
				tracing.Attribute("size", info.Size),
				tracing.Attribute("dedicated", dedicated),
			)
			res.Failures++
			return nil
		}
		return fmt.Errorf("workload: allocation of %s failed: %w", &info, err)
	}

	d.live = append(d.live, a)
	res.Allocations++
	if dedicated {
		res.Dedicated++
	}
	return nil
}

func (d *Driver) free(idx int) {
	last := len(d.live) - 1
	a := d.live[idx]
	d.live[idx] = d.live[last]
	d.live = d.live[:last]
	d.mgr.Free(a)
}

func (d *Driver) release() int {
	cnt := len(d.live)
	for _, a := range d.live {
		d.mgr.Free(a)
	}
	d.live = nil
	return cnt
}
