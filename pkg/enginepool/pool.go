package enginepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
)

// Strategy selects how Acquire behaves when the free-handle queue is
// currently empty.
type Strategy string

const (
	// StrategyExisting waits for a free handle; only once the wait times
	// out does it grow the pool (if under max_size).
	StrategyExisting Strategy = "existing"
	// StrategyDynamic grows the pool immediately when under max_size,
	// before ever waiting on the free queue.
	StrategyDynamic Strategy = "dynamic"
)

// Factory constructs and tears down the engine-specific handle a Pool
// manages. Implementations wrap a concrete engine (pkg/engine) bound to a
// device.
type Factory interface {
	NewHandle(ctx context.Context, device Device) (any, error)
	DestroyHandle(handle any) error
	// HealthCheck probes a handle cheaply (e.g. encode a dummy tensor).
	// Implementations that don't support probing may return nil always.
	HealthCheck(handle any) error
}

// Config governs pool sizing. MinSize/MaxSize are normalized by New per
// spec.md's max_size normalization rules.
type Config struct {
	MinSize              int
	MaxSize              int
	GPUCount             int
	MaxInstancesPerGPU    int
	CPUOnly              bool
	CPUThreads           int
	InitializeWithMaxSize bool
	AcquireTimeout       time.Duration
}

// handle pairs the opaque engine handle with the device it was created on,
// so Destroy/HealthCheck callers never need to re-derive placement.
type handle struct {
	device Device
	native any
}

// Pool is the Model Pool: a bounded collection of engine handles allocated
// across devices, acquired/released through a FIFO free-handle channel.
//
// current_size is protected by sizeMu; growth and shrink during Resize are
// serialized by resizeMu so concurrent Acquire-triggered growth can never
// overshoot max_size.
type Pool struct {
	factory Factory
	logger  *logging.Logger

	sizeMu      sync.Mutex
	resizeMu    sync.Mutex
	currentSize int
	minSize     int
	maxSize     int
	gpuCount    int
	cpuOnly     bool

	free chan *handle

	instanceCounter int
	closed          bool
}

// New constructs a Pool, normalizes its size bounds, and eagerly creates
// either min_size or max_size handles (one at a time, to avoid concurrent
// model-weight download contention).
func New(ctx context.Context, cfg Config, factory Factory, logger *logging.Logger) (*Pool, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("enginepool")

	minSize, maxSize := normalizeSize(cfg, logger)
	if minSize > maxSize {
		return nil, task.Invariant("model pool: min_size (%d) exceeds max_size (%d)", minSize, maxSize)
	}

	p := &Pool{
		factory:  factory,
		logger:   logger,
		minSize:  minSize,
		maxSize:  maxSize,
		gpuCount: cfg.GPUCount,
		cpuOnly:  cfg.CPUOnly,
		free:     make(chan *handle, maxSize),
	}

	initial := minSize
	if cfg.InitializeWithMaxSize {
		initial = maxSize
	}
	for i := 0; i < initial; i++ {
		h, err := p.createHandle(ctx)
		if err != nil {
			return nil, fmt.Errorf("model pool: initializing handle %d/%d: %w", i+1, initial, err)
		}
		p.free <- h
	}
	return p, nil
}

// normalizeSize applies the CPU/1-GPU/N-GPU clamping rules from spec.md
// §4.B, logging whenever the caller's requested max_size is adjusted.
func normalizeSize(cfg Config, logger *logging.Logger) (int, int) {
	minSize := cfg.MinSize
	if minSize < 1 {
		minSize = 1
	}
	requestedMax := cfg.MaxSize
	if requestedMax < 1 {
		requestedMax = 1
	}

	var clamped int
	switch {
	case cfg.CPUOnly || cfg.GPUCount == 0:
		ceiling := cfg.CPUThreads / 2
		if cfg.CPUThreads <= 4 {
			ceiling = 1
		}
		if ceiling < 1 {
			ceiling = 1
		}
		clamped = min(requestedMax, max(1, ceiling))
	case cfg.GPUCount == 1:
		clamped = 1
	default:
		instancesPerGPU := cfg.MaxInstancesPerGPU
		if instancesPerGPU < 1 {
			instancesPerGPU = 1
		}
		clamped = min(requestedMax, cfg.GPUCount*instancesPerGPU)
	}

	if clamped != requestedMax {
		logger.Infof("adjusted max_size from %d to %d (device topology constraint)", requestedMax, clamped)
	}
	return minSize, clamped
}

// createHandle reserves a currentSize slot and asks the factory to build a
// handle for it. The maxSize check and the currentSize increment happen
// atomically in one sizeMu critical section, so concurrent callers (e.g.
// StrategyDynamic growth racing with itself) can never both pass the
// check and overshoot max_size; the slow factory call itself runs
// unlocked, and a failed creation rolls the reservation back. Returns
// task.PoolExhausted() if currentSize is already at maxSize.
func (p *Pool) createHandle(ctx context.Context) (*handle, error) {
	p.sizeMu.Lock()
	if p.currentSize >= p.maxSize {
		p.sizeMu.Unlock()
		return nil, task.PoolExhausted()
	}
	p.currentSize++
	idx := p.instanceCounter
	p.instanceCounter++
	p.sizeMu.Unlock()

	device := allocateDevice(idx, p.gpuCount, p.cpuOnly)
	native, err := p.factory.NewHandle(ctx, device)
	if err != nil {
		p.sizeMu.Lock()
		p.currentSize--
		p.sizeMu.Unlock()
		return nil, err
	}

	p.logger.Debugf("created model handle on %s (current_size=%d)", device, p.currentSize)
	return &handle{device: device, native: native}, nil
}

// destroyHandle releases native resources and decrements current_size.
func (p *Pool) destroyHandle(h *handle) {
	if err := p.factory.DestroyHandle(h.native); err != nil {
		p.logger.Warnf("error destroying model handle on %s: %v", h.device, err)
	}
	p.sizeMu.Lock()
	p.currentSize--
	p.sizeMu.Unlock()
}

// Acquire hands out a handle per the requested strategy, blocking up to
// timeout for a free one. Returns task.PoolExhausted() if none becomes
// available and the pool is already at max_size.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration, strategy Strategy) (any, error) {
	if strategy == StrategyDynamic {
		if h, ok := p.tryGrow(ctx); ok {
			return h.native, nil
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case h := <-p.free:
		return p.healthCheckedOrReplace(ctx, h)
	default:
	}

	select {
	case h := <-p.free:
		return p.healthCheckedOrReplace(ctx, h)
	case <-deadline.C:
		if h, ok := p.tryGrow(ctx); ok {
			return h.native, nil
		}
		return nil, task.PoolExhausted()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tryGrow creates one additional handle if currentSize is below maxSize,
// returning ok=false if the pool is already saturated. The capacity check
// happens inside createHandle's single sizeMu critical section, so this
// never races with another concurrent tryGrow/Resize call.
func (p *Pool) tryGrow(ctx context.Context) (*handle, bool) {
	h, err := p.createHandle(ctx)
	if err != nil {
		if poolErr, ok := err.(*task.Error); !ok || poolErr.Code != task.CodePoolExhausted {
			p.logger.Warnf("failed to grow model pool: %v", err)
		}
		return nil, false
	}
	return h, true
}

// healthCheckedOrReplace runs the factory's health probe on h; an
// unhealthy handle is destroyed and replaced with a freshly created one
// rather than handed to the caller.
func (p *Pool) healthCheckedOrReplace(ctx context.Context, h *handle) (any, error) {
	if err := p.factory.HealthCheck(h.native); err != nil {
		p.logger.Warnf("model handle on %s failed health check, recreating: %v", h.device, err)
		p.destroyHandle(h)
		fresh, ferr := p.createHandle(ctx)
		if ferr != nil {
			return nil, fmt.Errorf("model pool: replacing unhealthy handle: %w", ferr)
		}
		return fresh.native, nil
	}
	return h.native, nil
}

// Release returns native to the free queue, or destroys it if the pool is
// already at capacity (e.g. after a concurrent Resize shrank max_size).
func (p *Pool) Release(native any) {
	h := &handle{native: native}

	p.sizeMu.Lock()
	atCapacity := p.closed || p.currentSize > p.maxSize || len(p.free) >= cap(p.free)
	p.sizeMu.Unlock()

	if atCapacity {
		p.destroyHandle(h)
		return
	}

	select {
	case p.free <- h:
	default:
		p.destroyHandle(h)
	}
}

// Resize grows to newMin or shrinks to newMax under the dedicated resize
// lock, draining and destroying excess free handles when shrinking.
func (p *Pool) Resize(ctx context.Context, newMin, newMax int) error {
	if newMin > newMax {
		return task.Invariant("model pool: resize min_size (%d) exceeds max_size (%d)", newMin, newMax)
	}

	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()

	p.sizeMu.Lock()
	p.minSize = newMin
	p.maxSize = newMax
	current := p.currentSize
	p.sizeMu.Unlock()

	if newMax < current {
		toDrain := current - newMax
		for i := 0; i < toDrain; i++ {
			select {
			case h := <-p.free:
				p.destroyHandle(h)
			default:
				// No free handle available to drain right now; the
				// excess will be trimmed on its next Release.
				break
			}
		}
	}

	p.sizeMu.Lock()
	deficit := newMin - p.currentSize
	p.sizeMu.Unlock()
	for i := 0; i < deficit; i++ {
		h, err := p.createHandle(ctx)
		if err != nil {
			return fmt.Errorf("model pool: growing to min_size during resize: %w", err)
		}
		p.free <- h
	}

	p.logger.Infof("resized model pool to min=%d max=%d (current_size=%d)", newMin, newMax, p.currentSize)
	return nil
}

// CurrentSize reports the live handle count, for metrics/diagnostics.
func (p *Pool) CurrentSize() int {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	return p.currentSize
}

// MaxSize reports the pool's current max_size, used by the Task Processor
// to clamp its own concurrency to the pool's capacity.
func (p *Pool) MaxSize() int {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	return p.maxSize
}

// Close destroys every outstanding free handle. Handles currently on loan
// are destroyed as they're Released after Close.
func (p *Pool) Close() {
	p.sizeMu.Lock()
	p.closed = true
	p.sizeMu.Unlock()

	for {
		select {
		case h := <-p.free:
			p.destroyHandle(h)
		default:
			return
		}
	}
}
