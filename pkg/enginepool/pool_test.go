package enginepool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id      int
	healthy bool
}

type fakeFactory struct {
	mu        sync.Mutex
	created   int32
	destroyed int32
	unhealthy map[int]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{unhealthy: map[int]bool{}}
}

func (f *fakeFactory) NewHandle(ctx context.Context, device Device) (any, error) {
	id := int(atomic.AddInt32(&f.created, 1))
	return &fakeHandle{id: id, healthy: true}, nil
}

func (f *fakeFactory) DestroyHandle(h any) error {
	atomic.AddInt32(&f.destroyed, 1)
	return nil
}

func (f *fakeFactory) HealthCheck(h any) error {
	fh := h.(*fakeHandle)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy[fh.id] {
		return errors.New("unhealthy")
	}
	return nil
}

func TestDeviceAllocationPolicy(t *testing.T) {
	assert.Equal(t, Device{Kind: DeviceCPU, ComputeType: "float32"}, allocateDevice(0, 0, false))
	assert.Equal(t, Device{Kind: DeviceCPU, ComputeType: "float32"}, allocateDevice(3, 2, true))
	assert.Equal(t, Device{Kind: DeviceGPU, Index: 0, ComputeType: "float16"}, allocateDevice(5, 1, false))
	assert.Equal(t, Device{Kind: DeviceGPU, Index: 0, ComputeType: "float16"}, allocateDevice(0, 3, false))
	assert.Equal(t, Device{Kind: DeviceGPU, Index: 1, ComputeType: "float16"}, allocateDevice(1, 3, false))
	assert.Equal(t, Device{Kind: DeviceGPU, Index: 2, ComputeType: "float16"}, allocateDevice(5, 3, false))
}

func TestMaxSizeNormalizationCPUOnly(t *testing.T) {
	min, max := normalizeSize(Config{MaxSize: 8, CPUOnly: true, CPUThreads: 16}, testLogger())
	assert.Equal(t, 1, min)
	assert.Equal(t, 8, max)

	_, max = normalizeSize(Config{MaxSize: 8, CPUOnly: true, CPUThreads: 4}, testLogger())
	assert.Equal(t, 1, max)
}

func TestMaxSizeNormalizationSingleGPUForcesOne(t *testing.T) {
	_, max := normalizeSize(Config{MaxSize: 4, GPUCount: 1}, testLogger())
	assert.Equal(t, 1, max)
}

func TestMaxSizeNormalizationMultiGPU(t *testing.T) {
	_, max := normalizeSize(Config{MaxSize: 10, GPUCount: 2, MaxInstancesPerGPU: 2}, testLogger())
	assert.Equal(t, 4, max)
}

func TestNewInitializesMinSizeHandles(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 2, MaxSize: 4, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, pool.CurrentSize())
	assert.EqualValues(t, 2, factory.created)
}

func TestAcquireExistingGrowsOnlyAfterTimeout(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 1, MaxSize: 2, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	// Drain the single free handle.
	h1, err := pool.Acquire(context.Background(), time.Second, StrategyExisting)
	require.NoError(t, err)
	require.NotNil(t, h1)

	// Pool has room to grow (max 2), so the timeout-then-grow path fires.
	h2, err := pool.Acquire(context.Background(), 50*time.Millisecond, StrategyExisting)
	require.NoError(t, err)
	require.NotNil(t, h2)
	assert.Equal(t, 2, pool.CurrentSize())
}

func TestAcquireExhaustedReturnsPoolExhausted(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 1, MaxSize: 1, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), time.Millisecond, StrategyExisting)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), 20*time.Millisecond, StrategyExisting)
	require.Error(t, err)
}

func TestReleaseReturnsHandleForReuse(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 1, MaxSize: 1, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	h, err := pool.Acquire(context.Background(), time.Second, StrategyExisting)
	require.NoError(t, err)
	pool.Release(h)

	h2, err := pool.Acquire(context.Background(), time.Second, StrategyExisting)
	require.NoError(t, err)
	assert.Same(t, h, h2)
}

func TestUnhealthyHandleIsReplacedOnAcquire(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 1, MaxSize: 1, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	h, err := pool.Acquire(context.Background(), time.Second, StrategyExisting)
	require.NoError(t, err)
	fh := h.(*fakeHandle)
	factory.mu.Lock()
	factory.unhealthy[fh.id] = true
	factory.mu.Unlock()
	pool.Release(h)

	h2, err := pool.Acquire(context.Background(), time.Second, StrategyExisting)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.EqualValues(t, 1, factory.destroyed)
}

func TestResizeShrinksFreeHandles(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 3, MaxSize: 3, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	require.NoError(t, pool.Resize(context.Background(), 1, 1))
	assert.Equal(t, 1, pool.CurrentSize())
}

func TestResizeGrowsToNewMin(t *testing.T) {
	factory := newFakeFactory()
	pool, err := New(context.Background(), Config{MinSize: 1, MaxSize: 1, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	require.NoError(t, pool.Resize(context.Background(), 3, 3))
	assert.Equal(t, 3, pool.CurrentSize())
}

// slowFactory sleeps inside NewHandle so many concurrent Acquire calls are
// guaranteed to overlap the check-then-create window growth goes through.
type slowFactory struct {
	*fakeFactory
	delay time.Duration
}

func (f *slowFactory) NewHandle(ctx context.Context, device Device) (any, error) {
	time.Sleep(f.delay)
	return f.fakeFactory.NewHandle(ctx, device)
}

func TestConcurrentDynamicAcquireNeverOvershootsMaxSize(t *testing.T) {
	factory := &slowFactory{fakeFactory: newFakeFactory(), delay: 20 * time.Millisecond}
	pool, err := New(context.Background(), Config{MinSize: 0, MaxSize: 4, CPUOnly: true, CPUThreads: 8}, factory, testLogger())
	require.NoError(t, err)

	const callers = 20
	var (
		wg        sync.WaitGroup
		violation atomic.Bool
	)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if pool.CurrentSize() > pool.MaxSize() {
					violation.Store(true)
				}
			}
		}
	}()

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Acquire(context.Background(), 100*time.Millisecond, StrategyDynamic)
		}()
	}
	wg.Wait()
	close(stop)

	assert.False(t, violation.Load(), "current_size exceeded max_size during concurrent growth")
	assert.LessOrEqual(t, pool.CurrentSize(), pool.MaxSize())
}
