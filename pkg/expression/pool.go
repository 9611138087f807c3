package expression

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// runtimePool hands out sandboxed goja runtimes. A goja.Runtime must only be
// used by one goroutine at a time.
type runtimePool struct {
	pool          chan *pooledRuntime
	maxSize       int
	maxReuseCount int
	currentSize   int32
	totalCreated  int64
	totalAcquired int64
	totalReleased int64
	mu            sync.Mutex
	closed        bool
}

type pooledRuntime struct {
	vm         *goja.Runtime
	createdAt  time.Time
	reuseCount int
	baseline   map[string]struct{}
}

// reset deletes every global defined since the runtime was created.
func (rt *pooledRuntime) reset() error {
	global := rt.vm.GlobalObject()
	for _, key := range global.Keys() {
		if _, ok := rt.baseline[key]; ok {
			continue
		}
		if err := global.Delete(key); err != nil {
			return fmt.Errorf("failed to delete global %s: %w", key, err)
		}
	}
	return nil
}

// PoolConfig sizes the runtime pool.
type PoolConfig struct {
	// MinSize runtimes are created up front
	MinSize int

	// MaxSize bounds live runtimes; Acquire blocks once it is reached
	MaxSize int

	// MaxReuseCount recycles a runtime after this many evaluations
	MaxReuseCount int
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:       1,
		MaxSize:       16,
		MaxReuseCount: 1000,
	}
}

func newRuntimePool(cfg PoolConfig) (*runtimePool, error) {
	def := DefaultPoolConfig()
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.MaxReuseCount <= 0 {
		cfg.MaxReuseCount = def.MaxReuseCount
	}

	p := &runtimePool{
		pool:          make(chan *pooledRuntime, cfg.MaxSize),
		maxSize:       cfg.MaxSize,
		maxReuseCount: cfg.MaxReuseCount,
	}

	for i := 0; i < cfg.MinSize; i++ {
		rt, err := p.create()
		if err != nil {
			p.close()
			return nil, fmt.Errorf("failed to create initial runtime: %w", err)
		}
		p.pool <- rt
	}
	return p, nil
}

func (p *runtimePool) acquire(ctx context.Context) (*pooledRuntime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("runtime pool is closed")
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.totalAcquired, 1)

	select {
	case rt, ok := <-p.pool:
		return p.checkout(rt, ok)
	default:
	}

	if int(atomic.LoadInt32(&p.currentSize)) < p.maxSize {
		return p.create()
	}

	select {
	case rt, ok := <-p.pool:
		return p.checkout(rt, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *runtimePool) checkout(rt *pooledRuntime, ok bool) (*pooledRuntime, error) {
	if !ok {
		return nil, fmt.Errorf("runtime pool is closed")
	}
	rt.reuseCount++
	if rt.reuseCount >= p.maxReuseCount {
		p.destroy(rt)
		return p.create()
	}
	return rt, nil
}

// release returns rt to the pool. Runtimes left in an interrupted or
// otherwise unknown state are replaced by passing healthy=false.
func (p *runtimePool) release(rt *pooledRuntime, healthy bool) {
	atomic.AddInt64(&p.totalReleased, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !healthy {
		p.destroy(rt)
		return
	}

	rt.vm.ClearInterrupt()
	if err := rt.reset(); err != nil {
		p.destroy(rt)
		return
	}
	select {
	case p.pool <- rt:
	default:
		p.destroy(rt)
	}
}

func (p *runtimePool) create() (*pooledRuntime, error) {
	vm := goja.New()
	if err := applySandbox(vm); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}

	baseline := make(map[string]struct{})
	for _, key := range vm.GlobalObject().Keys() {
		baseline[key] = struct{}{}
	}

	atomic.AddInt32(&p.currentSize, 1)
	atomic.AddInt64(&p.totalCreated, 1)

	return &pooledRuntime{vm: vm, createdAt: time.Now(), baseline: baseline}, nil
}

func (p *runtimePool) destroy(rt *pooledRuntime) {
	if rt == nil || rt.vm == nil {
		return
	}
	rt.vm = nil
	atomic.AddInt32(&p.currentSize, -1)
}

func (p *runtimePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.pool)
	for rt := range p.pool {
		p.destroy(rt)
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	CurrentSize   int   `json:"current_size"`
	MaxSize       int   `json:"max_size"`
	TotalCreated  int64 `json:"total_created"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
	Available     int   `json:"available"`
}

func (p *runtimePool) stats() PoolStats {
	return PoolStats{
		CurrentSize:   int(atomic.LoadInt32(&p.currentSize)),
		MaxSize:       p.maxSize,
		TotalCreated:  atomic.LoadInt64(&p.totalCreated),
		TotalAcquired: atomic.LoadInt64(&p.totalAcquired),
		TotalReleased: atomic.LoadInt64(&p.totalReleased),
		Available:     len(p.pool),
	}
}

// String returns a string representation of the stats
func (s PoolStats) String() string {
	return fmt.Sprintf("Pool Stats: Current=%d, Max=%d, Created=%d, Acquired=%d, Released=%d, Available=%d",
		s.CurrentSize, s.MaxSize, s.TotalCreated, s.TotalAcquired, s.TotalReleased, s.Available)
}
