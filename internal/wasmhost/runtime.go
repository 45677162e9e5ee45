package wasmhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Limits bounds a single module invocation (spec §4.5: "fuel (instruction
// budget), wall-clock deadline, memory ceiling, stack depth"). Zero values
// are replaced with the runtime's defaults (defaultLimits) rather than
// treated as unlimited, so a caller that forgets to set a field still gets
// a bounded invocation.
type Limits struct {
	// FuelBudget approximates an instruction budget. wazero's interpreter
	// does not expose a native fuel meter, so the runtime enforces this as
	// a host-call count ceiling: each host ABI call decrements the budget
	// and the invocation aborts at zero, which is a coarser proxy than
	// per-instruction metering but bounds the same class of runaway-module
	// risk the spec describes.
	FuelBudget     uint64
	WallClockLimit time.Duration
	// MemoryPages caps how many 64KiB linear-memory pages the instance may
	// grow to during the invocation; a growth request past the cap aborts
	// the invocation (enforced in hostAlloc).
	MemoryPages uint32
	// StackDepth bounds host-ABI call reentrancy depth, the closest proxy
	// available for native Wasm call-stack depth without a stack-walking
	// API (enforced in enterHostCall).
	StackDepth uint32
}

// defaultLimits fills in any zero-valued Limits field with a conservative
// ceiling so every invocation is bounded even if the caller only set
// WallClockLimit.
func defaultLimits(l Limits) Limits {
	if l.FuelBudget == 0 {
		l.FuelBudget = 100_000
	}
	if l.WallClockLimit <= 0 {
		l.WallClockLimit = 50 * time.Millisecond
	}
	if l.MemoryPages == 0 {
		l.MemoryPages = 64 // 4MiB
	}
	if l.StackDepth == 0 {
		l.StackDepth = 64
	}
	return l
}

// Result is the outcome of one module invocation.
type Result struct {
	Output []byte
	Aborted bool
	AbortReason string
}

// Logger receives host-ABI log() calls.
type Logger func(traceID, line string)

// Runtime hosts compiled modules behind the capability ABI (spec §4.5).
type Runtime struct {
	rt       wazero.Runtime
	hostMod  api.Module
	cache    CacheBackend
	outbound OutboundClient
	logger   Logger

	mu    sync.Mutex
	pools map[string]*instancePool
}

type instancePool struct {
	mu        sync.Mutex
	compiled  wazero.CompiledModule
	instances []api.Module
	maxSize   int
}

// NewRuntime builds a wazero-backed Runtime. WithCloseOnContextDone lets a
// per-invocation context deadline actually interrupt a running guest call,
// which is how WallClockLimit is enforced.
func NewRuntime(cache CacheBackend, outbound OutboundClient, logger Logger) (*Runtime, error) {
	ctx := context.Background()
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	r := &Runtime{rt: rt, cache: cache, outbound: outbound, logger: logger, pools: make(map[string]*instancePool)}

	if err := r.registerHostModule(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Runtime) registerHostModule(ctx context.Context) error {
	builder := r.rt.NewHostModuleBuilder("aegis")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) { invocationFromCtx(ctx).log(mod, ptr, length) }).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) int32 {
			return invocationFromCtx(ctx).cacheGet(mod, keyPtr, keyLen)
		}).
		Export("cache_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen, ttl uint32) int32 {
			return invocationFromCtx(ctx).cacheSet(mod, keyPtr, keyLen, valPtr, valLen, ttl)
		}).
		Export("cache_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) int32 {
			return invocationFromCtx(ctx).httpGet(mod, urlPtr, urlLen)
		}).
		Export("http_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, dest, offset, length uint32) int32 {
			return invocationFromCtx(ctx).getSharedBuffer(mod, dest, offset, length)
		}).
		Export("get_shared_buffer")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, size uint32) uint32 {
			return invocationFromCtx(ctx).alloc(mod, size)
		}).
		Export("alloc")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) { invocationFromCtx(ctx).dealloc(mod, ptr, size) }).
		Export("dealloc")

	_, err := builder.Instantiate(ctx)
	return err
}

// invocationCtxKey carries the active invocationHandle through wazero's
// context parameter into the host functions above.
type invocationCtxKey struct{}

func invocationFromCtx(ctx context.Context) *invocationMethods {
	h, _ := ctx.Value(invocationCtxKey{}).(*invocationHandle)
	return &invocationMethods{h}
}

type invocationMethods struct{ h *invocationHandle }

// enter charges fuel and tracks reentrancy depth for one host ABI call
// (spec §4.5 fuel + stack depth ceilings); ok is false if the handle is
// missing or either ceiling is already exceeded, in which case the caller
// must skip the operation and return its failure sentinel.
func (m *invocationMethods) enter() (ok bool, exit func()) {
	if m.h == nil {
		return false, func() {}
	}
	if !m.h.enterHostCall() {
		return false, func() {}
	}
	return true, m.h.exitHostCall
}

func (m *invocationMethods) log(mod api.Module, ptr, length uint32) {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return
	}
	hostLog(m.h)(m.h.ctx, mod, ptr, length)
}
func (m *invocationMethods) cacheGet(mod api.Module, keyPtr, keyLen uint32) int32 {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return -1
	}
	return hostCacheGet(m.h)(m.h.ctx, mod, keyPtr, keyLen)
}
func (m *invocationMethods) cacheSet(mod api.Module, keyPtr, keyLen, valPtr, valLen, ttl uint32) int32 {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return -1
	}
	return hostCacheSet(m.h)(m.h.ctx, mod, keyPtr, keyLen, valPtr, valLen, ttl)
}
func (m *invocationMethods) httpGet(mod api.Module, urlPtr, urlLen uint32) int32 {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return -1
	}
	return hostHTTPGet(m.h)(m.h.ctx, mod, urlPtr, urlLen)
}
func (m *invocationMethods) getSharedBuffer(mod api.Module, dest, offset, length uint32) int32 {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return -1
	}
	return hostGetSharedBuffer(m.h)(m.h.ctx, mod, dest, offset, length)
}
func (m *invocationMethods) alloc(mod api.Module, size uint32) uint32 {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return 0
	}
	return hostAlloc(m.h)(m.h.ctx, mod, size)
}
func (m *invocationMethods) dealloc(mod api.Module, ptr, size uint32) {
	ok, exit := m.enter()
	defer exit()
	if !ok {
		return
	}
	hostDealloc(m.h)(m.h.ctx, mod, ptr, size)
}

// LoadModule compiles module bytes and creates its bounded instance pool,
// keyed by CID so two routes referencing the same module hash share it
// (spec §3 "Wasm Module Handle ... two modules with equal hash are
// interchangeable").
func (r *Runtime) LoadModule(ctx context.Context, cid string, data []byte, poolSize int) error {
	compiled, err := r.rt.CompileModule(ctx, data)
	if err != nil {
		return fmt.Errorf("compile module %s: %w", cid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[cid] = &instancePool{compiled: compiled, maxSize: poolSize}
	return nil
}

func (r *Runtime) poolFor(cid string) (*instancePool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[cid]
	return p, ok
}

// Invoke runs the module's exported "handle" function under the given
// limits. On any limit violation or trap the instance is discarded (spec
// §4.5): it is never returned to the pool.
func (r *Runtime) Invoke(ctx context.Context, cid, traceID string, input []byte, limits Limits) (Result, error) {
	pool, ok := r.poolFor(cid)
	if !ok {
		return Result{}, fmt.Errorf("module %s not loaded", cid)
	}

	limits = defaultLimits(limits)

	instance, fresh, err := pool.checkout(ctx, r.rt, cid)
	if err != nil {
		return Result{}, err
	}

	invokeCtx, cancel := context.WithTimeout(ctx, limits.WallClockLimit)
	defer cancel()

	handle := &invocationHandle{
		ctx:              invokeCtx,
		traceID:          traceID,
		moduleCID:        cid,
		logger:           r.logger,
		cache:            r.cache,
		outbound:         r.outbound,
		fuelRemaining:    limits.FuelBudget,
		memoryLimitPages: limits.MemoryPages,
		stackLimit:       limits.StackDepth,
	}
	handle.setShared(input)
	invokeCtx = context.WithValue(invokeCtx, invocationCtxKey{}, handle)

	fn := instance.ExportedFunction("handle")
	if fn == nil {
		pool.discard(instance)
		return Result{Aborted: true, AbortReason: "missing exported handle function"}, nil
	}

	outLenPtr, callErr := fn.Call(invokeCtx, uint64(len(input)))

	// A resource-limit violation takes precedence over the guest's own
	// return value or trap: the instance already breached a ceiling, so
	// whatever it returned is not trustworthy output (spec §4.5 "exceeding
	// any limit terminates the instance with a ModuleAborted result").
	if aborted, reason := handle.abortedState(); aborted {
		pool.discard(instance)
		return Result{Aborted: true, AbortReason: reason}, nil
	}
	if callErr != nil {
		pool.discard(instance)
		return Result{Aborted: true, AbortReason: callErr.Error()}, nil
	}

	var outLen uint32
	if len(outLenPtr) > 0 {
		outLen = uint32(outLenPtr[0])
	}
	output, _ := instance.Memory().Read(allocBase, outLen)

	pool.checkin(instance)
	_ = fresh
	return Result{Output: output}, nil
}

func (p *instancePool) checkout(ctx context.Context, rt wazero.Runtime, cid string) (api.Module, bool, error) {
	p.mu.Lock()
	if len(p.instances) > 0 {
		inst := p.instances[len(p.instances)-1]
		p.instances = p.instances[:len(p.instances)-1]
		p.mu.Unlock()
		return inst, false, nil
	}
	p.mu.Unlock()

	cfg := wazero.NewModuleConfig().WithName(cid + "-instance")
	instance, err := rt.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, false, err
	}
	return instance, true, nil
}

func (p *instancePool) checkin(inst api.Module) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.instances) >= p.maxSize && p.maxSize > 0 {
		inst.Close(context.Background())
		return
	}
	p.instances = append(p.instances, inst)
}

func (p *instancePool) discard(inst api.Module) {
	inst.Close(context.Background())
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}
