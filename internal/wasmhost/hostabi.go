package wasmhost

import (
	"context"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// CacheBackend is the subset of the response cache the host ABI's
// cache_get/cache_set calls are wired to.
type CacheBackend interface {
	GetBytes(key string) ([]byte, bool)
	SetBytes(key string, value []byte, ttl time.Duration) error
}

// OutboundClient performs the outbound fetch behind http_get. The runtime
// itself applies no allow-list or per-module rate limit, and the node's
// implementation (outboundClient in cmd/aegis-node) applies neither.
type OutboundClient interface {
	Get(ctx context.Context, moduleCID, url string) ([]byte, error)
}

// invocationHandle is the per-invocation state passed into every host
// call (spec §9 "pass a per-invocation handle ... into every host call"):
// trace id, deadline, quotas, and the shared buffer used to pass variable
// length results back into guest memory.
type invocationHandle struct {
	ctx       context.Context
	traceID   string
	moduleCID string
	logger    func(traceID, line string)

	cache    CacheBackend
	outbound OutboundClient

	mu               sync.Mutex
	sharedBuffer     []byte
	allocNext        uint32
	fuelRemaining    uint64
	memoryLimitPages uint32
	stackLimit       uint32
	stackDepth       uint32
	aborted          bool
	abortReason      string
}

func (h *invocationHandle) setShared(b []byte) {
	h.mu.Lock()
	h.sharedBuffer = b
	h.mu.Unlock()
}

// abortedState reports the first limit violation seen for this invocation,
// if any. The instance is discarded by the caller once the guest call
// returns (spec §4.5 "exceeding any limit terminates the instance with a
// ModuleAborted result"); setting the flag here does not itself unwind the
// guest call.
func (h *invocationHandle) abortedState() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted, h.abortReason
}

// enterHostCall charges one unit of fuel and tracks host-call nesting
// depth, the two per-invocation ceilings besides wall-clock and memory
// (spec §4.5 "fuel (instruction budget) ... stack depth"). wazero's
// interpreter exposes neither a native instruction counter nor the
// guest's native call-stack depth, so both are enforced here as coarser
// proxies measured at the host ABI boundary: fuel as a host-call budget,
// stack depth as host-call reentrancy depth. Returns false if either
// ceiling is exceeded, in which case the caller must not perform the
// requested operation.
func (h *invocationHandle) enterHostCall() bool {
	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		return false
	}
	if h.fuelRemaining == 0 {
		h.aborted = true
		h.abortReason = "fuel budget exhausted"
		h.mu.Unlock()
		return false
	}
	h.fuelRemaining--

	h.stackDepth++
	if h.stackDepth > h.stackLimit {
		h.aborted = true
		h.abortReason = "stack depth exceeded"
		h.stackDepth--
		h.mu.Unlock()
		return false
	}
	h.mu.Unlock()
	return true
}

func (h *invocationHandle) exitHostCall() {
	h.mu.Lock()
	if h.stackDepth > 0 {
		h.stackDepth--
	}
	h.mu.Unlock()
}

// hostLog implements the log(ptr, len) capability.
func hostLog(h *invocationHandle) func(ctx context.Context, mod api.Module, ptr, length uint32) {
	return func(ctx context.Context, mod api.Module, ptr, length uint32) {
		buf, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return
		}
		if h.logger != nil {
			h.logger(h.traceID, string(buf))
		}
	}
}

// hostCacheGet implements cache_get(key_ptr, key_len) -> i32.
func hostCacheGet(h *invocationHandle) func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) int32 {
	return func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) int32 {
		if h.cache == nil {
			return -1
		}
		key, ok := mod.Memory().Read(keyPtr, keyLen)
		if !ok {
			return -1
		}
		val, found := h.cache.GetBytes(string(key))
		if !found {
			return -1
		}
		h.setShared(val)
		return int32(len(val))
	}
}

// hostCacheSet implements cache_set(key_ptr, key_len, val_ptr, val_len, ttl) -> i32.
func hostCacheSet(h *invocationHandle) func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32, ttlSecs uint32) int32 {
	return func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32, ttlSecs uint32) int32 {
		if h.cache == nil {
			return -1
		}
		key, ok := mod.Memory().Read(keyPtr, keyLen)
		if !ok {
			return -1
		}
		val, ok := mod.Memory().Read(valPtr, valLen)
		if !ok {
			return -1
		}
		if err := h.cache.SetBytes(string(key), val, time.Duration(ttlSecs)*time.Second); err != nil {
			return -1
		}
		return 0
	}
}

// hostHTTPGet implements http_get(url_ptr, url_len) -> i32.
func hostHTTPGet(h *invocationHandle) func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) int32 {
	return func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) int32 {
		if h.outbound == nil {
			return -1
		}
		urlBytes, ok := mod.Memory().Read(urlPtr, urlLen)
		if !ok {
			return -1
		}
		body, err := h.outbound.Get(h.ctx, h.moduleCID, string(urlBytes))
		if err != nil {
			return -1
		}
		h.setShared(body)
		return int32(len(body))
	}
}

// hostGetSharedBuffer implements get_shared_buffer(dest, offset, len) -> i32,
// copying from the host-side shared buffer into module memory.
func hostGetSharedBuffer(h *invocationHandle) func(ctx context.Context, mod api.Module, dest, offset, length uint32) int32 {
	return func(ctx context.Context, mod api.Module, dest, offset, length uint32) int32 {
		h.mu.Lock()
		buf := h.sharedBuffer
		h.mu.Unlock()

		if int(offset)+int(length) > len(buf) {
			return -1
		}
		if !mod.Memory().Write(dest, buf[offset:offset+length]) {
			return -1
		}
		return int32(length)
	}
}

// allocBase is where the host's bump allocator begins handing out module
// memory; low addresses are left to the module's own static data/stack.
const allocBase = 1 << 16

// wasmPageSize is wazero's (and the Wasm spec's) fixed linear-memory page
// size, in bytes.
const wasmPageSize = 65536

// hostAlloc implements alloc(size) -> ptr with a simple bump allocator
// over the instance's linear memory -- adequate for the small, short-lived
// buffers a capability-scoped module passes across the host boundary. A
// growth request that would push the instance past its configured
// MemoryPages ceiling aborts the invocation rather than silently failing
// the allocation (spec §4.5 "memory ceiling").
func hostAlloc(h *invocationHandle) func(ctx context.Context, mod api.Module, size uint32) uint32 {
	return func(ctx context.Context, mod api.Module, size uint32) uint32 {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.allocNext == 0 {
			h.allocNext = allocBase
		}
		ptr := h.allocNext
		needed := ptr + size
		if uint64(needed) > uint64(mod.Memory().Size()) {
			pages := (needed-mod.Memory().Size())/wasmPageSize + 1
			currentPages := mod.Memory().Size() / wasmPageSize
			if h.memoryLimitPages > 0 && uint64(currentPages)+uint64(pages) > uint64(h.memoryLimitPages) {
				h.aborted = true
				h.abortReason = "memory limit exceeded"
				return 0
			}
			if _, ok := mod.Memory().Grow(pages); !ok {
				return 0
			}
		}
		h.allocNext += size
		return ptr
	}
}

// hostDealloc implements dealloc(ptr, size). The bump allocator never
// reclaims space mid-invocation; its cursor starts again at allocBase for
// every invocation, even on a reused pooled instance, so dealloc is a no-op
// kept for ABI symmetry with guests compiled against it.
func hostDealloc(h *invocationHandle) func(ctx context.Context, mod api.Module, ptr, size uint32) {
	return func(ctx context.Context, mod api.Module, ptr, size uint32) {}
}
