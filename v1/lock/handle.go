package lock

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/rzlock/rzlock-go/v1/kv"
	"github.com/rzlock/rzlock-go/v1/lockerrors"
)

// LockHandle is the capability set common to a single-shard Handle and a
// DistributedWriteHandle.
type LockHandle interface {
	Release(ctx context.Context) error
	ForceRelease(ctx context.Context) error
	Relock() error
	Upgrade(ctx context.Context, opts Options) error
	IsLocked() bool
	Token() string
	Role() Role
	Key() string
}

// shardRef identifies where a handle's token lives: either the key's
// natural shard, or an explicit shard index for distributed mode.
type shardRef struct {
	key     string
	index   int
	byIndex bool
}

// Handle represents one owned lease. It owns its heartbeat timer and is
// safe for concurrent Release/ForceRelease/Relock calls.
type Handle struct {
	mu       sync.Mutex
	locker   *Locker
	key      string
	token    string
	role     Role
	ref      shardRef
	refCount int
	isLocked bool
	lost     bool

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	heartbeatDisabled bool
	stopHeartbeat     chan struct{}
	heartbeatDone     chan struct{}

	r resolved
}

func (l *Locker) newHandle(key, tok string, role Role, ref shardRef, r resolved) *Handle {
	h := &Handle{
		locker:            l,
		key:               key,
		token:             tok,
		role:              role,
		ref:               ref,
		refCount:          1,
		isLocked:          true,
		heartbeatInterval: r.heartbeatInterval,
		heartbeatTimeout:  r.heartbeatTimeout,
		heartbeatDisabled: r.heartbeatDisabled,
		r:                 r,
	}
	if l.metrics != nil {
		l.metrics.ActiveHandles(1)
	}
	h.startHeartbeat()
	return h
}

func (h *Handle) Key() string   { return h.key }
func (h *Handle) Token() string { return h.token }
func (h *Handle) Role() Role    { return h.role }

func (h *Handle) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isLocked
}

func (h *Handle) shard(ctx context.Context) (kv.Shard, error) {
	if h.ref.byIndex {
		return h.locker.kv.ShardByIndex(ctx, h.ref.index, kv.ShardOptions{DownNodeExpiry: h.r.downNodeExpiry})
	}
	return h.locker.kv.Shard(ctx, h.ref.key, kv.ShardOptions{DownNodeExpiry: h.r.downNodeExpiry})
}

func (h *Handle) startHeartbeat() {
	if h.heartbeatDisabled || h.heartbeatInterval <= 0 {
		return
	}
	h.stopHeartbeat = make(chan struct{})
	h.heartbeatDone = make(chan struct{})
	go h.heartbeatLoop()
}

func (h *Handle) heartbeatLoop() {
	defer close(h.heartbeatDone)
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopHeartbeat:
			return
		case <-ticker.C:
			if h.tick() {
				return
			}
		}
	}
}

// tick runs one heartbeat script call. It returns true if the heartbeat
// loop should stop (lost or conflicting holder).
func (h *Handle) tick() bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.heartbeatInterval)
	defer cancel()

	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return true
	}
	key, tok, role := h.key, h.token, h.role
	h.mu.Unlock()

	shard, err := h.shard(ctx)
	if err != nil {
		log.Printf("lock: heartbeat shard lookup for %q failed: %v", key, err)
		return false
	}

	var reply kv.ScriptReply
	if role == RoleWrite {
		reply, err = shard.RunScript(ctx, "writelock_heartbeat", []string{writeKey(h.locker.prefix, key)}, tok, ttlSeconds(h.heartbeatTimeout))
	} else {
		reply, err = shard.RunScript(ctx, "readlock_heartbeat", []string{readKey(h.locker.prefix, key)}, tok, ttlSeconds(h.heartbeatTimeout))
	}
	if err != nil {
		if errors.Is(err, lockerrors.ErrShardUnavailable) {
			return false
		}
		log.Printf("lock: heartbeat for %q failed: %v", key, err)
		return false
	}
	if reply.Code == 1 {
		return false
	}

	log.Printf("lock: heartbeat lost for key %q role %s (outcome %d)", key, role, reply.Code)
	h.mu.Lock()
	h.lost = true
	h.mu.Unlock()
	if h.locker.metrics != nil {
		h.locker.metrics.RecordHeartbeatLost(role, key)
	}
	h.locker.publish(ctx, LifecycleEvent{Key: key, Role: role, Kind: "lost", Token: tok, At: time.Now()})
	return true
}

func (h *Handle) stopHeartbeatTimer() {
	if h.stopHeartbeat == nil {
		return
	}
	select {
	case <-h.stopHeartbeat:
	default:
		close(h.stopHeartbeat)
	}
	<-h.heartbeatDone
}

// Release decrements the reference count; at zero it force-releases.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.refCount == 0 {
		h.mu.Unlock()
		log.Printf("lock: release on already-released handle for key %q", h.key)
		return nil
	}
	h.refCount--
	remaining := h.refCount
	h.mu.Unlock()
	if remaining == 0 {
		return h.ForceRelease(ctx)
	}
	return nil
}

// ForceRelease drops the lock regardless of reference count. Errors are
// swallowed only when the shard is known-down or the KV backend reported a
// BackendError; all others propagate.
func (h *Handle) ForceRelease(ctx context.Context) error {
	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return nil
	}
	h.isLocked = false
	h.refCount = 0
	key, tok, role := h.key, h.token, h.role
	h.mu.Unlock()

	h.stopHeartbeatTimer()
	if h.locker.metrics != nil {
		h.locker.metrics.ActiveHandles(-1)
	}

	shard, err := h.shard(ctx)
	if err != nil {
		return lockerrors.SuppressIfDown(err)
	}
	var runErr error
	if role == RoleWrite {
		_, runErr = shard.RunScript(ctx, "writelock_release", []string{writeKey(h.locker.prefix, key)}, tok)
	} else {
		_, runErr = shard.RunScript(ctx, "readlock_release", []string{readKey(h.locker.prefix, key)}, tok)
	}
	h.locker.publish(ctx, LifecycleEvent{Key: key, Role: role, Kind: "force_released", Token: tok, At: time.Now()})
	return lockerrors.SuppressIfDown(runErr)
}

// Relock increments the reference count of a still-locked handle.
func (h *Handle) Relock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isLocked {
		return &lockerrors.InternalError{Message: "lock: relock after release on key " + h.key}
	}
	h.refCount++
	return nil
}

// Upgrade converts a locked read handle into a write handle on the same
// key: force-release the read lease, acquire a write lock, and adopt its
// token. onError controls behavior on acquisition failure.
func (h *Handle) Upgrade(ctx context.Context, opts Options) error {
	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return &lockerrors.InvalidArgumentError{Message: "lock: upgrade on released handle for key " + h.key}
	}
	if h.role == RoleWrite {
		h.mu.Unlock()
		return nil
	}
	key := h.key
	h.mu.Unlock()

	if err := h.ForceRelease(ctx); err != nil {
		return err
	}

	newHandle, err := h.locker.WriteLock(ctx, key, opts)
	if err != nil {
		r := opts.resolve(h.locker.defaults, h.locker.gen.Base())
		if r.onError == OnErrorRelease {
			_ = h.ForceRelease(ctx)
		}
		return err
	}
	wh, ok := newHandle.(*Handle)
	if !ok {
		return &lockerrors.InternalError{Message: "lock: upgrade produced a non-simple handle (distributed write lock cannot be adopted in place)"}
	}
	wh.stopHeartbeatTimer()

	h.mu.Lock()
	h.token = wh.token
	h.role = RoleWrite
	h.ref = wh.ref
	h.isLocked = true
	h.refCount = 1
	h.r = wh.r
	h.heartbeatInterval = wh.heartbeatInterval
	h.heartbeatTimeout = wh.heartbeatTimeout
	h.heartbeatDisabled = wh.heartbeatDisabled
	h.mu.Unlock()
	h.startHeartbeat()
	h.locker.publish(ctx, LifecycleEvent{Key: key, Role: RoleWrite, Kind: "upgraded", Token: h.token, At: time.Now()})
	return nil
}
