package lock

import (
	"context"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rzlock/rzlock-go/v1/kv"
	"github.com/rzlock/rzlock-go/v1/lockerrors"
)

// distributedReadLock picks a random shard and stores the reader there
// instead of the key's natural shard, optionally maintaining the
// distributed-flag on every shard so an "auto" writer can detect it.
func (l *Locker) distributedReadLock(ctx context.Context, key string, r resolved) (*Handle, error) {
	n := l.kv.NumShards()
	idx := rand.Intn(n)
	ref := shardRef{index: idx, byIndex: true}
	shard, err := l.kv.ShardByIndex(ctx, idx, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
	if err != nil {
		return nil, &lockerrors.BackendError{Err: err}
	}
	if r.enableDistributedAuto {
		l.ensureDistributedFlag(ctx, key, r)
	}
	tok := l.gen.Next(r.conflictPriority)
	return l.readLockOnShard(ctx, key, tok, shard, ref, r)
}

// ensureDistributedFlag writes the short-lived marker on every shard when
// it is missing or close to expiry. This is a synchronous refresh-if-stale
// check run inline on each distributed read, rather than a standalone
// exponentially-scheduled background timer — see DESIGN.md for why that
// simplification preserves the same observable behavior. "Close to expiry"
// means within DistributedLockFlagTimerWindow of the configured minimum, so
// a renewal is attempted ahead of the flag actually lapsing rather than
// only once it already has.
func (l *Locker) ensureDistributedFlag(ctx context.Context, key string, r resolved) {
	n := l.kv.NumShards()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			shard, err := l.kv.ShardByIndex(ctx, idx, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
			if err != nil {
				return
			}
			key := dflagKey(l.prefix, key)
			ttl, ok, err := shard.TTL(ctx, key)
			if err != nil {
				return
			}
			renewBelow := l.defaults.MinDistributedLockFlagExpire + l.defaults.DistributedLockFlagTimerWindow
			if ok && ttl > renewBelow {
				return
			}
			_ = shard.SetEX(ctx, key, "1", l.defaults.MaxDistributedLockFlagExpire)
		}(i)
	}
	wg.Wait()
}

// distributedFlagSet reports whether any shard currently carries the
// distributed-flag for key.
func (l *Locker) distributedFlagSet(ctx context.Context, key string, r resolved) bool {
	n := l.kv.NumShards()
	for i := 0; i < n; i++ {
		shard, err := l.kv.ShardByIndex(ctx, i, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
		if err != nil {
			continue
		}
		exists, err := shard.Exists(ctx, dflagKey(l.prefix, key))
		if err == nil && exists {
			return true
		}
	}
	return false
}

// DistributedWriteHandle wraps a vector of per-shard write handles acquired
// on every shard with a shared token base, released as a unit.
type DistributedWriteHandle struct {
	locker   *Locker
	key      string
	perShard []*Handle
}

func (d *DistributedWriteHandle) Key() string   { return d.key }
func (d *DistributedWriteHandle) Role() Role    { return RoleWrite }
func (d *DistributedWriteHandle) Token() string { return d.perShard[0].Token() }

func (d *DistributedWriteHandle) IsLocked() bool {
	for _, h := range d.perShard {
		if !h.IsLocked() {
			return false
		}
	}
	return true
}

// Release releases every per-shard handle; released iff all are released.
func (d *DistributedWriteHandle) Release(ctx context.Context) error {
	var g errgroup.Group
	for _, h := range d.perShard {
		h := h
		g.Go(func() error { return h.Release(ctx) })
	}
	return g.Wait()
}

func (d *DistributedWriteHandle) ForceRelease(ctx context.Context) error {
	var g errgroup.Group
	for _, h := range d.perShard {
		h := h
		g.Go(func() error { return h.ForceRelease(ctx) })
	}
	return g.Wait()
}

func (d *DistributedWriteHandle) Relock() error {
	for _, h := range d.perShard {
		if err := h.Relock(); err != nil {
			return err
		}
	}
	return nil
}

// Upgrade is meaningless on an already-exclusive distributed write handle.
func (d *DistributedWriteHandle) Upgrade(ctx context.Context, opts Options) error {
	return &lockerrors.InvalidArgumentError{Message: "lock: cannot upgrade a distributed write handle"}
}

// distributedWriteLock acquires the key's write lock on every shard in
// order, sharing one token base so conflict resolution stays consistent.
// On partial failure it best-effort force-releases whatever was already
// acquired and propagates the error.
func (l *Locker) distributedWriteLock(ctx context.Context, key string, r resolved) (*DistributedWriteHandle, error) {
	n := l.kv.NumShards()
	d := &DistributedWriteHandle{locker: l, key: key, perShard: make([]*Handle, 0, n)}
	for i := 0; i < n; i++ {
		shard, err := l.kv.ShardByIndex(ctx, i, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
		if err != nil {
			d.ForceRelease(ctx)
			return nil, &lockerrors.BackendError{Err: err}
		}
		tok := l.gen.Next(r.conflictPriority)
		h, err := l.writeLockOnShard(ctx, key, tok, shard, shardRef{index: i, byIndex: true}, r)
		if err != nil {
			d.ForceRelease(ctx)
			return nil, err
		}
		d.perShard = append(d.perShard, h)
	}
	return d, nil
}

// autoWriteLock implements distributed="auto": if the distributed-flag is
// unset, try a normal single-shard write lock first, then re-check the
// flag before committing to it.
func (l *Locker) autoWriteLock(ctx context.Context, key string, r resolved) (LockHandle, error) {
	if l.distributedFlagSet(ctx, key, r) {
		return l.distributedWriteLock(ctx, key, r)
	}

	tok := l.gen.Next(r.conflictPriority)
	shard, err := l.kv.Shard(ctx, key, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
	if err != nil {
		return nil, &lockerrors.BackendError{Err: err}
	}
	h, err := l.writeLockOnShard(ctx, key, tok, shard, shardRef{key: key}, r)
	if err != nil {
		return nil, err
	}

	if l.distributedFlagSet(ctx, key, r) {
		if ferr := h.ForceRelease(ctx); ferr != nil {
			return nil, ferr
		}
		return l.distributedWriteLock(ctx, key, r)
	}
	return h, nil
}
