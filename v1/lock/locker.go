// Package lock implements the lock-acquisition and coherence engine: the
// client-side retry protocol over the atomic scripts in v1/kv, reader/writer
// coherence, distributed fan-out, and the lock-set aggregator.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzlock/rzlock-go/v1/kv"
	"github.com/rzlock/rzlock-go/v1/lockerrors"
	"github.com/rzlock/rzlock-go/v1/token"
)

// Role identifies whether a handle was acquired for reading or writing.
type Role int

const (
	RoleRead Role = iota
	RoleWrite
)

func (r Role) String() string {
	if r == RoleWrite {
		return "write"
	}
	return "read"
}

// MetricsRecorder is the observability hook the locker reports acquisition
// outcomes to. Nil is a valid Locker configuration; v1/metrics provides a
// Prometheus-backed implementation.
type MetricsRecorder interface {
	RecordAcquisition(role Role, key string, outcome string, waited time.Duration)
	RecordConflict(role Role, key string)
	RecordTimeout(role Role, key string)
	RecordHeartbeatLost(role Role, key string)
	ActiveHandles(delta int)
}

// LifecycleEvent describes one observable transition of a handle's life,
// published to an EventPublisher for out-of-process observers such as
// cmd/lockwatch.
type LifecycleEvent struct {
	Key   string
	Role  Role
	Kind  string // "acquired", "force_released" (also sent when Release drops the count to zero), "lost", "upgraded"
	Token string
	At    time.Time
}

// EventPublisher receives lifecycle events. v1/events provides in-memory,
// Redis-stream, Kafka and NATS implementations.
type EventPublisher interface {
	Publish(ctx context.Context, evt LifecycleEvent)
}

// WarnFunc is invoked at most once per acquisition, the first time total
// elapsed wait crosses the configured warnTime threshold.
type WarnFunc func(key string, role Role, elapsed time.Duration)

// Locker is the top-level entry point: it owns the KV client, the per-process
// token generator, and the configured defaults, and implements the full
// read/write acquisition protocol.
type Locker struct {
	kv       kv.Client
	defaults Defaults
	gen      *token.Generator
	prefix   string
	warn     WarnFunc
	metrics  MetricsRecorder
	events   EventPublisher
	tracer   trace.Tracer

	readyOnce sync.Once
	readyErr  error
	readyDone chan struct{}
	readyCh   <-chan error
}

// LockerOption configures a Locker at construction time.
type LockerOption func(*Locker)

func WithDefaults(d Defaults) LockerOption { return func(l *Locker) { l.defaults = d } }
func WithPrefix(prefix string) LockerOption {
	return func(l *Locker) { l.prefix = prefix }
}
func WithDebugTokens(enabled bool) LockerOption {
	return func(l *Locker) { l.gen = token.New(token.WithBase(l.gen.Base()), token.WithDebug(enabled)) }
}
func WithWarnFunc(fn WarnFunc) LockerOption { return func(l *Locker) { l.warn = fn } }
func WithMetrics(m MetricsRecorder) LockerOption { return func(l *Locker) { l.metrics = m } }
func WithEvents(e EventPublisher) LockerOption   { return func(l *Locker) { l.events = e } }
func WithTracer(t trace.Tracer) LockerOption     { return func(l *Locker) { l.tracer = t } }

// NewLocker builds a Locker over the given KV client and kicks off
// background script registration; the script waiter must complete before
// any acquisition proceeds.
func NewLocker(kvClient kv.Client, opts ...LockerOption) *Locker {
	l := &Locker{
		kv:        kvClient,
		defaults:  DefaultDefaults(),
		gen:       token.New(),
		prefix:    DefaultPrefix,
		readyDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.readyCh = kvClient.RegisterScriptDir(context.Background())
	return l
}

func (l *Locker) awaitReady(ctx context.Context) error {
	l.readyOnce.Do(func() {
		go func() {
			l.readyErr = <-l.readyCh
			close(l.readyDone)
		}()
	})
	select {
	case <-l.readyDone:
		return l.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Locker) recordAcquisition(role Role, key, outcome string, waited time.Duration) {
	if l.metrics != nil {
		l.metrics.RecordAcquisition(role, key, outcome, waited)
	}
}

func (l *Locker) recordConflict(role Role, key string) {
	if l.metrics != nil {
		l.metrics.RecordConflict(role, key)
	}
}

func (l *Locker) recordTimeout(role Role, key string) {
	if l.metrics != nil {
		l.metrics.RecordTimeout(role, key)
	}
}

// startSpan opens a tracing span when a tracer is configured, and is a
// no-op otherwise (trace.Span safely discards calls when its embedded
// noopSpan has no backing tracer).
func (l *Locker) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if l.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return l.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("rzlock.key", key)))
}

func (l *Locker) publish(ctx context.Context, evt LifecycleEvent) {
	if l.events != nil {
		l.events.Publish(ctx, evt)
	}
}

func (l *Locker) maybeWarn(key string, role Role, elapsed time.Duration, warned *bool, threshold time.Duration) {
	if threshold <= 0 || *warned || elapsed < threshold {
		return
	}
	*warned = true
	if l.warn != nil {
		l.warn(key, role, elapsed)
	}
}

// nextWait implements the backoff schedule: waitTime = min(1s,
// 3*prev + rand[0,3ms)).
func nextWait(prev time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(3 * time.Millisecond)))
	next := 3*prev + jitter
	if next > time.Second {
		return time.Second
	}
	return next
}

const initialWait = 5 * time.Millisecond

// holderChanged reports whether the observed blocker changed since the
// last poll: a single holder token is compared directly, and the reader
// set draining a claimed write lock is compared by semantic,
// order-insensitive equality (the set a script returns carries no
// ordering guarantee).
func holderChanged(prevHolder string, prevMembers, curMembers []string, curHolder string) bool {
	if curHolder != "" || prevHolder != "" {
		return curHolder != prevHolder
	}
	return !sameSet(prevMembers, curMembers)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return true
}

// ReadLock acquires a shared read lease on key, selecting the shard
// (the key's natural shard, or a random shard when distributed).
func (l *Locker) ReadLock(ctx context.Context, key string, opts Options) (*Handle, error) {
	ctx, span := l.startSpan(ctx, "rzlock.ReadLock", key)
	defer span.End()
	if err := l.awaitReady(ctx); err != nil {
		return nil, fmt.Errorf("lock: awaiting script registration: %w", err)
	}
	r := opts.resolve(l.defaults, l.gen.Base())
	if r.distributed == DistributedOn {
		return l.distributedReadLock(ctx, key, r)
	}
	tok := l.gen.Next(r.conflictPriority)
	shard, err := l.kv.Shard(ctx, key, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
	if err != nil {
		return nil, &lockerrors.BackendError{Err: err}
	}
	return l.readLockOnShard(ctx, key, tok, shard, shardRef{key: key}, r)
}

func (l *Locker) readLockOnShard(ctx context.Context, key, tok string, shard kv.Shard, ref shardRef, r resolved) (*Handle, error) {
	start := time.Now()
	wait := initialWait
	var warned bool
	var prevHolder string
	var holderChanges int

	wKey, rKey := writeKey(l.prefix, key), readKey(l.prefix, key)

	for {
		reply, err := shard.RunScript(ctx, "readlock_acquire", []string{wKey, rKey}, tok, ttlSeconds(r.lockTimeout))
		if err != nil && !errors.Is(err, lockerrors.ErrShardUnavailable) {
			return nil, err
		}
		if err == nil {
			if reply.Code == 1 {
				l.recordAcquisition(RoleRead, key, "success", time.Since(start))
				h := l.newHandle(key, tok, RoleRead, ref, r)
				l.publish(ctx, LifecycleEvent{Key: key, Role: RoleRead, Kind: "acquired", Token: tok, At: start})
				return h, nil
			}
			if reply.Code == 0 && holderChanged(prevHolder, nil, nil, reply.Holder) {
				prevHolder = reply.Holder
				holderChanges++
				wait = initialWait
			}
		}

		elapsed := time.Since(start)
		l.maybeWarn(key, RoleRead, elapsed, &warned, r.warnTime)
		if r.maxWaitTime == 0 {
			l.recordTimeout(RoleRead, key)
			return nil, l.lockedErr(key, RoleRead, r, tok, prevHolder, holderChanges, "")
		}
		if elapsed >= r.maxWaitTime {
			l.recordTimeout(RoleRead, key)
			return nil, l.lockedErr(key, RoleRead, r, tok, prevHolder, holderChanges, "timeout")
		}
		if err := sleepOrDone(ctx, wait); err != nil {
			return nil, err
		}
		wait = nextWait(wait)
	}
}

// WriteLock acquires an exclusive write lease on key via the two-phase
// claim-then-drain protocol.
func (l *Locker) WriteLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	ctx, span := l.startSpan(ctx, "rzlock.WriteLock", key)
	defer span.End()
	if err := l.awaitReady(ctx); err != nil {
		return nil, fmt.Errorf("lock: awaiting script registration: %w", err)
	}
	r := opts.resolve(l.defaults, l.gen.Base())
	switch r.distributed {
	case DistributedOn:
		return l.distributedWriteLock(ctx, key, r)
	case DistributedAuto:
		return l.autoWriteLock(ctx, key, r)
	}
	tok := l.gen.Next(r.conflictPriority)
	shard, err := l.kv.Shard(ctx, key, kv.ShardOptions{DownNodeExpiry: r.downNodeExpiry})
	if err != nil {
		return nil, &lockerrors.BackendError{Err: err}
	}
	return l.writeLockOnShard(ctx, key, tok, shard, shardRef{key: key}, r)
}

func (l *Locker) writeLockOnShard(ctx context.Context, key, tok string, shard kv.Shard, ref shardRef, r resolved) (*Handle, error) {
	start := time.Now()
	wait := initialWait
	var warned bool
	var prevHolder string
	var prevMembers []string
	var holderChanges int
	var claimed bool

	// A caller-supplied token base (Options.TokenBase, or a lock set's base)
	// replaces the generator's base, so writers sharing it compare
	// consistently in conflict resolution.
	if base := l.gen.Base(); r.tokenBase != base && len(tok) >= 2+len(base) && tok[2:2+len(base)] == base {
		tok = tok[:2] + r.tokenBase + tok[2+len(base):]
	}

	wKey, rKey := writeKey(l.prefix, key), readKey(l.prefix, key)

	cleanup := func() {
		if claimed {
			_, _ = shard.RunScript(ctx, "writelock_release", []string{wKey}, tok)
		}
	}

	for {
		script := "writelock_acquire"
		if claimed {
			script = "writelock_retry"
		}
		reply, err := shard.RunScript(ctx, script, []string{wKey, rKey}, tok, ttlSeconds(r.lockTimeout))
		if err != nil && !errors.Is(err, lockerrors.ErrShardUnavailable) {
			cleanup()
			return nil, err
		}
		if err == nil {
			switch reply.Code {
			case 1:
				l.recordAcquisition(RoleWrite, key, "success", time.Since(start))
				h := l.newHandle(key, tok, RoleWrite, ref, r)
				l.publish(ctx, LifecycleEvent{Key: key, Role: RoleWrite, Kind: "acquired", Token: tok, At: start})
				return h, nil
			case 2:
				claimed = true
				if holderChanged(prevHolder, prevMembers, reply.Members, "") {
					prevHolder = ""
					prevMembers = reply.Members
					holderChanges++
					wait = initialWait
				}
			case 0:
				claimed = false
				if holderChanged(prevHolder, nil, nil, reply.Holder) {
					prevHolder = reply.Holder
					prevMembers = nil
					holderChanges++
					wait = initialWait
				}
				if r.resolveConflicts && token.Compare(tok, reply.Holder) > 0 {
					l.recordConflict(RoleWrite, key)
					return nil, l.lockedErr(key, RoleWrite, r, tok, prevHolder, holderChanges, "conflict resolution")
				}
			}
		}

		elapsed := time.Since(start)
		l.maybeWarn(key, RoleWrite, elapsed, &warned, r.warnTime)
		if r.maxWaitTime == 0 {
			cleanup()
			l.recordTimeout(RoleWrite, key)
			return nil, l.lockedErr(key, RoleWrite, r, tok, prevHolder, holderChanges, "")
		}
		if elapsed >= r.maxWaitTime {
			cleanup()
			l.recordTimeout(RoleWrite, key)
			return nil, l.lockedErr(key, RoleWrite, r, tok, prevHolder, holderChanges, "timeout")
		}
		if err := sleepOrDone(ctx, wait); err != nil {
			cleanup()
			return nil, err
		}
		wait = nextWait(wait)
	}
}

func (l *Locker) lockedErr(key string, role Role, r resolved, tok, holder string, holderChanges int, reason string) error {
	return &lockerrors.ResourceLockedError{
		Key:           key,
		Role:          role.String(),
		MaxWaitTime:   r.maxWaitTime,
		OwnToken:      tok,
		OwnBase:       r.tokenBase,
		Holder:        holder,
		HolderChanges: holderChanges,
		Reason:        reason,
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReadLockWrap acquires a read lock, invokes fn, and releases the handle
// before returning in every case.
func (l *Locker) ReadLockWrap(ctx context.Context, key string, opts Options, fn func(ctx context.Context) (any, error)) (any, error) {
	h, err := l.ReadLock(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)
	return fn(ctx)
}

// WriteLockWrap acquires a write lock, invokes fn, and releases the handle
// before returning in every case.
func (l *Locker) WriteLockWrap(ctx context.Context, key string, opts Options, fn func(ctx context.Context) (any, error)) (any, error) {
	h, err := l.WriteLock(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)
	return fn(ctx)
}

// CreateLockSet builds a fresh, empty top-level lock set bound to this
// locker, with its own fixed token base.
func (l *Locker) CreateLockSet() *LockSet {
	return newLockSet(l, l.gen.Base())
}
