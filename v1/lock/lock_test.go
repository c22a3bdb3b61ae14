package lock

import (
	"context"
	"testing"
	"time"

	"github.com/rzlock/rzlock-go/v1/lockerrors"
)

// Scenario 1: single-key write, release, re-lock.
func TestSingleKeyWriteReleaseRelock(t *testing.T) {
	l, cleanup := newTestLocker(t, 1)
	defer cleanup()
	ctx := context.Background()

	h, err := l.WriteLock(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("writeLock: %v", err)
	}
	if got := h.Token()[:2]; got != "50" {
		t.Fatalf("expected token to start with default priority 50, got %q", got)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	h2, err := l.WriteLock(ctx, "k", Options{MaxWaitTime: dur(0)})
	if err != nil {
		t.Fatalf("re-lock with maxWaitTime=0 should succeed immediately: %v", err)
	}
	_ = h2.Release(ctx)
}

// Scenario 2: write blocks read, read blocks write.
func TestWriteBlocksReadAndReadBlocksWrite(t *testing.T) {
	l, cleanup := newTestLocker(t, 1)
	defer cleanup()
	ctx := context.Background()

	a, err := l.WriteLock(ctx, "k", Options{LockTimeout: dur(10 * time.Second)})
	if err != nil {
		t.Fatalf("A writeLock: %v", err)
	}

	_, err = l.ReadLock(ctx, "k", Options{MaxWaitTime: dur(0)})
	if err == nil {
		t.Fatal("B readLock should have failed with RESOURCE_LOCKED")
	}
	if err.Error() != "A lock cannot be acquired on the resource: k" {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
	if !lockerrors.IsResourceLocked(err) {
		t.Fatalf("expected a ResourceLockedError, got %v", err)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("A release: %v", err)
	}

	c, err := l.ReadLock(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("C readLock: %v", err)
	}

	_, err = l.WriteLock(ctx, "k", Options{MaxWaitTime: dur(0)})
	if err == nil {
		t.Fatal("D writeLock should have failed while C holds the read lock")
	}

	if err := c.Release(ctx); err != nil {
		t.Fatalf("C release: %v", err)
	}

	d, err := l.WriteLock(ctx, "k", Options{MaxWaitTime: dur(time.Second)})
	if err != nil {
		t.Fatalf("D retry writeLock: %v", err)
	}
	_ = d.Release(ctx)
}

// Scenario 3: conflict resolution.
func TestConflictResolution(t *testing.T) {
	l1, cleanup := newTestLocker(t, 1)
	defer cleanup()

	// locker2 shares locker1's KV client so both contend on the same
	// backend, the way two independent processes would share a KV cluster.
	l2 := NewLocker(l1.kv)
	ctx := context.Background()

	optsA := Options{ResolveConflicts: true, TokenBase: "a", MaxWaitTime: dur(0)}
	optsB := Options{ResolveConflicts: true, TokenBase: "b", MaxWaitTime: dur(0)}

	h1, err := l1.WriteLock(ctx, "foo", optsA)
	if err != nil {
		t.Fatalf("locker1 writeLock: %v", err)
	}
	defer h1.Release(ctx)

	_, err = l2.WriteLock(ctx, "foo", optsB)
	if err == nil {
		t.Fatal("locker2 should lose conflict resolution")
	}
	rl, ok := err.(*lockerrors.ResourceLockedError)
	if !ok {
		t.Fatalf("expected *ResourceLockedError, got %T: %v", err, err)
	}
	if rl.Reason != "conflict resolution" {
		t.Fatalf("expected a conflict resolution message, got reason=%q", rl.Reason)
	}

	priority1 := 1
	optsBWithPriority := Options{ResolveConflicts: true, TokenBase: "b", MaxWaitTime: dur(0), ConflictPriority: &priority1}
	h3, err := l2.WriteLock(ctx, "bar", optsBWithPriority)
	if err != nil {
		t.Fatalf("locker2 with priority 1 should be able to lock an unheld key: %v", err)
	}
	_ = h3.Release(ctx)
}

// Scenario 4: lock-set reference counting and upgrade.
func TestLockSetRefCountingAndUpgrade(t *testing.T) {
	l, cleanup := newTestLocker(t, 1)
	defer cleanup()
	ctx := context.Background()

	s := l.CreateLockSet()

	l1, err := s.ReadLock(ctx, "k1", Options{})
	if err != nil {
		t.Fatalf("readLock: %v", err)
	}
	if l1.Role() != RoleRead {
		t.Fatalf("expected read role, got %v", l1.Role())
	}

	l1again, err := s.WriteLock(ctx, "k1", Options{})
	if err != nil {
		t.Fatalf("writeLock upgrade: %v", err)
	}
	if l1again != l1 {
		t.Fatal("expected the same handle object to be reused")
	}
	if l1again.Role() != RoleWrite {
		t.Fatalf("expected the handle to now be a writer, got %v", l1again.Role())
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if !l1.IsLocked() {
		t.Fatal("handle should still be locked after first release (refCount was 2)")
	}
	if err := l1.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if l1.IsLocked() {
		t.Fatal("handle should be released after its second release")
	}
}

// Scenario 5: heartbeat keeps lock alive past lockTimeout.
//
// miniredis does not expire keys against wall-clock sleep -- its TTL
// countdown only advances when FastForward is called. So the test drives
// expiry explicitly: it advances the shard's virtual clock in steps smaller
// than lockTimeout, interleaved with real sleeps so the background heartbeat
// (which runs on a real ticker) gets a chance to refresh the TTL between
// each step. The cumulative virtual advance exceeds lockTimeout, so the key
// only survives if the heartbeat is actually resetting it.
func TestHeartbeatKeepsLockAlive(t *testing.T) {
	l1, minis, cleanup := newTestLockerWithMinis(t, 1)
	defer cleanup()
	l2 := NewLocker(l1.kv)
	ctx := context.Background()

	h, err := l1.WriteLock(ctx, "k", Options{LockTimeout: dur(time.Second)})
	if err != nil {
		t.Fatalf("writeLock: %v", err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(400 * time.Millisecond)
		minis[0].FastForward(400 * time.Millisecond)
	}

	_, err = l2.WriteLock(ctx, "k", Options{MaxWaitTime: dur(0)})
	if err == nil {
		t.Fatal("expected the heartbeat to have kept the lock alive past its lockTimeout")
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	h2, err := l2.WriteLock(ctx, "k", Options{MaxWaitTime: dur(time.Second)})
	if err != nil {
		t.Fatalf("acquire after release should succeed: %v", err)
	}
	_ = h2.Release(ctx)
}

// Scenario 6: distributed auto upgrade.
func TestDistributedAutoUpgrade(t *testing.T) {
	l1, cleanup := newTestLocker(t, 3)
	defer cleanup()
	l2 := NewLocker(l1.kv)
	ctx := context.Background()

	wantNoFlag, err := l2.WriteLock(ctx, "nodflag", Options{Distributed: DistributedAuto})
	if err != nil {
		t.Fatalf("writeLock auto without a prior distributed read: %v", err)
	}
	if _, ok := wantNoFlag.(*Handle); !ok {
		t.Fatalf("expected a single-shard handle, got %T", wantNoFlag)
	}
	_ = wantNoFlag.Release(ctx)

	rh, err := l1.ReadLock(ctx, "k", Options{Distributed: DistributedOn})
	if err != nil {
		t.Fatalf("distributed readLock: %v", err)
	}
	if err := rh.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	wh, err := l2.WriteLock(ctx, "k", Options{Distributed: DistributedAuto})
	if err != nil {
		t.Fatalf("writeLock auto after a prior distributed read: %v", err)
	}
	dwh, ok := wh.(*DistributedWriteHandle)
	if !ok {
		t.Fatalf("expected a composite distributed handle, got %T", wh)
	}
	if len(dwh.perShard) != 3 {
		t.Fatalf("expected 3 per-shard handles, got %d", len(dwh.perShard))
	}
	_ = wh.Release(ctx)
}
