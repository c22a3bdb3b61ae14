package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/rzlock/rzlock-go/v1/kv"
)

func newTestLocker(t *testing.T, numShards int, opts ...LockerOption) (*Locker, func()) {
	t.Helper()
	locker, _, cleanup := newTestLockerWithMinis(t, numShards, opts...)
	return locker, cleanup
}

// newTestLockerWithMinis exposes the underlying miniredis instances so a
// test can advance their internal clock with FastForward, which is the only
// way to make a key's TTL actually lapse under miniredis (it does not expire
// keys against wall-clock sleep).
func newTestLockerWithMinis(t *testing.T, numShards int, opts ...LockerOption) (*Locker, []*miniredis.Miniredis, func()) {
	t.Helper()
	addrs := make([]string, numShards)
	minis := make([]*miniredis.Miniredis, numShards)
	for i := range addrs {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		minis[i] = mr
		addrs[i] = mr.Addr()
	}
	client, err := kv.NewShardedClient(addrs, nil)
	if err != nil {
		t.Fatalf("NewShardedClient: %v", err)
	}
	if err := <-client.RegisterScriptDir(context.Background()); err != nil {
		t.Fatalf("RegisterScriptDir: %v", err)
	}
	locker := NewLocker(client, opts...)
	cleanup := func() {
		client.Close()
		for _, mr := range minis {
			mr.Close()
		}
	}
	return locker, minis, cleanup
}

func dur(d time.Duration) *time.Duration { return &d }
