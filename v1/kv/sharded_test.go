package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/rzlock/rzlock-go/v1/lockerrors"
)

func newTestShardedClient(t *testing.T, n int) (*ShardedClient, []*miniredis.Miniredis, func()) {
	t.Helper()
	addrs := make([]string, n)
	minis := make([]*miniredis.Miniredis, n)
	for i := 0; i < n; i++ {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		minis[i] = mr
		addrs[i] = mr.Addr()
	}
	client, err := NewShardedClient(addrs, nil)
	if err != nil {
		t.Fatalf("NewShardedClient: %v", err)
	}
	if err := <-client.RegisterScriptDir(context.Background()); err != nil {
		t.Fatalf("RegisterScriptDir: %v", err)
	}
	cleanup := func() {
		client.Close()
		for _, mr := range minis {
			mr.Close()
		}
	}
	return client, minis, cleanup
}

func TestShardRoutingIsStable(t *testing.T) {
	client, _, cleanup := newTestShardedClient(t, 4)
	defer cleanup()

	shard, err := client.Shard(context.Background(), "some-key", ShardOptions{})
	if err != nil {
		t.Fatalf("Shard: %v", err)
	}
	idx := shard.Index()
	for i := 0; i < 10; i++ {
		shard2, err := client.Shard(context.Background(), "some-key", ShardOptions{})
		if err != nil {
			t.Fatalf("Shard: %v", err)
		}
		if shard2.Index() != idx {
			t.Fatalf("routing for the same key changed: %d != %d", shard2.Index(), idx)
		}
	}
}

func TestShardByIndexOutOfRange(t *testing.T) {
	client, _, cleanup := newTestShardedClient(t, 2)
	defer cleanup()

	if _, err := client.ShardByIndex(context.Background(), 5, ShardOptions{}); err == nil {
		t.Fatal("expected an error for an out-of-range shard index")
	}
}

func TestRunScriptRoundTrip(t *testing.T) {
	client, _, cleanup := newTestShardedClient(t, 1)
	defer cleanup()
	ctx := context.Background()

	shard, err := client.ShardByIndex(ctx, 0, ShardOptions{})
	if err != nil {
		t.Fatalf("ShardByIndex: %v", err)
	}

	reply, err := shard.RunScript(ctx, "writelock_acquire", []string{"rzlock:write:k", "rzlock:read:k"}, "tok1", "0")
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if reply.Code != 1 {
		t.Fatalf("expected code 1, got %d", reply.Code)
	}

	reply, err = shard.RunScript(ctx, "writelock_acquire", []string{"rzlock:write:k", "rzlock:read:k"}, "tok2", "0")
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if reply.Code != 0 || reply.Holder != "tok1" {
		t.Fatalf("expected conflict with holder tok1, got code=%d holder=%q", reply.Code, reply.Holder)
	}
}

func TestExistsTTLSetEX(t *testing.T) {
	client, _, cleanup := newTestShardedClient(t, 1)
	defer cleanup()
	ctx := context.Background()

	shard, err := client.ShardByIndex(ctx, 0, ShardOptions{})
	if err != nil {
		t.Fatalf("ShardByIndex: %v", err)
	}

	if ok, err := shard.Exists(ctx, "rzlock:dflag:k"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
	if err := shard.SetEX(ctx, "rzlock:dflag:k", "1", 30*time.Second); err != nil {
		t.Fatalf("SetEX: %v", err)
	}
	if ok, err := shard.Exists(ctx, "rzlock:dflag:k"); err != nil || !ok {
		t.Fatalf("expected present key, got ok=%v err=%v", ok, err)
	}
	ttl, ok, err := shard.TTL(ctx, "rzlock:dflag:k")
	if err != nil || !ok || ttl <= 0 {
		t.Fatalf("expected a positive TTL, got ttl=%v ok=%v err=%v", ttl, ok, err)
	}
}

func TestShardUnavailableAfterTransportFailure(t *testing.T) {
	client, minis, cleanup := newTestShardedClient(t, 1)
	defer cleanup()
	ctx := context.Background()

	minis[0].Close()

	shard, err := client.ShardByIndex(ctx, 0, ShardOptions{DownNodeExpiry: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("ShardByIndex: %v", err)
	}
	if _, err := shard.Exists(ctx, "rzlock:dflag:k"); !errors.Is(err, lockerrors.ErrShardUnavailable) {
		t.Fatalf("expected ErrShardUnavailable, got %v", err)
	}

	if _, err := client.ShardByIndex(ctx, 0, ShardOptions{DownNodeExpiry: 50 * time.Millisecond}); !errors.Is(err, lockerrors.ErrShardUnavailable) {
		t.Fatalf("expected shard to be reported down within its grace period, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := client.ShardByIndex(ctx, 0, ShardOptions{DownNodeExpiry: 50 * time.Millisecond}); err != nil {
		t.Fatalf("expected shard to be retried after its grace period expired, got %v", err)
	}
}
