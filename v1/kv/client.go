// Package kv defines the sharded key/value client contract the lock engine
// treats as an external collaborator, plus a reference implementation,
// ShardedClient, built on redis/go-redis shards addressed by rendezvous
// hashing.
package kv

import (
	"context"
	"time"
)

// ScriptReply is the decoded reply of one of the seven atomic lock scripts:
// a small tagged array whose first element is the outcome code.
//
// Outcome codes: 0 = not-acquired-due-to-conflict, 1 = success,
// 2 = claimed-pending-drain, 3 = lost.
type ScriptReply struct {
	Code    int
	Holder  string   // the conflicting writer's token, set on code 0
	Members []string // reader tokens, set on code 1 (read acquire, read release) and code 2 (write drain)
}

// ShardOptions configures how a shard lookup treats a recently-failed node.
type ShardOptions struct {
	// DownNodeExpiry is the grace period during which a node that failed a
	// request is still reported as unavailable without being retried.
	DownNodeExpiry time.Duration
}

// Shard is a handle to one backend node.
type Shard interface {
	// Index is this shard's position in the client's shard list.
	Index() int
	// RunScript evaluates a previously registered atomic script.
	RunScript(ctx context.Context, name string, keys []string, args ...any) (ScriptReply, error)
	// Exists, TTL and SetEX are the idiomatic primitives used only for
	// maintaining the distributed-flag marker.
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	SetEX(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Client is the sharded KV client contract the lock engine requires.
type Client interface {
	// Shard returns the shard responsible for key.
	Shard(ctx context.Context, key string, opts ShardOptions) (Shard, error)
	// ShardByIndex returns the shard at the given index, used by distributed
	// mode which addresses shards directly rather than by key.
	ShardByIndex(ctx context.Context, index int, opts ShardOptions) (Shard, error)
	// NumShards returns the number of shards, always >= 1.
	NumShards() int
	// RegisterScriptDir loads every atomic lock script onto every shard. The
	// returned channel carries a single value (nil on success) once
	// registration has completed on all shards.
	RegisterScriptDir(ctx context.Context) <-chan error
}
