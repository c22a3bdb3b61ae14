package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/dgryski/go-rendezvous"
	redis "github.com/redis/go-redis/v9"

	"github.com/rzlock/rzlock-go/v1/lockerrors"
)

// ShardedClient is the reference Client implementation: one redis.Client per
// shard, rendezvous-hashed key routing, and a ristretto-backed tracker that
// remembers which shards recently failed so repeated calls to a down node
// fail fast for DownNodeExpiry instead of retrying the transport.
type ShardedClient struct {
	nodes   []*redis.Client
	addrs   []string
	table   *rendezvous.Rendezvous
	scripts map[string]*redis.Script

	downMu  sync.Mutex
	downTrk *ristretto.Cache
}

// NewShardedClient connects to the given shard addresses and builds the
// rendezvous routing table. Shard indices are assigned in the order addrs
// is given, and distributed-mode operations address shards by that index.
func NewShardedClient(addrs []string, opt func(*redis.Options)) (*ShardedClient, error) {
	if len(addrs) == 0 {
		return nil, &lockerrors.InvalidArgumentError{Message: "kv: at least one shard address is required"}
	}
	scripts, err := loadScripts()
	if err != nil {
		return nil, err
	}
	downTrk, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: creating down-node tracker: %w", err)
	}

	nodes := make([]*redis.Client, len(addrs))
	names := make([]string, len(addrs))
	for i, addr := range addrs {
		opts := &redis.Options{Addr: addr}
		if opt != nil {
			opt(opts)
		}
		nodes[i] = redis.NewClient(opts)
		names[i] = strconv.Itoa(i)
	}
	table := rendezvous.New(names, xxhash.Sum64String)

	return &ShardedClient{
		nodes:   nodes,
		addrs:   addrs,
		table:   table,
		scripts: scripts,
		downTrk: downTrk,
	}, nil
}

// NumShards implements Client.
func (c *ShardedClient) NumShards() int { return len(c.nodes) }

// Shard implements Client: routes key to a shard via rendezvous hashing.
func (c *ShardedClient) Shard(ctx context.Context, key string, opts ShardOptions) (Shard, error) {
	name := c.table.Lookup(key)
	idx, err := strconv.Atoi(name)
	if err != nil {
		return nil, fmt.Errorf("kv: rendezvous table returned malformed shard name %q: %w", name, err)
	}
	return c.ShardByIndex(ctx, idx, opts)
}

// ShardByIndex implements Client: addresses a shard directly by index,
// which is how distributed mode fans out across every shard.
func (c *ShardedClient) ShardByIndex(ctx context.Context, index int, opts ShardOptions) (Shard, error) {
	if index < 0 || index >= len(c.nodes) {
		return nil, &lockerrors.InvalidArgumentError{Message: fmt.Sprintf("kv: shard index %d out of range", index)}
	}
	if c.isDown(index) {
		return nil, lockerrors.ErrShardUnavailable
	}
	return &shard{client: c, index: index, downNodeExpiry: opts.DownNodeExpiry}, nil
}

// RegisterScriptDir implements Client. It loads every embedded script onto
// every shard concurrently and resolves the returned channel exactly once,
// the way a registration future should behave.
func (c *ShardedClient) RegisterScriptDir(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		var wg sync.WaitGroup
		errs := make([]error, len(c.nodes))
		for i, node := range c.nodes {
			wg.Add(1)
			go func(i int, node *redis.Client) {
				defer wg.Done()
				for _, script := range c.scripts {
					if err := script.Load(ctx, node).Err(); err != nil {
						errs[i] = fmt.Errorf("kv: loading scripts on shard %d: %w", i, err)
						return
					}
				}
			}(i, node)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				ch <- err
				return
			}
		}
		ch <- nil
	}()
	return ch
}

// Close releases every shard's connection.
func (c *ShardedClient) Close() error {
	var firstErr error
	for _, node := range c.nodes {
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.downTrk.Close()
	return firstErr
}

func (c *ShardedClient) isDown(index int) bool {
	c.downMu.Lock()
	defer c.downMu.Unlock()
	_, ok := c.downTrk.Get(index)
	return ok
}

func (c *ShardedClient) markDown(index int, expiry time.Duration) {
	if expiry <= 0 {
		return
	}
	c.downMu.Lock()
	c.downTrk.SetWithTTL(index, true, 1, expiry)
	// ristretto applies sets through a buffer; wait so the very next
	// isDown call already sees the shard as down.
	c.downTrk.Wait()
	c.downMu.Unlock()
}

func (c *ShardedClient) clearDown(index int) {
	c.downMu.Lock()
	c.downTrk.Del(index)
	c.downMu.Unlock()
}

// isTransportError classifies an error as a transport-layer failure that
// should count against a shard's down-node status, as opposed to a
// well-formed Redis reply (redis.Nil, a script error, WRONGTYPE, ...).
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type shard struct {
	client         *ShardedClient
	index          int
	downNodeExpiry time.Duration
}

func (s *shard) Index() int { return s.index }

func (s *shard) node() *redis.Client { return s.client.nodes[s.index] }

func (s *shard) wrap(err error) error {
	if err == nil {
		s.client.clearDown(s.index)
		return nil
	}
	if isTransportError(err) {
		s.client.markDown(s.index, s.downNodeExpiry)
		return lockerrors.ErrShardUnavailable
	}
	if errors.Is(err, redis.Nil) {
		return err
	}
	return &lockerrors.BackendError{Err: err}
}

func (s *shard) RunScript(ctx context.Context, name string, keys []string, args ...any) (ScriptReply, error) {
	script, ok := s.client.scripts[name]
	if !ok {
		return ScriptReply{}, &lockerrors.InvalidArgumentError{Message: "kv: unknown script " + name}
	}
	raw, err := script.Run(ctx, s.node(), keys, args...).Result()
	if err != nil {
		return ScriptReply{}, s.wrap(err)
	}
	reply, err := decodeReply(name, raw)
	if err != nil {
		return ScriptReply{}, &lockerrors.BackendError{Err: err}
	}
	return reply, nil
}

func (s *shard) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.node().Exists(ctx, key).Result()
	if err != nil {
		return false, s.wrap(err)
	}
	return n > 0, nil
}

func (s *shard) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.node().TTL(ctx, key).Result()
	if err != nil {
		return 0, false, s.wrap(err)
	}
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (s *shard) SetEX(ctx context.Context, key string, value string, ttl time.Duration) error {
	err := s.node().Set(ctx, key, value, ttl).Err()
	return s.wrap(err)
}
