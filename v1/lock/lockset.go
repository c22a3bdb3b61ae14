package lock

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/rzlock/rzlock-go/v1/lockerrors"
)

// LockSet aggregates handles by key with reference counting, supports
// dependent (nested) sets, and bulk release/force-release/upgrade. All
// operations preserve insertion order for release.
type LockSet struct {
	mu         sync.Mutex
	locker     *Locker
	tokenBase  string
	order      []string
	locks      map[string]LockHandle
	dependents []*LockSet
}

func newLockSet(l *Locker, tokenBase string) *LockSet {
	return &LockSet{
		locker:    l,
		tokenBase: tokenBase,
		locks:     make(map[string]LockHandle),
	}
}

// addLock inserts an already-acquired handle under its key; fails if the
// key is already present.
func (s *LockSet) addLock(h LockHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.locks[h.Key()]; exists {
		return &lockerrors.ResourceLockedError{Key: h.Key(), Role: h.Role().String(), Reason: "already present in lock set"}
	}
	s.locks[h.Key()] = h
	s.order = append(s.order, h.Key())
	return nil
}

// AddLock is the exported form of addLock.
func (s *LockSet) AddLock(h LockHandle) error { return s.addLock(h) }

// GetLock retrieves the handle held for key, if any.
func (s *LockSet) GetLock(key string) (LockHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.locks[key]
	return h, ok
}

func (s *LockSet) withBase(opts Options) Options {
	if opts.TokenBase == "" {
		opts.TokenBase = s.tokenBase
	}
	return opts
}

// ReadLock reuses and increments an existing handle for key, or acquires
// a fresh read lock and inserts it.
func (s *LockSet) ReadLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	s.mu.Lock()
	if h, ok := s.locks[key]; ok {
		s.mu.Unlock()
		if err := h.Relock(); err != nil {
			return nil, err
		}
		return h, nil
	}
	s.mu.Unlock()

	h, err := s.locker.ReadLock(ctx, key, s.withBase(opts))
	if err != nil {
		return nil, err
	}
	if err := s.addLock(h); err != nil {
		_ = h.ForceRelease(ctx)
		return nil, err
	}
	return h, nil
}

// WriteLock reuses an existing handle for key (upgrading it if it is still
// a reader) and increments its refcount, or acquires fresh and inserts.
func (s *LockSet) WriteLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	s.mu.Lock()
	h, ok := s.locks[key]
	s.mu.Unlock()
	if ok {
		if h.Role() != RoleWrite {
			if err := h.Upgrade(ctx, s.withBase(opts)); err != nil {
				return nil, err
			}
		}
		if err := h.Relock(); err != nil {
			return nil, err
		}
		return h, nil
	}

	h, err := s.locker.WriteLock(ctx, key, s.withBase(opts))
	if err != nil {
		return nil, err
	}
	if err := s.addLock(h); err != nil {
		_ = h.ForceRelease(ctx)
		return nil, err
	}
	return h, nil
}

// ReadLockSet acquires a read lock for every key not already held, in
// order, skipping any key already held in the set or already locked
// earlier in this same call; on any failure it releases everything
// acquired in this call (not pre-existing set members) and returns the
// error.
func (s *LockSet) ReadLockSet(ctx context.Context, keys []string, opts Options) (*LockSet, error) {
	return s.bulkLock(ctx, keys, opts, s.ReadLock)
}

// WriteLockSet is the write-role counterpart of ReadLockSet.
func (s *LockSet) WriteLockSet(ctx context.Context, keys []string, opts Options) (*LockSet, error) {
	return s.bulkLock(ctx, keys, opts, s.WriteLock)
}

func (s *LockSet) bulkLock(ctx context.Context, keys []string, opts Options, acquire func(context.Context, string, Options) (LockHandle, error)) (*LockSet, error) {
	acquiredThisCall := make([]string, 0, len(keys))
	seenThisCall := make(map[string]bool, len(keys))
	for _, key := range keys {
		s.mu.Lock()
		_, already := s.locks[key]
		s.mu.Unlock()

		if already || seenThisCall[key] {
			continue
		}
		seenThisCall[key] = true

		if _, err := acquire(ctx, key, opts); err != nil {
			for i := len(acquiredThisCall) - 1; i >= 0; i-- {
				if h, ok := s.GetLock(acquiredThisCall[i]); ok {
					_ = h.ForceRelease(ctx)
					s.removeLocked(acquiredThisCall[i])
				}
			}
			return nil, err
		}
		acquiredThisCall = append(acquiredThisCall, key)
	}
	return s, nil
}

func (s *LockSet) removeLocked(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// CreateLockSet creates a new empty dependent set and registers it as a
// dependent of s.
func (s *LockSet) CreateLockSet() *LockSet {
	child := newLockSet(s.locker, s.tokenBase)
	s.mu.Lock()
	s.dependents = append(s.dependents, child)
	s.mu.Unlock()
	return child
}

// Release releases all owned handles in reverse insertion order, then all
// dependent sets in reverse insertion order, and clears both collections
// on success. Repeated calls after the first are a no-op.
func (s *LockSet) Release(ctx context.Context) error {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	locks := s.locks
	deps := append([]*LockSet(nil), s.dependents...)
	s.order = nil
	s.locks = make(map[string]LockHandle)
	s.dependents = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(order) - 1; i >= 0; i-- {
		if h, ok := locks[order[i]]; ok {
			if err := h.Release(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for i := len(deps) - 1; i >= 0; i-- {
		if err := deps[i].Release(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ForceRelease is Release's force-release counterpart: it ignores
// reference counts entirely.
func (s *LockSet) ForceRelease(ctx context.Context) error {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	locks := s.locks
	deps := append([]*LockSet(nil), s.dependents...)
	s.order = nil
	s.locks = make(map[string]LockHandle)
	s.dependents = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(order) - 1; i >= 0; i-- {
		if h, ok := locks[order[i]]; ok {
			if err := h.ForceRelease(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for i := len(deps) - 1; i >= 0; i-- {
		if err := deps[i].ForceRelease(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Upgrade upgrades every handle in reverse insertion order. onError
// controls the failure policy: stop rethrows immediately, release
// force-releases the whole set before rethrowing, ignore collects the
// failed handles and returns them instead of erroring.
func (s *LockSet) Upgrade(ctx context.Context, opts Options) ([]LockHandle, error) {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	r := opts.resolve(s.locker.defaults, s.tokenBase)
	var failed []LockHandle
	for i := len(order) - 1; i >= 0; i-- {
		h, ok := s.GetLock(order[i])
		if !ok {
			continue
		}
		if err := h.Upgrade(ctx, s.withBase(opts)); err != nil {
			switch r.onError {
			case OnErrorStop:
				return nil, err
			case OnErrorRelease:
				_ = s.ForceRelease(ctx)
				return nil, err
			case OnErrorIgnore:
				failed = append(failed, h)
			}
		}
	}
	return failed, nil
}
