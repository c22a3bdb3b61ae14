package lock

import "time"

// Distributed is the tri-state variant that decides how a lock is spread
// across shards.
type Distributed int

const (
	DistributedOff Distributed = iota
	DistributedOn
	DistributedAuto
)

// OnErrorPolicy controls how an upgrade (single handle or whole lock set)
// reacts to a failed write acquisition.
type OnErrorPolicy int

const (
	OnErrorStop OnErrorPolicy = iota
	OnErrorRelease
	OnErrorIgnore
)

// defaultConflictPriority is the priority applied when a caller doesn't
// supply one: the midpoint of the 00-99 range, neither favored nor
// disfavored against an unconfigured peer.
const defaultConflictPriority = 50

// Leaving a pointer option below nil means "apply the locker's configured
// default", while an explicit zero value (e.g. maxWaitTime:0) is meaningful
// on its own and must not be confused with "unset".
//
// Options therefore uses pointers for every timing field that has a
// meaningful zero.

// Options configures a single acquisition. The zero value applies every
// locker default; the locker resolves it against its Defaults with
// resolve() for every call.
type Options struct {
	LockTimeout           *time.Duration
	MaxWaitTime           *time.Duration
	DownNodeExpiry        *time.Duration
	HeartbeatInterval     *time.Duration
	HeartbeatDisabled     bool
	HeartbeatTimeout      *time.Duration
	WarnTime              *time.Duration
	ResolveConflicts      bool
	ConflictPriority      *int
	TokenBase             string
	Distributed           Distributed
	EnableDistributedAuto *bool
	OnError               OnErrorPolicy
	DebugTokens           bool
	LockSet               *LockSet
}

// Defaults holds the locker-wide defaults that Options fields fall back to
// when left nil. Spec §6's default timing table.
type Defaults struct {
	LockTimeout                    time.Duration
	MaxWaitTime                    time.Duration
	DownNodeExpiry                 time.Duration
	WarnTime                       time.Duration
	MinDistributedLockFlagExpire   time.Duration
	MaxDistributedLockFlagExpire   time.Duration
	DistributedLockFlagTimerWindow time.Duration
	EnableDistributedAuto          bool
}

// DefaultDefaults returns the spec's recommended defaults: lockTimeout 60s,
// maxWaitTime 86400s, downNodeExpiry = lockTimeout, warnTime unset (0,
// meaning disabled), and the distributed-flag timing table from §6.
func DefaultDefaults() Defaults {
	return Defaults{
		LockTimeout:                    60 * time.Second,
		MaxWaitTime:                    86400 * time.Second,
		DownNodeExpiry:                 60 * time.Second,
		WarnTime:                       0,
		MinDistributedLockFlagExpire:   5 * time.Second,
		MaxDistributedLockFlagExpire:   60 * time.Second,
		DistributedLockFlagTimerWindow: 15 * time.Second,
		EnableDistributedAuto:          true,
	}
}

// resolved is the fully materialized set of knobs a single acquisition
// attempt needs, with every default substituted in.
type resolved struct {
	lockTimeout           time.Duration
	maxWaitTime           time.Duration
	downNodeExpiry        time.Duration
	heartbeatInterval     time.Duration
	heartbeatDisabled     bool
	heartbeatTimeout      time.Duration
	warnTime              time.Duration
	resolveConflicts      bool
	conflictPriority      int
	tokenBase             string
	distributed           Distributed
	enableDistributedAuto bool
	onError               OnErrorPolicy
	debugTokens           bool
}

func (o Options) resolve(d Defaults, fallbackBase string) resolved {
	r := resolved{
		lockTimeout:      d.LockTimeout,
		maxWaitTime:      d.MaxWaitTime,
		downNodeExpiry:   d.DownNodeExpiry,
		warnTime:         d.WarnTime,
		resolveConflicts: o.ResolveConflicts,
		conflictPriority: defaultConflictPriority,
		tokenBase:        fallbackBase,
		distributed:      o.Distributed,
		onError:          o.OnError,
		debugTokens:      o.DebugTokens,
	}
	if o.LockTimeout != nil {
		r.lockTimeout = *o.LockTimeout
	}
	if o.MaxWaitTime != nil {
		r.maxWaitTime = *o.MaxWaitTime
	}
	if o.DownNodeExpiry != nil {
		r.downNodeExpiry = *o.DownNodeExpiry
	}
	if o.WarnTime != nil {
		r.warnTime = *o.WarnTime
	}
	if o.TokenBase != "" {
		r.tokenBase = o.TokenBase
	}
	if o.ConflictPriority != nil {
		r.conflictPriority = *o.ConflictPriority
	}

	r.heartbeatInterval = r.lockTimeout / 3 / time.Millisecond * time.Millisecond
	if o.HeartbeatInterval != nil {
		r.heartbeatInterval = *o.HeartbeatInterval
	}
	r.heartbeatTimeout = time.Duration(ceilDiv(int64(3*r.heartbeatInterval), int64(time.Second))) * time.Second
	if o.HeartbeatTimeout != nil {
		r.heartbeatTimeout = *o.HeartbeatTimeout
	}
	r.heartbeatDisabled = o.HeartbeatDisabled

	r.enableDistributedAuto = d.EnableDistributedAuto
	if o.EnableDistributedAuto != nil {
		r.enableDistributedAuto = *o.EnableDistributedAuto
	}
	return r
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	if a%b == 0 {
		return a / b
	}
	return a/b + 1
}
