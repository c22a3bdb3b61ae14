// Package token generates the holder tokens used by rzlock to identify lock
// acquisitions. A token is a priority prefix, a per-process random base, and
// a monotonic counter, concatenated so that byte-lexicographic order over
// the whole string is meaningful for conflict resolution.
package token

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
)

// baseLen is the length in bytes of the per-process random base segment.
const baseLen = 17

// debugSentinel separates the core token from the debug metadata suffix.
const debugSentinel = " !!DEBUG!! "

// counterWidth keeps the decimal counter fixed-width so that lexicographic
// comparison between two tokens sharing the same priority and base stays
// monotonic as the counter grows (otherwise "9" would sort after "10").
const counterWidth = 20

// NewBase returns a fresh 17-byte random base using the same source the
// lock package's predecessor uses for holder tokens.
func NewBase() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(raw) < baseLen {
		raw += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return raw[:baseLen]
}

// counter is the process-wide monotonic counter shared by every Generator,
// so two generators with the same base never produce the same token.
var counter atomic.Uint64

// Generator produces unique, comparable tokens for a single locker instance.
type Generator struct {
	base      string
	debug     bool
	processID string
}

// Option configures a Generator.
type Option func(*Generator)

// WithBase overrides the random per-process base, e.g. so a LockSet can
// force every writer it creates to share one conflict-resolution identity.
func WithBase(base string) Option {
	return func(g *Generator) { g.base = base }
}

// WithDebug enables the debug metadata suffix on generated tokens.
func WithDebug(enabled bool) Option {
	return func(g *Generator) { g.debug = enabled }
}

// New creates a Generator. Without WithBase, a fresh random base is drawn.
func New(opts ...Option) *Generator {
	g := &Generator{base: NewBase()}
	for _, opt := range opts {
		opt(g)
	}
	if pid, err := hcuuid.GenerateUUID(); err == nil {
		g.processID = pid
	}
	return g
}

// Base returns the generator's per-process base.
func (g *Generator) Base() string {
	return g.base
}

// Next returns a new token at the given priority (0-99, lower wins
// conflicts). If the generator was created with WithDebug, a debug suffix
// carrying process metadata is appended after the core token.
func (g *Generator) Next(priority int) string {
	if priority < 0 {
		priority = 0
	}
	if priority > 99 {
		priority = 99
	}
	n := counter.Add(1)
	core := fmt.Sprintf("%02d%s%0*d", priority, g.base, counterWidth, n)
	if !g.debug {
		return core
	}
	return core + debugSentinel + fmt.Sprintf(`{"processID":%q,"base":%q}`, g.processID, g.base)
}

// Core strips any debug suffix from a token, returning the comparable core.
func Core(tok string) string {
	if idx := strings.Index(tok, debugSentinel); idx >= 0 {
		return tok[:idx]
	}
	return tok
}

// Compare returns a negative number if a's core token sorts before b's,
// zero if equal, and positive otherwise. Lower sorts first and wins
// conflict resolution.
func Compare(a, b string) int {
	return strings.Compare(Core(a), Core(b))
}

// Priority extracts the two-digit priority prefix from a token, or -1 if
// the token is malformed.
func Priority(tok string) int {
	core := Core(tok)
	if len(core) < 2 {
		return -1
	}
	p, err := strconv.Atoi(core[:2])
	if err != nil {
		return -1
	}
	return p
}
