package token

import (
	"strings"
	"testing"
)

func TestNextIsMonotonicAndComparable(t *testing.T) {
	g := New(WithBase("aaaaaaaaaaaaaaaaa"))
	first := g.Next(50)
	second := g.Next(50)
	if Compare(first, second) >= 0 {
		t.Fatalf("expected first < second, got %q vs %q", first, second)
	}
}

func TestPriorityDominatesBase(t *testing.T) {
	low := New(WithBase("zzzzzzzzzzzzzzzzz")).Next(1)
	high := New(WithBase("aaaaaaaaaaaaaaaaa")).Next(50)
	if Compare(low, high) >= 0 {
		t.Fatalf("lower priority should sort first regardless of base: %q vs %q", low, high)
	}
}

func TestDebugSuffixStrippedByCore(t *testing.T) {
	g := New(WithBase("aaaaaaaaaaaaaaaaa"), WithDebug(true))
	tok := g.Next(50)
	if !strings.Contains(tok, debugSentinel) {
		t.Fatalf("expected debug sentinel in token %q", tok)
	}
	core := Core(tok)
	if strings.Contains(core, debugSentinel) {
		t.Fatalf("Core did not strip sentinel: %q", core)
	}
	g2 := New(WithBase("aaaaaaaaaaaaaaaaa"), WithDebug(true))
	tok2 := g2.Next(50)
	if Compare(tok, tok2) == 0 {
		t.Fatalf("expected distinct cores, got equal: %q vs %q", tok, tok2)
	}
}

func TestCompareUnaffectedByDebugSuffix(t *testing.T) {
	plain := New(WithBase("aaaaaaaaaaaaaaaaa"))
	debug := New(WithBase("aaaaaaaaaaaaaaaaa"), WithDebug(true))
	a := plain.Next(50)
	b := debug.Next(50)
	// Same base, both drawing from the process-wide counter; exercise Core()
	// on both, and check that a debug token compares equal to its own core.
	if Core(a) == "" || Core(b) == "" {
		t.Fatalf("expected non-empty cores")
	}
	if Compare(b, Core(b)) != 0 {
		t.Fatalf("expected the debug suffix to be ignored by Compare: %q", b)
	}
}

func TestPriorityExtraction(t *testing.T) {
	g := New(WithBase("aaaaaaaaaaaaaaaaa"))
	tok := g.Next(7)
	if p := Priority(tok); p != 7 {
		t.Fatalf("expected priority 7, got %d", p)
	}
}

func TestNewBaseLength(t *testing.T) {
	b := NewBase()
	if len(b) != baseLen {
		t.Fatalf("expected base length %d, got %d (%q)", baseLen, len(b), b)
	}
}
