package lockerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSuppressibleShardUnavailable(t *testing.T) {
	err := fmt.Errorf("contacting shard 2: %w", ErrShardUnavailable)
	if !IsSuppressible(err) {
		t.Fatal("expected shard-unavailable to be suppressible")
	}
}

func TestIsSuppressibleBackendError(t *testing.T) {
	err := &BackendError{Err: errors.New("connection reset")}
	if !IsSuppressible(err) {
		t.Fatal("expected BackendError to be suppressible")
	}
}

func TestIsSuppressibleRejectsOthers(t *testing.T) {
	if IsSuppressible(errors.New("boom")) {
		t.Fatal("plain errors must not be suppressible")
	}
	if IsSuppressible(&InvalidArgumentError{Message: "bad"}) {
		t.Fatal("invalid argument errors must not be suppressible")
	}
}

func TestResourceLockedErrorMessage(t *testing.T) {
	err := &ResourceLockedError{Key: "k", Reason: "timeout"}
	if got := err.Error(); got != "A lock cannot be acquired on the resource: k (timeout)" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestIsResourceLocked(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &ResourceLockedError{Key: "k"})
	if !IsResourceLocked(err) {
		t.Fatal("expected wrapped ResourceLockedError to be detected")
	}
}

func TestSuppressIfDown(t *testing.T) {
	if err := SuppressIfDown(nil); err != nil {
		t.Fatalf("nil should stay nil, got %v", err)
	}
	if err := SuppressIfDown(ErrShardUnavailable); err != nil {
		t.Fatalf("shard-unavailable should be suppressed, got %v", err)
	}
	boom := errors.New("boom")
	if err := SuppressIfDown(boom); err != boom {
		t.Fatalf("non-suppressible error must propagate unchanged, got %v", err)
	}
}
