package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeStatus int

func (s fakeStatus) String() string { return "REM_ACCESS_ERR" }
func (s fakeStatus) Code() int      { return int(s) }

func TestKindOf(t *testing.T) {
	cause := errors.New("device busy")
	err := fmt.Errorf("%w: create queue pair: %w", ErrResourceAllocation, cause)

	if KindOf(err) != ErrResourceAllocation {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost in wrapping")
	}
	if KindLabel(err) != "resource_allocation" {
		t.Errorf("KindLabel = %q", KindLabel(err))
	}
	if KindOf(cause) != nil {
		t.Errorf("unwrapped cause has kind %v", KindOf(cause))
	}
	if KindLabel(cause) != "other" {
		t.Errorf("KindLabel = %q, want other", KindLabel(cause))
	}
}

func TestCompletionError(t *testing.T) {
	var err error = &CompletionError{WRID: 7, Status: fakeStatus(10), VendorErr: 0x88}

	if !errors.Is(err, ErrCompletion) {
		t.Error("CompletionError does not match ErrCompletion")
	}
	if KindLabel(err) != "completion" {
		t.Errorf("KindLabel = %q", KindLabel(err))
	}

	wrapped := fmt.Errorf("client write: %w", err)
	var ce *CompletionError
	if !errors.As(wrapped, &ce) {
		t.Fatal("errors.As failed on wrapped CompletionError")
	}
	if ce.Status.Code() != 10 {
		t.Errorf("status code = %d", ce.Status.Code())
	}
	if !strings.Contains(err.Error(), "REM_ACCESS_ERR") {
		t.Errorf("message %q lacks the status name", err.Error())
	}
}
