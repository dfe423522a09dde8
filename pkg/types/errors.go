package types

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by the endpoint, connection, transfer
// and control-plane packages wraps exactly one of these.
var (
	// ErrResourceAllocation covers device open, PD allocation, memory
	// registration, CQ and QP creation. Always fatal.
	ErrResourceAllocation = errors.New("resource allocation failure")
	// ErrTransition is a rejected or out-of-order queue pair state change.
	ErrTransition = errors.New("queue pair transition failure")
	// ErrPost means a work request could not be enqueued. The queue pair
	// stays usable.
	ErrPost = errors.New("work request post failure")
	// ErrCompletion is a work completion with a non-success status.
	ErrCompletion = errors.New("work completion error")
	// ErrTimeout is an expired deadline on a blocking operation.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrExchange is a control-plane failure other than a timeout.
	ErrExchange = errors.New("control plane exchange failure")
)

var kinds = []error{
	ErrResourceAllocation,
	ErrTransition,
	ErrPost,
	ErrCompletion,
	ErrTimeout,
	ErrExchange,
}

// KindOf returns the failure kind err wraps, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel returns a short stable label for err's kind, for logs and metrics.
func KindLabel(err error) string {
	switch KindOf(err) {
	case ErrResourceAllocation:
		return "resource_allocation"
	case ErrTransition:
		return "transition"
	case ErrPost:
		return "post"
	case ErrCompletion:
		return "completion"
	case ErrTimeout:
		return "timeout"
	case ErrExchange:
		return "exchange"
	default:
		return "other"
	}
}

// CompletionStatus is implemented by the verbs work completion status so this
// package stays independent of the provider layer.
type CompletionStatus interface {
	fmt.Stringer
	Code() int
}

// CompletionError reports a work completion that finished with a failure status.
type CompletionError struct {
	WRID      uint64
	Status    CompletionStatus
	VendorErr uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%v: wr_id %d completed with status %s (%d), vendor error 0x%x",
		ErrCompletion, e.WRID, e.Status, e.Status.Code(), e.VendorErr)
}

// Is makes errors.Is(err, ErrCompletion) hold for every CompletionError.
func (e *CompletionError) Is(target error) bool {
	return target == ErrCompletion
}
