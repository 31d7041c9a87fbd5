// Package transport holds the error taxonomy shared by the poller, the push
// channel client and the failover controller.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is terminal for a subscription and is never retried.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrEndpointUnsupported signals that a resource does not support resumable
	// polling (HTTP 404/405/501 on the long-poll endpoint).
	ErrEndpointUnsupported = errors.New("resumable polling unsupported")

	// ErrNotJoined is returned when pushing on a channel that is not joined.
	ErrNotJoined = errors.New("channel not joined")
)

// TransportError is a transient network, status or parse failure. Callers
// retry it with backoff.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError describes an inbound frame that was dropped.
type ProtocolError struct {
	Reason string
	Frame  []byte
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// Kind is the failure class of an error.
type Kind int

const (
	KindNone Kind = iota
	KindCancelled
	KindUnauthenticated
	KindEndpointUnsupported
	KindTransient
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCancelled:
		return "cancelled"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindEndpointUnsupported:
		return "endpoint-unsupported"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps an error onto the taxonomy. Unknown errors are transient.
func Classify(err error) Kind {
	var protoErr *ProtocolError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrEndpointUnsupported):
		return KindEndpointUnsupported
	case errors.As(err, &protoErr):
		return KindProtocol
	default:
		return KindTransient
	}
}
