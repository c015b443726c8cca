// Package relay defines the interface for upstream delivery transports and
// the error taxonomy they report.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/smtp-gate/internal/envelope"
)

// Relay delivers an accepted envelope to the upstream. Implementations open
// and close their own sessions and never retry.
type Relay interface {
	// Deliver submits env upstream. A non-nil error is a *DeliveryError.
	Deliver(ctx context.Context, env *envelope.Envelope) error

	// Name returns the human-readable name of this relay transport.
	Name() string
}

// Kind classifies a delivery failure.
type Kind int

const (
	ConnectFailed Kind = iota + 1
	TLSFailed
	AuthFailed
	Rejected
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConnectFailed:
		return "connect_failed"
	case TLSFailed:
		return "tls_failed"
	case AuthFailed:
		return "auth_failed"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DeliveryError reports why an upstream relay attempt did not complete.
type DeliveryError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	default:
		return e.Kind.String()
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Errorf builds a DeliveryError of the given kind wrapping err.
func Errorf(kind Kind, err error, format string, args ...any) *DeliveryError {
	return &DeliveryError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or 0 if err is not a DeliveryError.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
