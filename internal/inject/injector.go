// internal/inject/injector.go
package inject

import (
	"context"
	"errors"
	"fmt"
)

// ErrTargetNotFound indicates the requested UI element was not present.
// The condition is transient: the element may appear after a retry delay.
var ErrTargetNotFound = errors.New("injection target not found")

// TransportError wraps a communication failure with the injection backend.
// Transport failures are retried a bounded number of times before the action
// is abandoned.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("injection transport failure: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether an injection error is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTargetNotFound) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}

// Injector is the narrow contract to the external input-injection
// collaborator. Implementations perform the primitive UI operations; the
// executor owns retry and sequencing policy.
type Injector interface {
	Click(ctx context.Context, selector string) error
	TypeText(ctx context.Context, text string, modifiers []string) error
	RunCommand(ctx context.Context, command string) error
}
