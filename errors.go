package xinbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("xinbox: not found")
	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("xinbox: decode failed")
	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("xinbox: invalid configuration")
	// ErrDuplicate is matched by every *DuplicateError.
	ErrDuplicate = errors.New("xinbox: duplicate registration")

	ErrInvalidPriority     = errors.New("xinbox: invalid priority")
	ErrInvalidMessage      = errors.New("xinbox: invalid message")
	ErrBusClosed           = errors.New("xinbox: bus is closed")
	ErrClientClosed        = errors.New("xinbox: client is unregistered")
	ErrNoBackendConfigured = errors.New("xinbox: no backend configured")
	ErrNilHandler          = errors.New("xinbox: handler must not be nil")
	ErrRegistryClosed      = errors.New("xinbox: registry is closed")
	ErrHandlerPanic        = errors.New("xinbox: handler panic")

	ErrObserverPoolShutdownTimeout = errors.New("xinbox: observer pool shutdown timeout")
)

// NotFoundError reports a reference to an inbox or client that does not exist.
type NotFoundError struct {
	Kind  string // "inbox" or "client"
	BusID string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("xinbox: %s %q not found on bus %q", e.Kind, e.ID, e.BusID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DecodeError reports serialized message bytes that do not form a valid message.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("xinbox: decode message: %v", e.Err)
	}
	return fmt.Sprintf("xinbox: decode message field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
func (e *DecodeError) Unwrap() error        { return e.Err }

// ConfigurationError reports an unusable backend or bus configuration.
type ConfigurationError struct {
	Engine string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Engine != "" && e.Field != "":
		return fmt.Sprintf("xinbox: %s backend: %s: %s", e.Engine, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("xinbox: %s: %s", e.Field, e.Reason)
	default:
		return fmt.Sprintf("xinbox: %s", e.Reason)
	}
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// DuplicateError reports a client id registered twice on the same bus.
type DuplicateError struct {
	BusID    string
	ClientID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("xinbox: client %q already registered on bus %q", e.ClientID, e.BusID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// InboxNotFound builds the error engines return when an inbox was never created.
func InboxNotFound(busID, clientID string) error {
	return &NotFoundError{Kind: "inbox", BusID: busID, ID: clientID}
}

func clientNotFound(busID, clientID string) error {
	return &NotFoundError{Kind: "client", BusID: busID, ID: clientID}
}
