package registry

import "errors"

var (
	// ErrNodeNotFound is returned when an operation targets an id the
	// registry does not know.
	ErrNodeNotFound = errors.New("node not found")

	// ErrIncompatibleVersion is returned when a registering agent runs a
	// version older than the coordinator still supports.
	ErrIncompatibleVersion = errors.New("incompatible agent version")

	// ErrUnknownAction is returned for actions outside the supported set.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidStatus is returned when a peer reports a status outside
	// the defined state set.
	ErrInvalidStatus = errors.New("invalid status")
)
