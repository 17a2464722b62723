package mcpmgr

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable is returned when a request targets a server that is
// not Ready, or when connecting gave up after the configured attempts.
var ErrUpstreamUnavailable = errors.New("mcpmgr: upstream unavailable")

// ErrUnknownServer is returned for server IDs the manager has never seen.
var ErrUnknownServer = errors.New("mcpmgr: unknown server")

// UnavailableError reports why a server could not serve a request.
type UnavailableError struct {
	ServerID string
	State    State
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcpmgr: server %q unavailable (%s): %v", e.ServerID, e.State, e.Err)
	}
	return fmt.Sprintf("mcpmgr: server %q unavailable (%s)", e.ServerID, e.State)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamUnavailable}
	}
	return []error{ErrUpstreamUnavailable, e.Err}
}

func unknownServer(serverID string) error {
	return fmt.Errorf("%w %q", ErrUnknownServer, serverID)
}
