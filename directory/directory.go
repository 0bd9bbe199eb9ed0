// Package directory defines the membership source the zone is derived from,
// together with the clients that talk to it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Member is one overlay member as reported by the directory.
type Member struct {
	// ID is stable and unique within the network.
	ID   string
	Name string

	// Addresses are kept as reported; malformed entries are dropped
	// while the zone is built.
	Addresses []string

	Authorized bool
	DNSEnabled bool
}

// Network carries the network level settings needed to build a zone.
type Network struct {
	ID string

	// Routes are the managed networks of the overlay. Reverse names
	// inside them are answered authoritatively.
	Routes []*net.IPNet

	SixPlane bool
	RFC4193  bool
}

// Roster is the member list of one network at one point in time.
type Roster struct {
	Network Network
	Members []Member
}

// Resolver is the DNS setting pushed back to the network.
type Resolver struct {
	Domain  string
	Servers []string
}

// Directory is the membership source.
type Directory interface {
	// Roster fetches the current members of the network. Errors are
	// always *FetchError.
	Roster(ctx context.Context, network string) (*Roster, error)

	// PushResolver advertises this server as the network's resolver.
	PushResolver(ctx context.Context, network string, resolver Resolver) error
}

// Fetch error kinds, match them with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrTransport    = errors.New("transport failure")
	ErrMalformed    = errors.New("malformed response")
)

// FetchError is returned when a roster could not be fetched.
type FetchError struct {
	Kind error
	Err  error
}

func newFetchError(kind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("roster fetch failed: %v", e.Kind)
	}
	return fmt.Sprintf("roster fetch failed: %v: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// PushError is returned when the resolver settings could not be pushed.
type PushError struct {
	Err error
}

func (e *PushError) Error() string {
	return "resolver push failed: " + e.Err.Error()
}

func (e *PushError) Unwrap() error { return e.Err }
