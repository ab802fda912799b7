// Package discovery defines the service-discovery collaborator: the event
// stream of microphone advertisements appearing and disappearing on the
// local network, and the resolution of an advertisement into a connectable
// address. The production implementation speaks mDNS via zeroconf.
package discovery

import (
	"context"
	"errors"
	"fmt"
)

// The fixed service category microphone devices advertise under.
const DefaultServiceType = "_airmic._udp"

// The mDNS domain searched by default.
const DefaultDomain = "local."

var ErrResolveFailed = errors.New("could not resolve service address")

type EventKind int

const (
	SearchStarted EventKind = iota
	SearchStopped
	ServiceFound
	ServiceRemoved
)

func (k EventKind) String() string {
	switch k {
	case SearchStarted:
		return "search started"
	case SearchStopped:
		return "search stopped"
	case ServiceFound:
		return "service found"
	case ServiceRemoved:
		return "service removed"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to the underlying advertisement record.
//
// The session stores it on the discovered device and passes it back to
// Resolve, never inspecting it. For the mDNS browser it is a
// *zeroconf.ServiceEntry.
type Handle any

// A discovery event. Name and Handle are populated for ServiceFound;
// only Name for ServiceRemoved.
type Event struct {
	Kind   EventKind
	Name   string
	Handle Handle
}

// A resolved, connectable network address for a discovered device.
type Address struct {
	IP   string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Browser is the discovery collaborator interface.
//
// Implementations deliver events on the channel returned by Events from
// their own goroutines; consumers are expected to marshal them onto a single
// owner context before touching shared state.
type Browser interface {
	// Begin browsing for advertisements of the given service type.
	// Emits a SearchStarted event on success. A second call while a
	// search is active is a no-op.
	StartSearch(serviceType string) error

	// Stop an active search, emitting SearchStopped. Discovered-device
	// bookkeeping is the consumer's concern; StopSearch only ends the
	// event flow.
	StopSearch()

	Events() <-chan Event

	// Resolve the advertisement behind handle into an address/port pair.
	// Blocks until resolution completes or ctx expires; the caller owns
	// the timeout policy.
	Resolve(ctx context.Context, handle Handle) (Address, error)
}
