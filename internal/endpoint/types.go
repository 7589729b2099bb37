package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoLocalAddress is logged when a LAN attachment has no address to offer.
	ErrNoLocalAddress = errors.New("no local address")
	// ErrServiceUnreachable covers dial failures, timeouts and non-200 statuses.
	ErrServiceUnreachable = errors.New("lookup service unreachable")
	// ErrEmptyResponse is a 200 response with a blank first line.
	ErrEmptyResponse = errors.New("lookup service returned an empty body")
	// ErrNoReachableEndpoint is the only error Resolve returns.
	ErrNoReachableEndpoint = errors.New("no reachable endpoint")
)

const DefaultTimeout = 10 * time.Second

// DefaultLookupServices are tried in order when no list is configured.
var DefaultLookupServices = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
}

type Attachment int

const (
	AttachmentUnattached Attachment = iota
	AttachmentLocalAreaNetwork
	AttachmentWideAreaNetwork
)

func (a Attachment) String() string {
	switch a {
	case AttachmentLocalAreaNetwork:
		return "lan"
	case AttachmentWideAreaNetwork:
		return "wan"
	default:
		return "none"
	}
}

// ParseAttachment accepts the names produced by Attachment.String.
func ParseAttachment(s string) (Attachment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lan", "local":
		return AttachmentLocalAreaNetwork, nil
	case "wan", "cellular":
		return AttachmentWideAreaNetwork, nil
	case "none", "unattached":
		return AttachmentUnattached, nil
	}
	return AttachmentUnattached, fmt.Errorf("unknown network attachment %q", s)
}

type Source int

const (
	SourceLocal Source = iota + 1
	SourcePublicLookup
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourcePublicLookup:
		return "public_lookup"
	default:
		return "unknown"
	}
}

// Candidate is the address a remote client should dial, and where it came from.
type Candidate struct {
	Address string
	Source  Source
}

type LocalAddressProvider interface {
	LocalAddress() (string, bool)
}

// LocalAddressFunc adapts a plain function to LocalAddressProvider.
type LocalAddressFunc func() (string, bool)

func (f LocalAddressFunc) LocalAddress() (string, bool) {
	return f()
}

type Resolver interface {
	Resolve(ctx context.Context, attachment Attachment, local LocalAddressProvider, services []string) (Candidate, error)
}
