package netstate

import (
	"net"

	"github.com/summitcomms/summit-stream/internal/endpoint"
)

// Detector reports how the host is attached to the network right now.
// Nothing is cached; every call inspects the interfaces again.
type Detector interface {
	endpoint.LocalAddressProvider
	Attachment() endpoint.Attachment
}

// Interface is the part of net.Interface the classifier looks at.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []net.IP
}
