package transport

import "errors"

type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
)

const (
	UnsupportedTransportMessage = "Unsupported Transport"
	UnsupportedTransportCode    = 461
)

var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrMalformed            = errors.New("malformed transport header")
)

type Header interface {
	Options() []Option
	// Preferred returns the first option using protocol.
	Preferred(protocol Protocol) (Option, bool)
}

// Option is one comma-separated alternative of a Transport header.
type Option interface {
	IsUnicast() bool
	Protocol() Protocol
	Parameters() []Parameter
	// Interleaved returns the RTP/RTCP channel pair, if the option names one.
	Interleaved() (Interleaved, bool)
	String() string
}

type Parameter interface {
	String() string
}
