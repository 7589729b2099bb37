package transport

import "strings"

type header struct {
	options []Option
}

func (h *header) Options() []Option {
	return h.options
}

func (h *header) Preferred(protocol Protocol) (Option, bool) {
	for _, o := range h.options {
		if o.Protocol() == protocol {
			return o, true
		}
	}
	return nil, false
}

type option struct {
	unicast  bool
	protocol Protocol
	params   []Parameter
}

// NewInterleaved builds the option a server answers a TCP SETUP with.
func NewInterleaved(rtp, rtcp int) Option {
	return &option{
		unicast:  true,
		protocol: ProtocolTCP,
		params:   []Parameter{Interleaved{rtp, rtcp}},
	}
}

func (o *option) Protocol() Protocol {
	return o.protocol
}

func (o *option) IsUnicast() bool {
	return o.unicast
}

func (o *option) Parameters() []Parameter {
	return o.params
}

// Interleaved returns the channel pair requested, if any.
func (o *option) Interleaved() (Interleaved, bool) {
	for _, p := range o.params {
		if v, ok := p.(Interleaved); ok {
			return v, true
		}
	}
	return nil, false
}

func (o *option) String() string {
	segments := []string{"RTP/AVP"}
	if o.protocol == ProtocolTCP {
		segments[0] += "/TCP"
	}
	if o.unicast {
		segments = append(segments, "unicast")
	}

	for _, param := range o.params {
		segments = append(segments, param.String())
	}

	return strings.Join(segments, ";")
}
