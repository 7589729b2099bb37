package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse reads every Transport header value; each value may hold several
// comma separated alternatives in preference order.
func Parse(values []string) (Header, error) {
	var opts []Option
	for _, value := range values {
		for _, alt := range strings.Split(value, ",") {
			if strings.TrimSpace(alt) == "" {
				continue
			}
			o, err := parseOption(strings.TrimSpace(alt))
			if err != nil {
				return nil, err
			}
			opts = append(opts, o)
		}
	}
	if len(opts) == 0 {
		return nil, ErrMalformed
	}

	return &header{options: opts}, nil
}

type paramParser func(value string) (Parameter, error)

var paramParsers = map[string]paramParser{
	"destination": func(v string) (Parameter, error) { return Destination(v), nil },
	"interleaved": func(v string) (Parameter, error) {
		r, err := parseRange(v)
		return Interleaved(r), err
	},
	"append": func(string) (Parameter, error) { return Append(""), nil },
	"ttl": func(v string) (Parameter, error) {
		n, err := strconv.Atoi(v)
		return TTL(time.Duration(n) * time.Second), err
	},
	"layers": func(v string) (Parameter, error) {
		n, err := strconv.Atoi(v)
		return Layers(n), err
	},
	"port": func(v string) (Parameter, error) {
		r, err := parseRange(v)
		return Port(r), err
	},
	"client_port": func(v string) (Parameter, error) {
		r, err := parseRange(v)
		return ClientPort(r), err
	},
	"server_port": func(v string) (Parameter, error) {
		r, err := parseRange(v)
		return ServerPort(r), err
	},
	"ssrc": func(v string) (Parameter, error) {
		n, err := strconv.ParseUint(v, 16, 32)
		return SSRC(n), err
	},
	"mode": func(v string) (Parameter, error) {
		return Mode(strings.Trim(v, `"`)), nil
	},
}

func parseOption(in string) (Option, error) {
	parts := strings.Split(in, ";")
	opt := &option{}
	switch strings.ToUpper(parts[0]) {
	case "RTP/AVP", "RTP/AVP/UDP":
		opt.protocol = ProtocolUDP
	case "RTP/AVP/TCP":
		opt.protocol = ProtocolTCP
	default:
		return nil, ErrUnsupportedTransport
	}

	for _, part := range parts[1:] {
		name, value, hasValue := strings.Cut(strings.TrimSpace(part), "=")
		switch name {
		case "":
			continue
		case "unicast":
			opt.unicast = true
			continue
		case "multicast":
			continue
		}

		parse, ok := paramParsers[name]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected parameter %s", ErrMalformed, part)
		}
		if !hasValue && name != "append" && name != "destination" {
			return nil, fmt.Errorf("%w: parameter %s expects a value", ErrMalformed, name)
		}
		p, err := parse(value)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %s: %v", ErrMalformed, name, err)
		}
		opt.params = append(opt.params, p)
	}
	return opt, nil
}

func parseRange(v string) ([]int, error) {
	var out []int
	for _, s := range strings.SplitN(v, "-", 2) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
