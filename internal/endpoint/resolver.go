package endpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// echo services answer with one short line; anything past this is noise
const maxBodySize = 1 << 10

type resolver struct {
	client  *http.Client
	connect time.Duration
	read    time.Duration
}

type Option func(*resolver)

// WithHTTPClient replaces the client built from the configured timeouts.
func WithHTTPClient(client *http.Client) Option {
	return func(r *resolver) {
		r.client = client
	}
}

func WithTimeouts(connect, read time.Duration) Option {
	return func(r *resolver) {
		if connect > 0 {
			r.connect = connect
		}
		if read > 0 {
			r.read = read
		}
	}
}

func NewResolver(opts ...Option) Resolver {
	r := &resolver{
		connect: DefaultTimeout,
		read:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = NewHTTPClient(r.connect, r.read)
	}
	return r
}

// Resolve picks the address a remote client should use to reach this host.
//
// A LAN attachment with a local address never touches the network. Every
// other case walks services in order and stops at the first 200 response
// with a non-empty first line. Per-service failures are logged and skipped;
// the only error returned wraps ErrNoReachableEndpoint.
func (r *resolver) Resolve(ctx context.Context, attachment Attachment, local LocalAddressProvider, services []string) (Candidate, error) {
	if attachment == AttachmentLocalAreaNetwork {
		if local != nil {
			if addr, ok := local.LocalAddress(); ok && addr != "" {
				resolutions.WithLabelValues(SourceLocal.String()).Inc()
				return Candidate{Address: addr, Source: SourceLocal}, nil
			}
		}
		log.WithError(ErrNoLocalAddress).Warn("lan attachment without a local address, falling back to public lookup")
	}

	for _, service := range services {
		if err := ctx.Err(); err != nil {
			resolutionFailures.Inc()
			return Candidate{}, fmt.Errorf("%w: %w", ErrNoReachableEndpoint, err)
		}

		addr, err := r.lookup(ctx, service)
		lookupAttempts.WithLabelValues(service, outcome(err)).Inc()
		if err != nil {
			log.WithError(err).WithField("service", service).Warn("public address lookup failed")
			continue
		}

		log.WithField("service", service).Debugf("public address resolved to %s", addr)
		resolutions.WithLabelValues(SourcePublicLookup.String()).Inc()
		return Candidate{Address: addr, Source: SourcePublicLookup}, nil
	}

	resolutionFailures.Inc()
	return Candidate{}, fmt.Errorf("%w: %d lookup services tried", ErrNoReachableEndpoint, len(services))
}

func (r *resolver) lookup(ctx context.Context, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.connect+r.read)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrServiceUnreachable, err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrServiceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http status %d", ErrServiceUnreachable, resp.StatusCode)
	}

	line, err := firstLine(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %w", ErrServiceUnreachable, err)
	}
	if line == "" {
		return "", ErrEmptyResponse
	}
	return line, nil
}

func firstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
