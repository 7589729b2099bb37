package rtsp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pion/sdp/v3"
)

// ProbeResult is what a player would learn before SETUP.
type ProbeResult struct {
	Methods     string
	ContentBase string
	Description *sdp.SessionDescription
}

// Probe dials addr and runs OPTIONS then DESCRIBE, the same exchange a player
// performs before it sets up any track.
func Probe(ctx context.Context, addr string) (*ProbeResult, error) {
	uri, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	host := uri.Host
	if uri.Port() == "" {
		port := "554"
		if uri.Scheme == "rtsps" {
			port = "322"
		}
		host = net.JoinHostPort(uri.Hostname(), port)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to dial endpoint %s: %w", host, err)
	}
	if uri.Scheme == "rtsps" {
		nc = tls.Client(nc, &tls.Config{ServerName: uri.Hostname()})
	}

	client := NewClient(ctx, nc)
	defer client.Close()

	seq := int64(1)
	res, err := client.SendRequest(ctx, &Request{
		URL:      uri.String(),
		Sequence: strconv.FormatInt(seq, 10),
		Method:   MethodOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query options for url %s: %w", uri.String(), err)
	}
	if res.Code != http.StatusOK {
		return nil, fmt.Errorf("options for url %s returned %d %s", uri.String(), res.Code, res.Message)
	}
	result := &ProbeResult{Methods: res.Header.Get("Public")}
	seq++

	res, err = client.SendRequest(ctx, &Request{
		URL:      uri.String(),
		Sequence: strconv.FormatInt(seq, 10),
		Method:   MethodDescribe,
		Header:   http.Header{"Accept": []string{"application/sdp"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session description for url %s: %w", uri.String(), err)
	}
	if res.Code != http.StatusOK {
		return nil, fmt.Errorf("describe for url %s returned %d %s", uri.String(), res.Code, res.Message)
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(res.Body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP for URL %s: %w", uri.String(), err)
	}
	result.ContentBase = res.Header.Get("Content-Base")
	result.Description = desc
	return result, nil
}
