package endpoint

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewHTTPClient caps connection setup at connect and waiting for the
// response at read.
func NewHTTPClient(connect, read time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connect,
		KeepAlive: 15 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		// every resolution starts from scratch
		DisableKeepAlives: true,
	}

	return &http.Client{
		Timeout:   connect + read,
		Transport: transport,
	}
}
