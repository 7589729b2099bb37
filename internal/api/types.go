package api

import (
	"time"

	"github.com/summitcomms/summit-stream/internal/stream"
)

type StartRequest struct {
	Port int `json:"port,omitempty"`
}

type EndpointResponse struct {
	Address    string `json:"address"`
	Source     string `json:"source"`
	Attachment string `json:"attachment"`
	URL        string `json:"url"`
}

type ErrorResponse struct {
	Error  string         `json:"error"`
	Status *stream.Status `json:"status,omitempty"`
}

type Config struct {
	// StreamID keys the persisted toggle.
	StreamID    string
	DefaultPort int
	Path        string
	// Timeout bounds every request except the event stream. When zero it is
	// derived from the lookup budget so a resolution can try every service.
	Timeout time.Duration
	// LookupServices and LookupTimeout (connect plus read, per service)
	// describe the slowest resolution a request can trigger.
	LookupServices int
	LookupTimeout  time.Duration
}
