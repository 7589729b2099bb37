package stream

import (
	"context"
	"errors"
	"time"

	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/ingest"
)

var (
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrAlreadyStreaming = errors.New("already streaming")
)

const (
	MessageStarted = "Streaming started successfully"
	MessageFailed  = "Failed to start streaming"
	MessageStopped = "Streaming stopped"
)

type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateFailed    State = "failed"
)

type Status struct {
	State      State      `json:"state"`
	URL        string     `json:"url,omitempty"`
	Address    string     `json:"address,omitempty"`
	Source     string     `json:"source,omitempty"`
	Attachment string     `json:"attachment,omitempty"`
	Port       int        `json:"port,omitempty"`
	Sessions   int        `json:"sessions"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// Service toggles the RTSP stream on and off.
type Service interface {
	Start(ctx context.Context, port int) (Status, error)
	Stop() Status
	Status() Status
	// Endpoint resolves the address remote clients would be given without
	// starting anything.
	Endpoint(ctx context.Context) (endpoint.Candidate, endpoint.Attachment, error)
	// Subscribe calls f with every status change until the returned func is
	// called. f must not block.
	Subscribe(f func(Status)) func()
	// SetTracks replaces the media description used by the next Start.
	SetTracks(tracks []ingest.Track)
}
