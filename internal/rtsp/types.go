package rtsp

import (
	"context"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

// Stream fans packets from one publisher out to every playing session.
type Stream interface {
	Name() string
	Publish(track int, packet *rtp.Packet)
}

type Server interface {
	RegisterStream(name string, tracks []*sdp.MediaDescription) Stream
	Serve(ctx context.Context, l net.Listener) error
	Sessions() int
}

type Client interface {
	SendRequest(ctx context.Context, request *Request) (*Response, error)
	SendResponse(ctx context.Context, response *Response) error
	WriteInterleaved(channel uint8, payload []byte) error
	SubscribeRequests(h func(request *Request, c Client) error) func()
	SubscribeInterleavedFrames(h func(channel uint8, payload []byte)) func()

	Close() error

	Done() <-chan struct{}
	Err() error
}
