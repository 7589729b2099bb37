package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/summitcomms/summit-stream/internal/rtsp/transport"
)

const (
	sessionTimeout = 60 * time.Second
	reportInterval = 5 * time.Second

	statusSessionNotFound = 454
)

type server struct {
	sync.Mutex
	base     *url.URL
	version  uint64
	streams  map[string]*stream
	sessions map[string]*stream
}

// NewServer creates a server that describes its streams relative to base,
// the URL remote clients were told to dial (rtsp://host:port).
func NewServer(base *url.URL) Server {
	return &server{
		base:     base,
		version:  uint64(time.Now().Unix()),
		streams:  make(map[string]*stream),
		sessions: make(map[string]*stream),
	}
}

func (s *server) RegisterStream(name string, tracks []*sdp.MediaDescription) Stream {
	name = strings.Trim(name, "/")
	st := newStream(name, tracks)
	s.Lock()
	defer s.Unlock()
	s.streams[name] = st
	return st
}

func (s *server) Sessions() int {
	s.Lock()
	defer s.Unlock()
	return len(s.sessions)
}

// Serve accepts connections until ctx is cancelled, then closes l.
func (s *server) Serve(ctx context.Context, l net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	group.Go(func() error {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				s.Lock()
				streams := make([]*stream, 0, len(s.streams))
				for _, st := range s.streams {
					streams = append(streams, st)
				}
				s.Unlock()
				for _, st := range streams {
					st.sendReports(now)
				}
			}
		}
	})

	group.Go(func() error {
		for {
			nc, err := l.Accept()
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, net.ErrClosed):
				return nil
			case err != nil:
				return fmt.Errorf("failed to accept rtsp connection: %w", err)
			}
			go s.handle(ctx, nc)
		}
	})

	return group.Wait()
}

// connState is the set of sessions opened on one connection.
type connState struct {
	sync.Mutex
	sessions map[string]struct{}
}

func (c *connState) owns(id string) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.sessions[id]
	return id != "" && ok
}

func (c *connState) add(id string) {
	c.Lock()
	defer c.Unlock()
	c.sessions[id] = struct{}{}
}

func (c *connState) remove(id string) {
	c.Lock()
	defer c.Unlock()
	delete(c.sessions, id)
}

func (c *connState) drain() []string {
	c.Lock()
	defer c.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.sessions = make(map[string]struct{})
	return ids
}

func (s *server) handle(ctx context.Context, nc net.Conn) {
	logger := log.WithField("remote", nc.RemoteAddr().String())
	logger.Debug("rtsp client connected")

	cli := NewClient(ctx, nc)
	state := &connState{sessions: make(map[string]struct{})}
	cli.SubscribeRequests(func(request *Request, cli Client) error {
		var err error
		switch request.Method {
		case MethodOptions:
			err = s.handleOptions(ctx, request, cli)
		case MethodDescribe:
			err = s.handleDescribe(ctx, request, cli)
		case MethodSetup:
			err = s.handleSetup(ctx, request, cli, state)
		case MethodPlay:
			err = s.handlePlay(ctx, request, cli, state)
		case MethodGetParameter:
			err = s.handleGetParameter(ctx, request, cli)
		case MethodTeardown:
			err = s.handleTeardown(ctx, request, cli, state)
		default:
			err = s.handleUnsupportedMethod(ctx, request, cli)
		}
		if err != nil {
			return fmt.Errorf("unexpected client error: %w", err)
		}
		return nil
	})

	<-cli.Done()
	for _, id := range state.drain() {
		s.closeSession(id)
	}
	if err := cli.Err(); err != nil {
		logger.WithError(err).Debug("rtsp client disconnected")
	}
}

func (s *server) handleOptions(ctx context.Context, request *Request, cli Client) error {
	header := http.Header{}
	header.Set("Public", methodList(", "))
	return s.respond(ctx, cli, request, http.StatusOK, header, nil)
}

func (s *server) handleDescribe(ctx context.Context, request *Request, cli Client) error {
	if accept := request.Header.Get("Accept"); accept != "" && !strings.Contains(accept, "application/sdp") {
		return s.respond(ctx, cli, request, http.StatusNotAcceptable, nil, nil)
	}

	st, _, err := s.lookup(request.URL)
	if err != nil {
		return s.respond(ctx, cli, request, http.StatusBadRequest, nil, nil)
	}
	if st == nil {
		return s.respond(ctx, cli, request, http.StatusNotFound, nil, nil)
	}

	body, err := s.describe(st).Marshal()
	if err != nil {
		return s.respond(ctx, cli, request, http.StatusInternalServerError, nil, nil)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/sdp")
	header.Set("Content-Base", s.streamURL(st.name)+"/")
	return s.respond(ctx, cli, request, http.StatusOK, header, body)
}

func (s *server) handleSetup(ctx context.Context, request *Request, cli Client, state *connState) error {
	st, track, err := s.lookup(request.URL)
	if err != nil {
		return s.respond(ctx, cli, request, http.StatusBadRequest, nil, nil)
	}
	if st == nil {
		return s.respond(ctx, cli, request, http.StatusNotFound, nil, nil)
	}
	if track < 0 {
		if len(st.tracks) != 1 {
			return s.respond(ctx, cli, request, http.StatusBadRequest, nil, nil)
		}
		track = 0
	}
	if track >= len(st.tracks) {
		return s.respond(ctx, cli, request, http.StatusNotFound, nil, nil)
	}

	values := request.Header.Values("Transport")
	if len(values) == 0 {
		return s.respond(ctx, cli, request, transport.UnsupportedTransportCode, nil, nil)
	}
	ts, err := transport.Parse(values)
	switch {
	case errors.Is(err, transport.ErrUnsupportedTransport):
		return s.respond(ctx, cli, request, transport.UnsupportedTransportCode, nil, nil)
	case err != nil:
		return s.respond(ctx, cli, request, http.StatusBadRequest, nil, nil)
	}

	// only TCP interleaving is served
	opt, ok := ts.Preferred(transport.ProtocolTCP)
	if !ok {
		return s.respond(ctx, cli, request, transport.UnsupportedTransportCode, nil, nil)
	}
	channels, ok := opt.Interleaved()
	if !ok || len(channels) == 0 {
		channels = transport.Interleaved{track * 2, track*2 + 1}
	}
	if len(channels) == 1 {
		channels = append(channels, channels[0]+1)
	}
	// channels travel as one byte and RTCP follows RTP
	if channels[0] < 0 || channels[0] > 255 || channels[1] > 255 || channels[1] <= channels[0] {
		return s.respond(ctx, cli, request, http.StatusBadRequest, nil, nil)
	}

	sessionID := sessionOf(request)
	if sessionID != "" {
		if !state.owns(sessionID) {
			return s.respond(ctx, cli, request, statusSessionNotFound, nil, nil)
		}
	} else {
		sessionID = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		s.Lock()
		s.sessions[sessionID] = st
		s.Unlock()
		state.add(sessionID)
		rtspSessions.Inc()
	}

	st.attach(sessionID, track, uint8(channels[0]), uint8(channels[1]), cli.WriteInterleaved)

	header := http.Header{}
	header.Set("Session", fmt.Sprintf("%s;timeout=%d", sessionID, int(sessionTimeout.Seconds())))
	header.Set("Transport", transport.NewInterleaved(channels[0], channels[1]).String())
	return s.respond(ctx, cli, request, http.StatusOK, header, nil)
}

func (s *server) handlePlay(ctx context.Context, request *Request, cli Client, state *connState) error {
	sessionID := sessionOf(request)
	if !state.owns(sessionID) {
		return s.respond(ctx, cli, request, statusSessionNotFound, nil, nil)
	}
	s.Lock()
	st, ok := s.sessions[sessionID]
	s.Unlock()
	if !ok || !st.play(sessionID) {
		return s.respond(ctx, cli, request, statusSessionNotFound, nil, nil)
	}

	header := http.Header{}
	header.Set("Session", sessionID)
	header.Set("Range", "npt=0.000-")
	return s.respond(ctx, cli, request, http.StatusOK, header, nil)
}

func (s *server) handleGetParameter(ctx context.Context, request *Request, cli Client) error {
	header := http.Header{}
	if id := sessionOf(request); id != "" {
		header.Set("Session", id)
	}
	return s.respond(ctx, cli, request, http.StatusOK, header, nil)
}

func (s *server) handleTeardown(ctx context.Context, request *Request, cli Client, state *connState) error {
	sessionID := sessionOf(request)
	if !state.owns(sessionID) {
		return s.respond(ctx, cli, request, statusSessionNotFound, nil, nil)
	}
	state.remove(sessionID)
	s.closeSession(sessionID)
	return s.respond(ctx, cli, request, http.StatusOK, nil, nil)
}

func (s *server) handleUnsupportedMethod(ctx context.Context, request *Request, cli Client) error {
	header := http.Header{}
	header.Set("Allow", methodList(", "))
	return s.respond(ctx, cli, request, http.StatusMethodNotAllowed, header, nil)
}

func (s *server) closeSession(id string) {
	s.Lock()
	st, ok := s.sessions[id]
	delete(s.sessions, id)
	s.Unlock()
	if ok {
		st.teardown(id)
		rtspSessions.Dec()
	}
}

func (s *server) respond(ctx context.Context, cli Client, request *Request, code int, header http.Header, body []byte) error {
	return cli.SendResponse(ctx, &Response{
		Version:  Version,
		Code:     code,
		Message:  statusText(code),
		Sequence: request.Sequence,
		Header:   header,
		Body:     body,
	})
}

// lookup maps a request URL to a registered stream and, for
// "<name>/trackID=<n>" URLs, the track index. track is -1 when absent.
func (s *server) lookup(raw string) (*stream, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, -1, err
	}
	name := strings.Trim(u.Path, "/")
	track := -1
	dir, last := path.Split(name)
	if id, ok := strings.CutPrefix(last, "trackID="); ok {
		track, err = strconv.Atoi(id)
		if err != nil || track < 0 {
			return nil, -1, fmt.Errorf("invalid track id %q", id)
		}
		name = strings.TrimSuffix(dir, "/")
	}

	s.Lock()
	defer s.Unlock()
	return s.streams[name], track, nil
}

func (s *server) streamURL(name string) string {
	u := *s.base
	u.Path = "/" + name
	return u.String()
}

func (s *server) describe(st *stream) *sdp.SessionDescription {
	host := s.base.Hostname()
	addrType, unspecified := "IP4", "0.0.0.0"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		addrType, unspecified = "IP6", "::"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.version,
			SessionVersion: s.version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(st.name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: unspecified},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		Attributes: []sdp.Attribute{
			{Key: "tool", Value: "summit-stream"},
			{Key: "range", Value: "npt=now-"},
			{Key: "control", Value: "*"},
		},
	}

	for i, md := range st.tracks {
		m := *md
		m.MediaName.Port = sdp.RangedPort{Value: 0}
		m.ConnectionInformation = nil
		m.Attributes = make([]sdp.Attribute, 0, len(md.Attributes)+1)
		for _, a := range md.Attributes {
			if a.Key != "control" {
				m.Attributes = append(m.Attributes, a)
			}
		}
		m.Attributes = append(m.Attributes, sdp.Attribute{Key: "control", Value: "trackID=" + strconv.Itoa(i)})
		desc.MediaDescriptions = append(desc.MediaDescriptions, &m)
	}
	return desc
}

func sessionOf(request *Request) string {
	id, _, _ := strings.Cut(request.Header.Get("Session"), ";")
	return strings.TrimSpace(id)
}

func methodList(sep string) string {
	names := make([]string, 0, len(served))
	for _, m := range served {
		names = append(names, m.String())
	}
	return strings.Join(names, sep)
}

func statusText(code int) string {
	switch code {
	case statusSessionNotFound:
		return "Session Not Found"
	case transport.UnsupportedTransportCode:
		return transport.UnsupportedTransportMessage
	}
	return http.StatusText(code)
}
