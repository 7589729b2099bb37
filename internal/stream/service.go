package stream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/ingest"
	"github.com/summitcomms/summit-stream/internal/mdns"
	"github.com/summitcomms/summit-stream/internal/netstate"
	"github.com/summitcomms/summit-stream/internal/rtsp"
)

var streamStarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name:      "stream_starts_total",
	Namespace: "summit_stream",
	Help:      "stream start attempts by outcome",
}, []string{"outcome"})

type Config struct {
	// Path is the stream name in rtsp://host:port/<Path>.
	Path string
	// ListenHost is the address the RTSP listener binds, empty for all.
	ListenHost string
	Services   []string
	MediaHost  string
	Tracks     []ingest.Track
	MDNS       bool
	MDNSName   string
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	server rtsp.Server
	err    error
}

type service struct {
	// ops serialises Start and Stop; the embedded mutex guards status and run.
	ops sync.Mutex
	sync.Mutex

	config     Config
	resolver   endpoint.Resolver
	detector   netstate.Detector
	advertiser mdns.Advertiser
	// serveMedia relays ingest sockets into the registered stream.
	serveMedia func(ctx context.Context, conns []net.PacketConn, sink ingest.Sink) error

	status      Status
	run         *run
	subscribers map[string]func(Status)
}

// NewService wires the controller. advertiser may be nil.
func NewService(config Config, resolver endpoint.Resolver, detector netstate.Detector, advertiser mdns.Advertiser) Service {
	config.Path = strings.Trim(config.Path, "/")
	if config.Path == "" {
		config.Path = "live"
	}
	if len(config.Tracks) == 0 {
		config.Tracks = ingest.DefaultTracks(ingest.DefaultPort)
	}
	return &service{
		config:      config,
		resolver:    resolver,
		detector:    detector,
		advertiser:  advertiser,
		serveMedia:  ingest.Serve,
		status:      Status{State: StateIdle},
		subscribers: make(map[string]func(Status)),
	}
}

func (s *service) Subscribe(f func(Status)) func() {
	id := uuid.NewString()
	s.Lock()
	defer s.Unlock()
	s.subscribers[id] = f
	return func() {
		s.Lock()
		defer s.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *service) SetTracks(tracks []ingest.Track) {
	if len(tracks) == 0 {
		return
	}
	s.Lock()
	defer s.Unlock()
	s.config.Tracks = tracks
	if s.run != nil {
		log.Info("media description changed, restart the stream to apply it")
	}
}

// setStatus must be called without the lock held.
func (s *service) setStatus(status Status) Status {
	s.Lock()
	s.status = status
	subscribers := make([]func(Status), 0, len(s.subscribers))
	for _, f := range s.subscribers {
		subscribers = append(subscribers, f)
	}
	s.Unlock()

	for _, f := range subscribers {
		f(status)
	}
	return status
}

func (s *service) Endpoint(ctx context.Context) (endpoint.Candidate, endpoint.Attachment, error) {
	attachment := s.detector.Attachment()
	candidate, err := s.resolver.Resolve(ctx, attachment, s.detector, s.config.Services)
	return candidate, attachment, err
}

func (s *service) Start(ctx context.Context, port int) (Status, error) {
	if port < 1 || port > 65535 {
		streamStarts.WithLabelValues("invalid_port").Inc()
		return s.Status(), fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	s.Lock()
	if s.run != nil {
		status := s.status
		s.Unlock()
		streamStarts.WithLabelValues("already_streaming").Inc()
		return status, ErrAlreadyStreaming
	}
	s.Unlock()
	s.setStatus(Status{State: StateStarting, Port: port})

	logger := log.WithField("port", port)
	logger.Info("starting stream")

	candidate, attachment, err := s.Endpoint(ctx)
	if err != nil {
		streamStarts.WithLabelValues("unreachable").Inc()
		return s.fail(port, attachment, err), err
	}

	streamURL := StreamURL(candidate.Address, port, s.config.Path)
	base, err := url.Parse(StreamURL(candidate.Address, port, ""))
	if err != nil {
		streamStarts.WithLabelValues("error").Inc()
		return s.fail(port, attachment, err), err
	}

	r, err := s.launch(ctx, base, port)
	if err != nil {
		streamStarts.WithLabelValues("error").Inc()
		return s.fail(port, attachment, err), err
	}

	if s.config.MDNS && s.advertiser != nil && candidate.Source == endpoint.SourceLocal {
		err := s.advertiser.Start(mdns.Config{
			Name: s.config.MDNSName,
			Port: port,
			Path: s.config.Path,
			URL:  streamURL,
		})
		if err != nil {
			logger.WithError(err).Warn("failed to announce stream on the local network")
		}
	}

	now := time.Now().UTC()
	s.Lock()
	s.run = r
	s.Unlock()
	status := s.setStatus(Status{
		State:      StateStreaming,
		URL:        streamURL,
		Address:    candidate.Address,
		Source:     candidate.Source.String(),
		Attachment: attachment.String(),
		Port:       port,
		Message:    MessageStarted,
		StartedAt:  &now,
	})

	go s.watch(r)

	streamStarts.WithLabelValues("ok").Inc()
	logger.WithField("url", streamURL).WithField("source", candidate.Source).Info(MessageStarted)
	return status, nil
}

// launch binds the RTSP listener and the ingest sockets, then serves both
// until the run is cancelled.
func (s *service) launch(ctx context.Context, base *url.URL, port int) (*run, error) {
	addr := net.JoinHostPort(s.config.ListenHost, strconv.Itoa(port))
	conf := net.ListenConfig{}
	listener, err := conf.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on address %s: %w", addr, err)
	}

	s.Lock()
	tracks := s.config.Tracks
	s.Unlock()

	conns, err := ingest.NewReceiver(s.config.MediaHost, tracks).Listen(ctx)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	server := rtsp.NewServer(base)
	st := server.RegisterStream(s.config.Path, ingest.Descriptions(tracks))

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{}), server: server}

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return server.Serve(gctx, listener)
	})
	group.Go(func() error {
		return s.serveMedia(gctx, conns, st)
	})
	go func() {
		r.err = group.Wait()
		close(r.done)
	}()
	return r, nil
}

// watch releases a run that ended without Stop being called.
func (s *service) watch(r *run) {
	<-r.done
	r.cancel()

	s.ops.Lock()
	defer s.ops.Unlock()

	s.Lock()
	current := s.run == r
	status := s.status
	if current {
		s.run = nil
	}
	s.Unlock()
	if !current {
		return
	}

	log.WithError(r.err).Error("stream stopped unexpectedly")
	if s.advertiser != nil {
		s.advertiser.Stop()
	}
	status.State = StateFailed
	status.Message = MessageFailed
	status.Sessions = 0
	if r.err != nil {
		status.Error = r.err.Error()
	}
	s.setStatus(status)
}

func (s *service) fail(port int, attachment endpoint.Attachment, err error) Status {
	log.WithError(err).WithField("port", port).Error(MessageFailed)
	return s.setStatus(Status{
		State:      StateFailed,
		Attachment: attachment.String(),
		Port:       port,
		Message:    MessageFailed,
		Error:      err.Error(),
	})
}

func (s *service) Stop() Status {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.Lock()
	r := s.run
	s.run = nil
	s.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
		log.Info(MessageStopped)
	}
	if s.advertiser != nil {
		s.advertiser.Stop()
	}

	return s.setStatus(Status{State: StateIdle, Message: MessageStopped})
}

func (s *service) Status() Status {
	s.Lock()
	defer s.Unlock()
	status := s.status
	if s.run != nil {
		status.Sessions = s.run.server.Sessions()
	}
	return status
}

// StreamURL builds rtsp://address:port/path, bracketing IPv6 literals.
func StreamURL(address string, port int, path string) string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(address, strconv.Itoa(port)),
	}
	if path = strings.Trim(path, "/"); path != "" {
		u.Path = "/" + path
	}
	return u.String()
}
