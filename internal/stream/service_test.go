package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/ingest"
	"github.com/summitcomms/summit-stream/internal/mdns"
	"github.com/summitcomms/summit-stream/internal/rtsp"
)

type fakeDetector struct {
	attachment endpoint.Attachment
	address    string
}

func (d fakeDetector) Attachment() endpoint.Attachment { return d.attachment }

func (d fakeDetector) LocalAddress() (string, bool) { return d.address, d.address != "" }

type fakeAdvertiser struct {
	sync.Mutex
	started []mdns.Config
	running bool
}

func (a *fakeAdvertiser) Start(cfg mdns.Config) error {
	a.Lock()
	defer a.Unlock()
	a.started = append(a.started, cfg)
	a.running = true
	return nil
}

func (a *fakeAdvertiser) Stop() {
	a.Lock()
	defer a.Unlock()
	a.running = false
}

func (a *fakeAdvertiser) IsRunning() bool {
	a.Lock()
	defer a.Unlock()
	return a.running
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newTestService(t *testing.T, detector fakeDetector, services []string, advertiser mdns.Advertiser) Service {
	t.Helper()
	svc := NewService(Config{
		Path:       "live",
		ListenHost: "127.0.0.1",
		Services:   services,
		MediaHost:  "127.0.0.1",
		Tracks:     ingest.DefaultTracks(0),
		MDNS:       true,
	}, endpoint.NewResolver(endpoint.WithTimeouts(time.Second, time.Second)), detector, advertiser)
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestStartOnLANAdvertisesLocalAddress(t *testing.T) {
	adv := &fakeAdvertiser{}
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, adv)
	port := freePort(t)

	status, err := svc.Start(context.Background(), port)
	require.NoError(t, err)
	assert.Equal(t, StateStreaming, status.State)
	assert.Equal(t, MessageStarted, status.Message)
	assert.Equal(t, "rtsp://127.0.0.1:"+strconv.Itoa(port)+"/live", status.URL)
	assert.Equal(t, "local", status.Source)
	assert.Equal(t, "lan", status.Attachment)
	require.NotNil(t, status.StartedAt)

	require.Len(t, adv.started, 1)
	assert.Equal(t, status.URL, adv.started[0].URL)
	assert.True(t, adv.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nc, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	cli := rtsp.NewClient(ctx, nc)
	defer cli.Close()

	res, err := cli.SendRequest(ctx, &rtsp.Request{URL: status.URL, Method: rtsp.MethodDescribe, Sequence: "1"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Code)
	desc := &sdp.SessionDescription{}
	require.NoError(t, desc.Unmarshal(res.Body))
	assert.Equal(t, "127.0.0.1", desc.Origin.UnicastAddress)

	status = svc.Stop()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, MessageStopped, status.Message)
	assert.Empty(t, status.URL)
	assert.False(t, adv.IsRunning())
}

func TestStartOnWANUsesLookupAndSkipsAnnouncement(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("127.0.0.1\n"))
	}))
	defer ts.Close()

	adv := &fakeAdvertiser{}
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentWideAreaNetwork, address: "10.0.0.2"}, []string{ts.URL}, adv)

	status, err := svc.Start(context.Background(), freePort(t))
	require.NoError(t, err)
	assert.Equal(t, "public_lookup", status.Source)
	assert.Equal(t, "127.0.0.1", status.Address)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, adv.started)
}

func TestStartFailsWhenNoEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentWideAreaNetwork}, []string{ts.URL}, nil)

	status, err := svc.Start(context.Background(), freePort(t))
	assert.ErrorIs(t, err, endpoint.ErrNoReachableEndpoint)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, MessageFailed, status.Message)
	assert.Empty(t, status.URL)
	assert.Equal(t, StateFailed, svc.Status().State)
}

func TestStartRejectsInvalidPort(t *testing.T) {
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, nil)
	for _, port := range []int{0, -1, 65536} {
		_, err := svc.Start(context.Background(), port)
		assert.ErrorIs(t, err, ErrInvalidPort)
	}
	assert.Equal(t, StateIdle, svc.Status().State)
}

func TestStartTwice(t *testing.T) {
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, nil)
	port := freePort(t)

	_, err := svc.Start(context.Background(), port)
	require.NoError(t, err)
	status, err := svc.Start(context.Background(), freePort(t))
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	assert.Equal(t, port, status.Port)

	svc.Stop()
	_, err = svc.Start(context.Background(), port)
	assert.NoError(t, err, "port is released on stop")
}

func TestStartFailsWhenPortBusy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, nil)
	status, err := svc.Start(context.Background(), l.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.NotEmpty(t, status.Error)
}

func TestEndpoint(t *testing.T) {
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "192.168.1.20"}, nil, nil)
	candidate, attachment, err := svc.Endpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, endpoint.AttachmentLocalAreaNetwork, attachment)
	assert.Equal(t, endpoint.Candidate{Address: "192.168.1.20", Source: endpoint.SourceLocal}, candidate)
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "rtsp://203.0.113.5:9554/live", StreamURL("203.0.113.5", 9554, "live"))
	assert.Equal(t, "rtsp://[2001:db8::1]:9554/live", StreamURL("2001:db8::1", 9554, "/live/"))
	assert.Equal(t, "rtsp://192.168.1.20:8554", StreamURL("192.168.1.20", 8554, ""))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, nil)

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := svc.Subscribe(func(status Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, status.State)
	})

	_, err := svc.Start(context.Background(), freePort(t))
	require.NoError(t, err)
	svc.Stop()
	unsubscribe()
	svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateStarting, StateStreaming, StateIdle}, states)
}

func TestSetTracksAppliesOnNextStart(t *testing.T) {
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, nil)
	svc.SetTracks(nil)

	audio := ingest.Track{Port: 0, Description: &sdp.MediaDescription{
		MediaName:  sdp.MediaName{Media: "audio", Protos: []string{"RTP", "AVP"}, Formats: []string{"97"}},
		Attributes: []sdp.Attribute{{Key: "rtpmap", Value: "97 MPEG4-GENERIC/44100/2"}},
	}}
	svc.SetTracks(append(ingest.DefaultTracks(0), audio))

	port := freePort(t)
	status, err := svc.Start(context.Background(), port)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := rtsp.Probe(ctx, status.URL)
	require.NoError(t, err)
	assert.Len(t, res.Description.MediaDescriptions, 2)
}

func TestRunFailureMarksStreamFailed(t *testing.T) {
	adv := &fakeAdvertiser{}
	svc := newTestService(t, fakeDetector{attachment: endpoint.AttachmentLocalAreaNetwork, address: "127.0.0.1"}, nil, adv)

	broken := make(chan struct{})
	svc.(*service).serveMedia = func(ctx context.Context, conns []net.PacketConn, sink ingest.Sink) error {
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()
		select {
		case <-broken:
			return errors.New("publisher socket closed")
		case <-ctx.Done():
			return nil
		}
	}

	statuses := make(chan Status, 8)
	unsubscribe := svc.Subscribe(func(status Status) { statuses <- status })
	defer unsubscribe()

	port := freePort(t)
	_, err := svc.Start(context.Background(), port)
	require.NoError(t, err)
	require.True(t, adv.IsRunning())
	assert.Equal(t, StateStarting, (<-statuses).State)
	assert.Equal(t, StateStreaming, (<-statuses).State)

	close(broken)
	select {
	case status := <-statuses:
		assert.Equal(t, StateFailed, status.State)
		assert.Equal(t, MessageFailed, status.Message)
		assert.Contains(t, status.Error, "publisher socket closed")
		assert.Equal(t, port, status.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no status after the run failed")
	}
	assert.Equal(t, StateFailed, svc.Status().State)
	assert.False(t, adv.IsRunning())

	svc.(*service).serveMedia = ingest.Serve
	_, err = svc.Start(context.Background(), port)
	assert.NoError(t, err, "a failed run is released")
}
