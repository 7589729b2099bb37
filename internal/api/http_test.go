package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/ingest"
	"github.com/summitcomms/summit-stream/internal/netstate"
	"github.com/summitcomms/summit-stream/internal/state"
	"github.com/summitcomms/summit-stream/internal/stream"
)

type fakeStreams struct {
	sync.Mutex
	subscribers []func(stream.Status)

	status    stream.Status
	startErr  error
	started   []int
	stopped   int
	candidate endpoint.Candidate
	lookupErr error
}

func (f *fakeStreams) Start(_ context.Context, port int) (stream.Status, error) {
	f.started = append(f.started, port)
	if f.startErr != nil {
		return f.status, f.startErr
	}
	f.publish(stream.Status{State: stream.StateStreaming, Port: port, Message: stream.MessageStarted,
		URL: stream.StreamURL("192.168.1.20", port, "live")})
	return f.status, nil
}

func (f *fakeStreams) Stop() stream.Status {
	f.stopped++
	f.publish(stream.Status{State: stream.StateIdle, Message: stream.MessageStopped})
	return f.status
}

func (f *fakeStreams) Status() stream.Status {
	f.Lock()
	defer f.Unlock()
	return f.status
}

func (f *fakeStreams) Subscribe(fn func(stream.Status)) func() {
	f.Lock()
	defer f.Unlock()
	f.subscribers = append(f.subscribers, fn)
	return func() {}
}

func (f *fakeStreams) SetTracks([]ingest.Track) {}

func (f *fakeStreams) publish(status stream.Status) {
	f.Lock()
	f.status = status
	subscribers := append([]func(stream.Status){}, f.subscribers...)
	f.Unlock()
	for _, fn := range subscribers {
		fn(status)
	}
}

func (f *fakeStreams) Endpoint(context.Context) (endpoint.Candidate, endpoint.Attachment, error) {
	return f.candidate, endpoint.AttachmentWideAreaNetwork, f.lookupErr
}

func newTestAPI(t *testing.T, streams *fakeStreams) (http.Handler, state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewHTTPAPI(Config{StreamID: "live", DefaultPort: 9554, Path: "live"}, streams, store), store
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := newTestAPI(t, &fakeStreams{})
	rec := serve(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	h, _ := newTestAPI(t, &fakeStreams{})
	rec := serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartStream(t *testing.T) {
	streams := &fakeStreams{}
	h, store := newTestAPI(t, streams)

	rec := serve(h, http.MethodPost, "/api/v1/stream/start", `{"port": 8554}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var status stream.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, stream.StateStreaming, status.State)
	assert.Equal(t, "rtsp://192.168.1.20:8554/live", status.URL)
	assert.Equal(t, []int{8554}, streams.started)

	meta, err := store.Get("live")
	require.NoError(t, err)
	assert.Equal(t, &state.Meta{ID: "live", Port: 8554, Enabled: true}, meta)

	rec = serve(h, http.MethodGet, "/api/v1/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"streaming"`)
}

func TestStartStreamDefaultPort(t *testing.T) {
	streams := &fakeStreams{}
	h, _ := newTestAPI(t, streams)

	rec := serve(h, http.MethodPost, "/api/v1/stream/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{9554}, streams.started)
}

func TestStartStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "bad body", body: `{"port":`, code: http.StatusBadRequest},
		{name: "invalid port", body: `{"port": 70000}`, err: fmt.Errorf("%w: 70000", stream.ErrInvalidPort), code: http.StatusBadRequest},
		{name: "already streaming", err: stream.ErrAlreadyStreaming, code: http.StatusConflict},
		{name: "unreachable", err: fmt.Errorf("%w: 2 lookup services tried", endpoint.ErrNoReachableEndpoint), code: http.StatusServiceUnavailable},
		{name: "bind failure", err: fmt.Errorf("failed to listen on address :9554: address in use"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store := newTestAPI(t, &fakeStreams{startErr: tt.err})
			rec := serve(h, http.MethodPost, "/api/v1/stream/start", tt.body)
			assert.Equal(t, tt.code, rec.Code)

			var res ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.NotEmpty(t, res.Error)

			_, err := store.Get("live")
			assert.ErrorIs(t, err, state.ErrNotFound, "failed starts are not persisted")
		})
	}
}

func TestStopStream(t *testing.T) {
	streams := &fakeStreams{}
	h, store := newTestAPI(t, streams)

	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/api/v1/stream/start", `{"port": 8554}`).Code)
	rec := serve(h, http.MethodPost, "/api/v1/stream/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), stream.MessageStopped)
	assert.Equal(t, 1, streams.stopped)

	meta, err := store.Get("live")
	require.NoError(t, err)
	assert.False(t, meta.Enabled)
	assert.Equal(t, 8554, meta.Port)
}

func TestGetEndpoint(t *testing.T) {
	streams := &fakeStreams{candidate: endpoint.Candidate{Address: "2001:db8::7", Source: endpoint.SourcePublicLookup}}
	h, _ := newTestAPI(t, streams)

	rec := serve(h, http.MethodGet, "/api/v1/endpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res EndpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, EndpointResponse{
		Address:    "2001:db8::7",
		Source:     "public_lookup",
		Attachment: "wan",
		URL:        "rtsp://[2001:db8::7]:9554/live",
	}, res)

	streams.lookupErr = endpoint.ErrNoReachableEndpoint
	rec = serve(h, http.MethodGet, "/api/v1/endpoint", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	streams := &fakeStreams{status: stream.Status{State: stream.StateIdle}}
	h, _ := newTestAPI(t, streams)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/stream/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var status stream.Status
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, stream.StateIdle, status.State)

	// the first frame is written after the subscription exists
	res, err := http.Post(ts.URL+"/api/v1/stream/start", "application/json", strings.NewReader(`{"port": 8554}`))
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, stream.StateStreaming, status.State)
	assert.Equal(t, 8554, status.Port)
}

func TestLatestStatusKeepsNewest(t *testing.T) {
	events := make(latestStatus, 1)
	for port := 1; port <= 20; port++ {
		events.offer(stream.Status{State: stream.StateStarting, Port: port})
	}
	events.offer(stream.Status{State: stream.StateFailed, Port: 20})

	require.Len(t, events, 1)
	status := <-events
	assert.Equal(t, stream.StateFailed, status.State)
	assert.Equal(t, 20, status.Port)
}

func TestStreamEventsEndOnNewestStatus(t *testing.T) {
	streams := &fakeStreams{status: stream.Status{State: stream.StateIdle}}
	h, _ := newTestAPI(t, streams)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/stream/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var status stream.Status
	require.NoError(t, conn.ReadJSON(&status))

	for port := 1; port <= 50; port++ {
		streams.publish(stream.Status{State: stream.StateStarting, Port: port})
	}
	streams.publish(stream.Status{State: stream.StateStreaming, Port: 50})

	for status.State != stream.StateStreaming {
		require.NoError(t, conn.ReadJSON(&status))
	}
	assert.Equal(t, 50, status.Port)
}

func TestRouteTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, RouteTimeout(Config{Timeout: 3 * time.Second, LookupServices: 5}))
	assert.Equal(t, 3*40*time.Second+routeMargin, RouteTimeout(Config{LookupServices: 3, LookupTimeout: 40 * time.Second}))
	assert.Equal(t, 2*2*endpoint.DefaultTimeout+routeMargin, RouteTimeout(Config{}))
}

type wanDetector struct{}

func (wanDetector) Attachment() endpoint.Attachment { return endpoint.AttachmentWideAreaNetwork }

func (wanDetector) LocalAddress() (string, bool) { return "", false }

var _ netstate.Detector = wanDetector{}

func TestGetEndpointFallsBackWithinRouteTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.5\n"))
	}))
	defer good.Close()

	connect, read := 400*time.Millisecond, 400*time.Millisecond
	streams := stream.NewService(stream.Config{
		Path:     "live",
		Services: []string{slow.URL, good.URL},
	}, endpoint.NewResolver(endpoint.WithTimeouts(connect, read)), wanDetector{}, nil)

	h := NewHTTPAPI(Config{
		StreamID:       "live",
		DefaultPort:    9554,
		Path:           "live",
		LookupServices: 2,
		LookupTimeout:  connect + read,
	}, streams, nil)

	rec := serve(h, http.MethodGet, "/api/v1/endpoint", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res EndpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "203.0.113.5", res.Address)
	assert.Equal(t, "public_lookup", res.Source)
}

func TestGetEndpointUsesRunningPort(t *testing.T) {
	streams := &fakeStreams{candidate: endpoint.Candidate{Address: "192.168.1.20", Source: endpoint.SourceLocal}}
	h, _ := newTestAPI(t, streams)

	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/api/v1/stream/start", `{"port": 8554}`).Code)

	rec := serve(h, http.MethodGet, "/api/v1/endpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res EndpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "rtsp://192.168.1.20:8554/live", res.URL)

	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/api/v1/stream/stop", "").Code)
	rec = serve(h, http.MethodGet, "/api/v1/endpoint", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "rtsp://192.168.1.20:9554/live", res.URL)
}
