package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/internal/app"
	"lifeline/internal/camera"
	"lifeline/internal/config"
	"lifeline/internal/control"
	"lifeline/internal/eventlog"
	"lifeline/internal/metrics"
	"lifeline/internal/traffic"
)

// fakeBackend は呼び出しを記録し、設定したエラーを返す
type fakeBackend struct {
	mu       sync.Mutex
	running  bool
	lane     string
	override bool
	err      error
	days     int
	limit    int
	output   *camera.LatestFrame
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{output: camera.NewLatestFrame()}
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return app.ErrAlreadyRunning
	}
	if f.err != nil {
		return f.err
	}
	f.running = true
	return nil
}

func (f *fakeBackend) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return app.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBackend) Status() app.Status {
	return app.Status{RunID: "run-1", Running: f.Running(), Signals: f.Signals()}
}

func (f *fakeBackend) Signals() app.SignalStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return app.SignalStatus{
		States:         map[string]string{"north": "red", "south": "red", "east": "red", "west": "red"},
		Mode:           traffic.ModeNormal,
		PriorityMode:   f.lane != "",
		PriorityLane:   f.lane,
		ManualOverride: f.override,
	}
}

func (f *fakeBackend) ActivatePriority(lane string) error {
	dir, err := traffic.ParseDirection(lane)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.override {
		return traffic.ErrManualOverride
	}
	f.lane = dir.String()
	return nil
}

func (f *fakeBackend) DeactivatePriority() {
	f.mu.Lock()
	f.lane = ""
	f.mu.Unlock()
}

func (f *fakeBackend) SetManualOverride(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.override = enabled
	return nil
}

func (f *fakeBackend) SetSignalState(direction, state string) error {
	if _, err := traffic.ParseDirection(direction); err != nil {
		return err
	}
	if _, err := traffic.ParseSignalState(state); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.override {
		return traffic.ErrNotInOverride
	}
	return nil
}

func (f *fakeBackend) LatestDetections() app.LatestDetections {
	return app.LatestDetections{}
}

func (f *fakeBackend) Statistics(_ context.Context, days int) (eventlog.Statistics, error) {
	if days < 1 {
		return eventlog.Statistics{}, fmt.Errorf("%w: days", app.ErrInvalidArgument)
	}
	f.mu.Lock()
	f.days = days
	f.mu.Unlock()
	return eventlog.Statistics{PeriodDays: days, DetectionsByLane: map[string]int{"north": 2}}, nil
}

func (f *fakeBackend) RecentLogs(_ context.Context, limit int) (app.RecentLogs, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	return app.RecentLogs{}, nil
}

func (f *fakeBackend) Output() *camera.LatestFrame {
	return f.output
}

func newTestServer(t *testing.T, backend Backend, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, backend, opts...)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthAndIndex(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = doRequest(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/ws/updates")

	rec = doRequest(t, s, http.MethodGet, "/api", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /api/priority/activate")
}

func TestPriorityEndpoints(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doRequest(t, s, http.MethodPost, "/api/priority/activate", `{"lane":"east"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "east", resp.Signals.PriorityLane)

	rec = doRequest(t, s, http.MethodPost, "/api/priority/activate", `{"lane":"up"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Error)

	rec = doRequest(t, s, http.MethodPost, "/api/priority/activate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/priority/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, backend.Signals().PriorityMode)

	rec = doRequest(t, s, http.MethodPost, "/api/override/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, s, http.MethodPost, "/api/priority/activate", `{"lane":"north"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Error)
}

func TestSignalControlEndpoint(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doRequest(t, s, http.MethodPost, "/api/signals/control", `{"direction":"north","state":"green"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, backend.SetManualOverride(true))
	rec = doRequest(t, s, http.MethodPost, "/api/signals/control", `{"direction":"north","state":"green"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/signals/control", `{"direction":"north","state":"blue"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/signals/control", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/signals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"manual_override":true`)
}

func TestQueryEndpoints(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doRequest(t, s, http.MethodGet, "/api/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultStatisticsDays, backend.days)

	rec = doRequest(t, s, http.MethodGet, "/api/statistics?days=30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, backend.days)
	assert.Contains(t, rec.Body.String(), `"detections_by_lane":{"north":2}`)

	rec = doRequest(t, s, http.MethodGet, "/api/statistics?days=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/statistics?days=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/logs/recent?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, backend.limit)

	rec = doRequest(t, s, http.MethodGet, "/api/detections/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestSystemEndpoints(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doRequest(t, s, http.MethodPost, "/api/system/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/system/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.Running())

	rec = doRequest(t, s, http.MethodPost, "/api/system/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)
	assert.Equal(t, "run-1", status.RunID)

	rec = doRequest(t, s, http.MethodPost, "/api/system/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemStartSourceUnavailable(t *testing.T) {
	backend := newFakeBackend()
	backend.err = fmt.Errorf("%w: /dev/video9", camera.ErrOpen)
	s := newTestServer(t, backend)

	rec := doRequest(t, s, http.MethodPost, "/api/system/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "source_unavailable", decodeError(t, rec).Error)
}

func TestSystemStartWhileStillStopping(t *testing.T) {
	backend := newFakeBackend()
	backend.err = control.ErrStillStopping
	s := newTestServer(t, backend)

	rec := doRequest(t, s, http.MethodPost, "/api/system/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Error)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.LoopIterations.Inc()
	s := newTestServer(t, newFakeBackend(), WithMetricsHandler(m.Handler()))

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lifeline_control_iterations_total 1")
}

func TestVideoFeed(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	backend.output.Store(camera.Frame{Seq: 1, Data: []byte("jpeg-1")})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/video/feed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readPart := func() string {
		var header []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line == "\r\n" {
				break
			}
			header = append(header, strings.TrimSpace(line))
		}
		require.Contains(t, header, "--frame")
		require.Contains(t, header, "Content-Type: image/jpeg")
		body := make([]byte, len("jpeg-N"))
		_, err := io.ReadFull(reader, body)
		require.NoError(t, err)
		_, err = reader.ReadString('\n')
		require.NoError(t, err)
		return string(body)
	}

	assert.Equal(t, "jpeg-1", readPart())

	backend.output.Store(camera.Frame{Seq: 2, Data: []byte("jpeg-2")})
	assert.Equal(t, "jpeg-2", readPart())
}

func TestWebSocketUpdates(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend, WithUpdateInterval(20*time.Millisecond))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/updates"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first app.Status
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "run-1", first.RunID)
	assert.False(t, first.Signals.PriorityMode)

	require.NoError(t, backend.ActivatePriority("west"))
	require.Eventually(t, func() bool {
		var next app.Status
		if err := conn.ReadJSON(&next); err != nil {
			return false
		}
		return next.Signals.PriorityLane == "west"
	}, 2*time.Second, time.Millisecond)
}

func TestServeAndShutdown(t *testing.T) {
	s := newTestServer(t, newFakeBackend())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("サーバーのシャットダウンがタイムアウトしました")
	}
}
