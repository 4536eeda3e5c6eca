package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/internal/camera"
	"lifeline/internal/detect"
	"lifeline/internal/eventlog"
	"lifeline/internal/traffic"
)

func TestMetrics_SinkCounts(t *testing.T) {
	m := New()

	m.LogDetection(detect.Detection{Lane: "east", Class: "ambulance"})
	m.LogDetection(detect.Detection{Class: "ambulance"})
	m.LogTransition(traffic.Transition{Direction: traffic.East, New: traffic.Green, Reason: traffic.ReasonPriority})
	m.LogSystemEvent(eventlog.SystemEvent{Type: eventlog.EventPriorityActivated})
	m.LogSystemEvent(eventlog.SystemEvent{Type: eventlog.EventSystemStart})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Detections.WithLabelValues("east", "ambulance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Detections.WithLabelValues(detect.LaneUnknown, "ambulance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("east", traffic.ReasonPriority)))
	assert.Equal(t, float64(traffic.Green), testutil.ToFloat64(m.SignalState.WithLabelValues("east")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PriorityActivations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SystemEvents.WithLabelValues(eventlog.EventSystemStart)))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RegisterVideo(func() camera.Stats {
		return camera.Stats{FrameCount: 42, Dropped: 3, QueueDepth: 2, FPS: 14.5}
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"lifeline_video_frames_total 42",
		"lifeline_video_dropped_frames_total 3",
		"lifeline_video_queue_depth 2",
		"lifeline_video_fps 14.5",
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
}
