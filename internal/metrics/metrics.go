// Package metrics はPrometheus形式のメトリクスを提供する
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lifeline/internal/camera"
	"lifeline/internal/detect"
	"lifeline/internal/eventlog"
	"lifeline/internal/traffic"
)

const namespace = "lifeline"

// Metrics はアプリケーション全体のメトリクス
//
// eventlog.Sink を実装しており、イベントの出力先として登録すると件数を数える。
type Metrics struct {
	registry *prometheus.Registry

	Detections          *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	SystemEvents        *prometheus.CounterVec
	SignalState         *prometheus.GaugeVec
	PriorityActivations prometheus.Counter
	LoopIterations      prometheus.Counter
	LoopErrors          prometheus.Counter
	DetectDuration      prometheus.Histogram
}

// New は独立したレジストリにメトリクスを登録して返す
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "detections_total",
				Help:      "Emergency vehicle detections by lane and class",
			},
			[]string{"lane", "class"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "transitions_total",
				Help:      "Signal state transitions by direction and reason",
			},
			[]string{"direction", "reason"},
		),
		SystemEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "system",
				Name:      "events_total",
				Help:      "System events by type",
			},
			[]string{"type"},
		),
		SignalState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "state",
				Help:      "Current signal state per direction (0=red, 1=yellow, 2=green, 3=off)",
			},
			[]string{"direction"},
		),
		PriorityActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "priority_activations_total",
			Help:      "Priority mode activations",
		}),
		LoopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "iterations_total",
			Help:      "Control loop iterations that processed a frame",
		}),
		LoopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "errors_total",
			Help:      "Control loop iterations aborted by an error",
		}),
		DetectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "duration_seconds",
			Help:      "Detector call latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	m.registry.MustRegister(
		m.Detections,
		m.Transitions,
		m.SystemEvents,
		m.SignalState,
		m.PriorityActivations,
		m.LoopIterations,
		m.LoopErrors,
		m.DetectDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry はPrometheusレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のハンドラーを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RegisterVideo はフレーム取得統計を読み取り時に評価するメトリクスとして登録する
func (m *Metrics) RegisterVideo(stats func() camera.Stats) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_total",
			Help:      "Frames captured",
		}, func() float64 { return float64(stats().FrameCount) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because the queue was full",
		}, func() float64 { return float64(stats().Dropped) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "queue_depth",
			Help:      "Frames waiting in the queue",
		}, func() float64 { return float64(stats().QueueDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "fps",
			Help:      "Capture rate over the last second",
		}, func() float64 { return stats().FPS }),
	)
}

// LogDetection は検出件数を数える
func (m *Metrics) LogDetection(d detect.Detection) {
	lane := d.Lane
	if lane == "" {
		lane = detect.LaneUnknown
	}
	m.Detections.WithLabelValues(lane, d.Class).Inc()
}

// LogTransition は遷移件数を数え、現在の信号状態を更新する
func (m *Metrics) LogTransition(t traffic.Transition) {
	m.Transitions.WithLabelValues(t.Direction.String(), t.Reason).Inc()
	m.SignalState.WithLabelValues(t.Direction.String()).Set(float64(t.New))
}

// LogSystemEvent はイベント件数を数える
func (m *Metrics) LogSystemEvent(e eventlog.SystemEvent) {
	m.SystemEvents.WithLabelValues(e.Type).Inc()
	if e.Type == eventlog.EventPriorityActivated {
		m.PriorityActivations.Inc()
	}
}

var _ eventlog.Sink = (*Metrics)(nil)
