// Package metrics exposes pipeline counters for Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"friendrec/log"
)

const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

type Metrics struct {
	reg *prometheus.Registry

	uploads       *prometheus.CounterVec
	uploadLatency prometheus.Histogram
	battery       prometheus.Gauge
	link          prometheus.Gauge
	frames        prometheus.Counter
	dropped       prometheus.Counter
	recordings    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendrec_uploads_total",
			Help: "Upload attempts by result.",
		}, []string{"result"}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "friendrec_upload_latency_seconds",
			Help:    "Time from request start to parsed response.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "friendrec_battery_percent",
			Help: "Last reported battery level of the connected device.",
		}),
		link: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "friendrec_link_state",
			Help: "Device link state (0 idle, 1 scanning, 2 connecting, 3 connected, 4 disconnected).",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendrec_recorded_frames_total",
			Help: "PCM frames written to recordings.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendrec_dropped_buffers_total",
			Help: "Audio buffers lost to write errors.",
		}),
		recordings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendrec_recordings_total",
			Help: "Finished recordings.",
		}),
	}
	m.reg.MustRegister(m.uploads, m.uploadLatency, m.battery, m.link, m.frames, m.dropped, m.recordings)
	return m
}

func (m *Metrics) Upload(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
	if d > 0 {
		m.uploadLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) Battery(percent int) {
	if m == nil {
		return
	}
	m.battery.Set(float64(percent))
}

func (m *Metrics) LinkState(state int) {
	if m == nil {
		return
	}
	m.link.Set(float64(state))
}

func (m *Metrics) Recording(frames uint64, dropped int) {
	if m == nil {
		return
	}
	m.recordings.Inc()
	m.frames.Add(float64(frames))
	m.dropped.Add(float64(dropped))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
