package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/cwsl/mixerpanel/channels"
	"github.com/cwsl/mixerpanel/watchdog"
)

// VUMetrics holds the Prometheus collectors for the level feed. It observes
// the stream and the watchdog and also acts as a meter sink.
type VUMetrics struct {
	registry *prometheus.Registry

	framesTotal   prometheus.Counter
	framesDropped prometheus.Counter
	streamsOpened prometheus.Counter
	reopensTotal  prometheus.Counter
	outagesTotal  prometheus.Counter
	stale         prometheus.Gauge
	lastFrame     prometheus.Gauge
	levelRMS      *prometheus.GaugeVec // role, channel

	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge

	mu        sync.Mutex
	lastState watchdog.State
}

// NewVUMetrics registers the collectors on a fresh registry, together with
// the Go and process collectors.
func NewVUMetrics() *VUMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &VUMetrics{
		registry: reg,
		framesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_vu_frames_total",
			Help: "Level frames accepted from the mixer",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_vu_frames_dropped_total",
			Help: "Level messages dropped because they could not be parsed",
		}),
		streamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_vu_streams_opened_total",
			Help: "Level stream subscriptions opened, including the first",
		}),
		reopensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_vu_reopens_total",
			Help: "Reopens requested by the staleness watchdog",
		}),
		outagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_vu_outages_total",
			Help: "Transitions of the level feed from fresh to stale",
		}),
		stale: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mixerpanel_vu_stale",
			Help: "1 while the level feed is stale, 0 otherwise",
		}),
		lastFrame: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mixerpanel_vu_last_frame_timestamp_seconds",
			Help: "Unix time of the last accepted level frame",
		}),
		levelRMS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixerpanel_vu_level_rms",
			Help: "Last RMS level per visible channel in dBFS",
		}, []string{"role", "channel"}),
		pushgatewayPushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_pushgateway_pushes_total",
			Help: "Pushes attempted to the Pushgateway",
		}),
		pushgatewayFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mixerpanel_pushgateway_failures_total",
			Help: "Pushes to the Pushgateway that failed",
		}),
		pushgatewayLastPushTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mixerpanel_pushgateway_last_push_timestamp_seconds",
			Help: "Unix time of the last successful push",
		}),
	}
}

// Gatherer exposes the registry for the HTTP handler and MQTT publisher.
func (vm *VUMetrics) Gatherer() prometheus.Gatherer {
	if vm == nil {
		return prometheus.NewRegistry()
	}
	return vm.registry
}

func (vm *VUMetrics) StreamOpened(string) {
	if vm == nil {
		return
	}
	vm.streamsOpened.Inc()
}

func (vm *VUMetrics) FrameAccepted(at time.Time) {
	if vm == nil {
		return
	}
	vm.framesTotal.Inc()
	vm.lastFrame.Set(float64(at.UnixNano()) / 1e9)
}

func (vm *VUMetrics) FrameDropped(error) {
	if vm == nil {
		return
	}
	vm.framesDropped.Inc()
}

// UpdateMeter records the level of a visible channel.
func (vm *VUMetrics) UpdateMeter(id string, role channels.Role, rms float64) {
	if vm == nil {
		return
	}
	vm.levelRMS.WithLabelValues(string(role), id).Set(rms)
}

func (vm *VUMetrics) StateChanged(state watchdog.State, _, _ time.Time) {
	if vm == nil {
		return
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if state == watchdog.Stale {
		vm.stale.Set(1)
		if vm.lastState != watchdog.Stale {
			vm.outagesTotal.Inc()
		}
	} else {
		vm.stale.Set(0)
	}
	vm.lastState = state
}

func (vm *VUMetrics) Reopened(time.Time) {
	if vm == nil {
		return
	}
	vm.reopensTotal.Inc()
}

// getClientIP returns the remote IP of a request without the port
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MetricsHandler serves the registry with IP-based access control
func (vm *VUMetrics) MetricsHandler(config *PrometheusConfig, logger *zap.Logger) http.Handler {
	inner := promhttp.HandlerFor(vm.Gatherer(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		if !config.IsIPAllowed(clientIP) {
			w.WriteHeader(http.StatusForbidden)
			if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
				logger.Debug("error writing forbidden response", zap.Error(err))
			}
			logger.Warn("metrics access denied", zap.String("ip", clientIP))
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// StartMetricsServer listens on prometheus.listen and serves metrics until
// ctx is done.
func (vm *VUMetrics) StartMetricsServer(ctx context.Context, config *PrometheusConfig, logger *zap.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(config.Path, vm.MetricsHandler(config, logger))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Debug("metrics server shutdown", zap.Error(err))
		}
	}()

	logger.Info("prometheus metrics enabled",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", config.Path),
		zap.Strings("allowed_hosts", config.AllowedHosts))
	return ln.Addr(), nil
}

// StartPushgatewayWorker pushes the registry to the Pushgateway at the
// configured interval until ctx is done.
func (vm *VUMetrics) StartPushgatewayWorker(ctx context.Context, config PushgatewayConfig, logger *zap.Logger) {
	if vm == nil || !config.Enabled {
		return
	}

	interval := time.Duration(config.Interval) * time.Second
	logger.Info("starting pushgateway worker",
		zap.String("url", config.URL),
		zap.String("job", config.Job),
		zap.String("instance", config.Instance),
		zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		vm.pushOnce(config, logger)
		for {
			select {
			case <-ctx.Done():
				logger.Debug("pushgateway worker stopped")
				return
			case <-ticker.C:
				vm.pushOnce(config, logger)
			}
		}
	}()
}

func (vm *VUMetrics) pushOnce(config PushgatewayConfig, logger *zap.Logger) {
	vm.pushgatewayPushesTotal.Inc()
	if err := vm.pushToGateway(config); err != nil {
		vm.pushgatewayFailuresTotal.Inc()
		logger.Warn("failed to push metrics to pushgateway", zap.Error(err))
		return
	}
	vm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	logger.Debug("pushed metrics to pushgateway")
}

// pushToGateway pushes all metrics with the instance and version as grouping labels
func (vm *VUMetrics) pushToGateway(config PushgatewayConfig) error {
	pusher := push.New(config.URL, config.Job).Gatherer(vm.registry)
	if config.Instance != "" {
		pusher = pusher.Grouping("instance", config.Instance)
	}
	if config.Token != "" {
		pusher = pusher.BasicAuth(config.Instance, config.Token)
	}
	pusher = pusher.Grouping("version", Version)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
