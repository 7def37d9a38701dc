// Package metrics exposes the server's Prometheus collectors and an
// optional /metrics listener.
package metrics

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	namespace = "quicsock"

	shutdownTimeout = time.Second * 15
	startupTime     = time.Millisecond * 500
)

var (
	// ActiveSessions tracks the number of admitted sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently admitted",
	})

	// MessagesTotal counts inbound frames by message type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Inbound messages processed, by type",
	}, []string{"type"})

	// BroadcastsTotal counts broadcast fan-outs.
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Broadcast messages fanned out to all sessions",
	})

	// PushesTotal counts topic pushes delivered, by topic.
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pushes_total",
		Help:      "Topic push messages delivered to subscribers, by topic",
	}, []string{"topic"})

	// DroppedFramesTotal counts frames the server discarded, by reason.
	DroppedFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_frames_total",
		Help:      "Frames discarded without processing, by reason",
	}, []string{"reason"})

	// AdmissionRejectsTotal counts connections turned away at capacity.
	AdmissionRejectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejects_total",
		Help:      "Connections rejected because the session limit was reached",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		MessagesTotal,
		BroadcastsTotal,
		PushesTotal,
		DroppedFramesTotal,
		AdmissionRejectsTotal,
	)
}

// ServeMetrics serves /metrics (and pprof) on l until shutdownC fires.
func ServeMetrics(l net.Listener, shutdownC <-chan struct{}, log *zerolog.Logger) (err error) {
	var wg sync.WaitGroup
	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	http.Handle("/metrics", promhttp.Handler())

	wg.Add(1)
	go func() {
		defer wg.Done()
		err = server.Serve(l)
	}()
	log.Info().Stringer("addr", l.Addr()).Msg("Starting metrics server")
	// server.Serve will hang if server.Shutdown is called before the server
	// is fully started up. So add artificial delay.
	time.Sleep(startupTime)

	<-shutdownC
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(ctx)
	cancel()

	wg.Wait()
	if err == http.ErrServerClosed {
		log.Info().Msg("Metrics server stopped")
		return nil
	}
	log.Error().Err(err).Msg("Metrics server quit with error")
	return err
}
