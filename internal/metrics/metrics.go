// Package metrics exposes Prometheus instrumentation for a relay node.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/klingnet-relay/internal/event"
	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
)

const namespace = "klingnet_relay"

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "p2p",
		Name:      "messages_total",
		Help:      "Count of wire messages by direction and tag.",
	}, []string{"node", "direction", "tag"})

	peersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "p2p",
		Name:      "peers",
		Help:      "Number of peers that completed the handshake.",
	}, []string{"node"})

	protocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "p2p",
		Name:      "protocol_errors_total",
		Help:      "Count of connections closed for protocol violations.",
	}, []string{"node"})

	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_total",
		Help:      "Count of processed blocks by outcome.",
	}, []string{"node", "result"})

	tipHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "tip_height",
		Help:      "Height of the best chain tip.",
	}, []string{"node"})

	relayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Count of block request outcomes.",
	}, []string{"node", "status"})

	eventsDropped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "event",
		Name:      "dropped",
		Help:      "Events lost to slow subscribers.",
	}, []string{"node"})
)

// Node records metrics for one node. Several nodes in one process are
// told apart by the node label.
type Node struct {
	name string
}

// NewNode constructs a Node recorder. An empty name becomes "default".
func NewNode(name string) *Node {
	if name == "" {
		name = "default"
	}
	return &Node{name: name}
}

// MessageReceived counts one inbound message.
func (m *Node) MessageReceived(tag string) {
	messagesTotal.WithLabelValues(m.name, "in", tag).Inc()
}

// MessageSent counts one outbound message.
func (m *Node) MessageSent(tag string) {
	messagesTotal.WithLabelValues(m.name, "out", tag).Inc()
}

// SetPeers records the number of Ready peers.
func (m *Node) SetPeers(n int) {
	peersGauge.WithLabelValues(m.name).Set(float64(n))
}

// SetTipHeight records the best tip height.
func (m *Node) SetTipHeight(h uint64) {
	tipHeight.WithLabelValues(m.name).Set(float64(h))
}

// Observe updates counters from a node event.
func (m *Node) Observe(ev event.Event) {
	switch ev.Kind {
	case event.ProtocolError:
		protocolErrorsTotal.WithLabelValues(m.name).Inc()
	case event.BlockApplied:
		blocksTotal.WithLabelValues(m.name, "applied").Inc()
	case event.BlockOrphaned:
		blocksTotal.WithLabelValues(m.name, "orphan").Inc()
	case event.BlockInvalid:
		blocksTotal.WithLabelValues(m.name, "invalid").Inc()
	case event.RelayRetry:
		relayRequestsTotal.WithLabelValues(m.name, "retry").Inc()
	case event.RelayFailure:
		relayRequestsTotal.WithLabelValues(m.name, "failed").Inc()
	}
}

// SetEventsDropped records the event bus drop counter.
func (m *Node) SetEventsDropped(n uint64) {
	eventsDropped.WithLabelValues(m.name).Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		klog.Node.Info().Str("addr", addr).Msg("Metrics server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Node.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Node.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()
}
