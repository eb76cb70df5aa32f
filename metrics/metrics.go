// Package metrics exposes Prometheus counters for the dispatch loop and the
// server. A nil *Collector is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the dispatch metrics.
type Collector struct {
	framesRead   prometheus.Counter
	calls        *prometheus.CounterVec
	replies      *prometheus.CounterVec
	streamItems  prometheus.Counter
	terminations *prometheus.CounterVec
	activeConns  prometheus.Gauge
}

// NewCollector builds the metrics under namespace and registers them on reg.
// Registering the same namespace twice on one registry reuses the existing
// collectors.
//
// Parameters:
//   - namespace: Metric name prefix, e.g. "dispatch"
//   - reg: Registry to attach to (prometheus.DefaultRegisterer in production)
//
// Returns:
//   - The Collector, or an error if registration fails
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Frames read from client connections.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls decoded, by method.",
		}, []string{"method"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies produced by the service, by kind.",
		}, []string{"kind"}),
		streamItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_items_total",
			Help:      "Streamed reply items written.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Connection loops terminated, by reason.",
		}, []string{"reason"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		}),
	}

	var err error
	c.framesRead, err = register(reg, c.framesRead)
	if err != nil {
		return nil, err
	}
	c.calls, err = register(reg, c.calls)
	if err != nil {
		return nil, err
	}
	c.replies, err = register(reg, c.replies)
	if err != nil {
		return nil, err
	}
	c.streamItems, err = register(reg, c.streamItems)
	if err != nil {
		return nil, err
	}
	c.terminations, err = register(reg, c.terminations)
	if err != nil {
		return nil, err
	}
	c.activeConns, err = register(reg, c.activeConns)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}

		return col, fmt.Errorf("metrics: register: %w", err)
	}

	return col, nil
}

// FrameRead counts one frame read from a connection.
func (c *Collector) FrameRead() {
	if c == nil {
		return
	}
	c.framesRead.Inc()
}

// Call counts one decoded call to method.
func (c *Collector) Call(method string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(method).Inc()
}

// Reply counts one reply of the given kind ("single", "error", "multi").
func (c *Collector) Reply(kind string) {
	if c == nil {
		return
	}
	c.replies.WithLabelValues(kind).Inc()
}

// StreamItem counts one streamed item written.
func (c *Collector) StreamItem() {
	if c == nil {
		return
	}
	c.streamItems.Inc()
}

// Terminated counts one connection loop ending for reason.
func (c *Collector) Terminated(reason string) {
	if c == nil {
		return
	}
	c.terminations.WithLabelValues(reason).Inc()
}

// ConnectionOpened increments the active connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.activeConns.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConns.Dec()
}
