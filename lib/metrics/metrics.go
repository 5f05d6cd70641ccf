// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes bus counters in Prometheus format.
//
// All recording methods are safe to call on a nil *Metrics, so
// components take an optional *Metrics and record unconditionally.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "busd"

// Drop reasons recorded by MessageDropped.
const (
	DropPolicy          = "policy"
	DropNoDestination   = "no_destination"
	DropUnexpectedReply = "unexpected_reply"
	DropQueueFull       = "queue_full"
	DropClosed          = "closed"
)

// Metrics holds the bus's Prometheus collectors and the registry they
// are registered in.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	authFailures      prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	policyDenials     *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
}

// New creates the collectors in a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections currently open, including those still authenticating.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Connections closed during the authentication handshake.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages accepted for routing, by message type.",
		}, []string{"type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Deliveries that did not happen, by reason.",
		}, []string{"reason"}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Policy checks that denied an action, by direction.",
		}, []string{"direction"}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"}),
	}
	registry.MustRegister(
		m.connections,
		m.connectionsTotal,
		m.authFailures,
		m.messagesRouted,
		m.messagesDropped,
		m.policyDenials,
		m.connectionsClosed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GaugeFunc registers a gauge whose value is read from fn at scrape
// time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter whose value is read from fn at scrape
// time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// MessageRouted counts one message accepted from a client. messageType
// is the wire type name, e.g. "method_call".
func (m *Metrics) MessageRouted(messageType string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(messageType).Inc()
}

// MessageDropped counts one delivery that was not made. reason is one of
// the Drop constants.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PolicyDenied(direction string) {
	if m == nil {
		return
	}
	m.policyDenials.WithLabelValues(direction).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}
