// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the server's Prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voipc"

// Metrics holds every instrument the server updates.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedUsers  prometheus.Gauge
	ActiveShares    prometheus.Gauge
	ChannelsCreated prometheus.Counter
	ChannelsDeleted prometheus.Counter
	RelayedMessages prometheus.Counter

	PacketsForwarded prometheus.Counter
	PacketsDropped   prometheus.Counter
	BytesForwarded   prometheus.Counter
}

// New builds and registers the server metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Number of connected users",
		}),
		ActiveShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_screen_shares",
			Help:      "Number of active screen shares",
		}),
		ChannelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_created_total",
			Help:      "Number of channels created",
		}),
		ChannelsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_deleted_total",
			Help:      "Number of empty channels deleted",
		}),
		RelayedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Number of encrypted payloads relayed on the control plane",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_packets_forwarded_total",
			Help:      "Number of media datagrams forwarded",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_packets_dropped_total",
			Help:      "Number of media datagrams dropped",
		}),
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_bytes_forwarded_total",
			Help:      "Number of media payload bytes forwarded",
		}),
	}
	m.registry.MustRegister(
		m.ConnectedUsers,
		m.ActiveShares,
		m.ChannelsCreated,
		m.ChannelsDeleted,
		m.RelayedMessages,
		m.PacketsForwarded,
		m.PacketsDropped,
		m.BytesForwarded,
	)
	return m
}

// Handler returns the exposition handler for the metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
