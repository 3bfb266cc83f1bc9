// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "certkeeper"

// Set bundles the engine collectors; a single Set is created at startup and
// handed to the components that record into it.
type Set struct {
	registry *prometheus.Registry

	CertificatesTracked prometheus.Gauge
	RenewalsTotal       *prometheus.CounterVec
	SnapshotOpsTotal    *prometheus.CounterVec
	WatcherEventsTotal  prometheus.Counter
	DeployActionsTotal  *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
}

// NewSet builds the collectors on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		CertificatesTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificates_tracked",
			Help:      "Number of certificates currently held in the registry.",
		}),
		RenewalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Certificate create/renew operations by outcome.",
		}, []string{"outcome"}),
		SnapshotOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_operations_total",
			Help:      "Snapshot operations by kind (create, restore, delete).",
		}, []string{"kind"}),
		WatcherEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_events_total",
			Help:      "Debounced filesystem events handled by the scheduler.",
		}),
		DeployActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_actions_total",
			Help:      "Deploy actions executed by outcome.",
		}, []string{"outcome"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_sweep_duration_seconds",
			Help:      "Duration of renewal sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler serves the set on /metrics.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
