// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package metrics exposes Prometheus collectors for the control plane.
// Everything here is registered on the default registry and served by
// the /metrics endpoint when metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProvisionTotal counts provisioning attempts by deployment type and outcome.
	ProvisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_provision_total",
			Help: "Workspace provisioning attempts by deployment type and outcome.",
		},
		[]string{"deployment_type", "outcome"},
	)

	// ProvisionDuration tracks how long provisioning runs take.
	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatehouse_provision_duration_seconds",
			Help:    "Duration of workspace provisioning runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"deployment_type"},
	)

	// CredentialRedemptions counts connection code redemption attempts.
	CredentialRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_credential_redemptions_total",
			Help: "Connection code redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DecommissionTotal counts workspace teardowns by outcome.
	DecommissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_decommission_total",
			Help: "Workspace decommission attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ProvisionTotal,
		ProvisionDuration,
		CredentialRedemptions,
		DecommissionTotal,
	)
}

// ObserveProvision records a completed provisioning run.
func ObserveProvision(deploymentType, outcome string, elapsed time.Duration) {
	ProvisionTotal.WithLabelValues(deploymentType, outcome).Inc()
	ProvisionDuration.WithLabelValues(deploymentType).Observe(elapsed.Seconds())
}
