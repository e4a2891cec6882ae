// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"github.com/wardenlabs/warden/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SealsTotal tracks records sealed
	SealsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "fortress",
		Name:      "seals_total",
		Help:      "Total number of records sealed",
	})

	// VerificationsTotal tracks verification outcomes
	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "fortress",
		Name:      "verifications_total",
		Help:      "Total number of record verifications by outcome",
	}, []string{"result"}) // result: "verified", "tampered", "unsealed", "error"

	// TamperAlertsTotal tracks integrity failures separately so alerts
	// can key on a single counter
	TamperAlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "fortress",
		Name:      "tamper_alerts_total",
		Help:      "Total number of integrity seal mismatches detected",
	})
)

func init() {
	debug.Registry().MustRegister(
		SealsTotal,
		VerificationsTotal,
		TamperAlertsTotal,
	)
}
