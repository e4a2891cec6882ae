// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"github.com/wardenlabs/warden/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationsTotal tracks keystore operations by type
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "kms",
		Name:      "operations_total",
		Help:      "Total number of keystore operations",
	}, []string{"operation"}) // operation: "initialize", "derive_service", "rotate", etc.

	// AccessDeniedTotal tracks team key ACL denials
	AccessDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "kms",
		Name:      "access_denied_total",
		Help:      "Total number of key material requests denied by team ACLs",
	})

	// RotationsTotal tracks key rotations by key type
	RotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "kms",
		Name:      "rotations_total",
		Help:      "Total number of key rotations",
	}, []string{"key_type"}) // key_type: "master", "service", "team", "subkey"

	// ActiveKeys tracks the current number of active keys by key type
	ActiveKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "kms",
		Name:      "active_keys",
		Help:      "Current number of active keys",
	}, []string{"key_type"})
)

func init() {
	debug.Registry().MustRegister(
		OperationsTotal,
		AccessDeniedTotal,
		RotationsTotal,
		ActiveKeys,
	)
}

func updateActiveKeyGauge(records []*KeyRecord) {
	counts := map[KeyType]int{}
	for _, r := range records {
		if r.IsActive() {
			counts[r.KeyType]++
		}
	}
	for _, typ := range []KeyType{KeyTypeMaster, KeyTypeService, KeyTypeTeam, KeyTypeSubkey} {
		ActiveKeys.WithLabelValues(string(typ)).Set(float64(counts[typ]))
	}
}
