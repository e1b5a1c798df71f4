// SPDX-FileCopyrightText: Copyright (c) 2026 The CodeHub Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"go.codehub.dev/codehub/pkg/workspace"
)

type collectorStore interface {
	PhaseCounts(ctx context.Context) (map[workspace.Phase]int64, error)
}

// allPhases keeps gauge series alive at zero when a phase empties out.
var allPhases = []workspace.Phase{
	workspace.PhasePending, workspace.PhaseArchived, workspace.PhaseStandby,
	workspace.PhaseRunning, workspace.PhaseError, workspace.PhaseDeleting,
	workspace.PhaseDeleted,
}

// MetricsCollector periodically publishes fleet-level gauges from the
// database. It runs leader-elected so the gauges are reported once, not once
// per replica.
type MetricsCollector struct {
	store    collectorStore
	interval time.Duration
	inst     *Instruments
}

// NewMetricsCollector creates the collector.
func NewMetricsCollector(st collectorStore, interval time.Duration, inst *Instruments) *MetricsCollector {
	return &MetricsCollector{store: st, interval: interval, inst: inst}
}

// Name implements Coordinator.
func (m *MetricsCollector) Name() string { return "metrics" }

// Tick records one snapshot of workspace counts per phase.
func (m *MetricsCollector) Tick(ctx context.Context) (time.Duration, error) {
	counts, err := m.store.PhaseCounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to collect phase counts: %w", err)
	}
	for _, phase := range allPhases {
		m.inst.RecordPhaseCount(ctx, phase, counts[phase])
	}
	return m.interval, nil
}
