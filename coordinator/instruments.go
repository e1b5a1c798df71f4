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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"go.codehub.dev/codehub/pkg/workspace"
)

// Instruments bundles the coordinator metrics. A nil *Instruments is valid
// and records nothing, which keeps test wiring small.
type Instruments struct {
	tickTotal     metric.Int64Counter
	tickSeconds   metric.Float64Histogram
	opTotal       metric.Int64Counter
	phaseCount    metric.Int64Gauge
	cdcTotal      metric.Int64Counter
	archivesSwept metric.Int64Counter
}

// NewInstruments creates the coordinator instrument set on the given meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		inst Instruments
		err  error
	)

	inst.tickTotal, err = meter.Int64Counter("codehub.coordinator.tick.total",
		metric.WithDescription("Coordinator ticks by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tick counter: %w", err)
	}

	inst.tickSeconds, err = meter.Float64Histogram("codehub.coordinator.tick.seconds",
		metric.WithDescription("Coordinator tick duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tick histogram: %w", err)
	}

	inst.opTotal, err = meter.Int64Counter("codehub.reconcile.operation.total",
		metric.WithDescription("Reconcile operations by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	inst.phaseCount, err = meter.Int64Gauge("codehub.workspace.phase.count",
		metric.WithDescription("Workspace rows per phase"))
	if err != nil {
		return nil, fmt.Errorf("failed to create phase gauge: %w", err)
	}

	inst.cdcTotal, err = meter.Int64Counter("codehub.cdc.notification.total",
		metric.WithDescription("Database notifications routed by channel"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cdc counter: %w", err)
	}

	inst.archivesSwept, err = meter.Int64Counter("codehub.gc.archive.deleted.total",
		metric.WithDescription("Archive objects deleted by the garbage collector"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gc counter: %w", err)
	}

	return &inst, nil
}

func outcomeAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// RecordTick records one coordinator pass.
func (i *Instruments) RecordTick(ctx context.Context, name string, elapsed time.Duration, err error) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("coordinator", name),
		outcomeAttr(err),
	)
	i.tickTotal.Add(ctx, 1, attrs)
	i.tickSeconds.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordOperation records the outcome of one workspace operation attempt.
func (i *Instruments) RecordOperation(ctx context.Context, op workspace.Operation, outcome string) {
	if i == nil {
		return
	}
	i.opTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("outcome", outcome),
	))
}

// RecordPhaseCount records the current row count for one phase.
func (i *Instruments) RecordPhaseCount(ctx context.Context, phase workspace.Phase, n int64) {
	if i == nil {
		return
	}
	i.phaseCount.Record(ctx, n, metric.WithAttributes(
		attribute.String("phase", string(phase)),
	))
}

// RecordNotification records one routed database notification.
func (i *Instruments) RecordNotification(ctx context.Context, channel string) {
	if i == nil {
		return
	}
	i.cdcTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// RecordArchivesSwept records archives removed by one GC pass.
func (i *Instruments) RecordArchivesSwept(ctx context.Context, n int64) {
	if i == nil {
		return
	}
	i.archivesSwept.Add(ctx, n)
}
