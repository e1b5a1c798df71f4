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
	"log/slog"
	"time"

	"go.codehub.dev/codehub/pkg/agent"
	"go.codehub.dev/codehub/pkg/store"
	"go.codehub.dev/codehub/pkg/workspace"
)

type observerStore interface {
	ListActive(ctx context.Context) ([]*workspace.Workspace, error)
	UpdateConditions(ctx context.Context, updates []store.ConditionUpdate) error
}

type observerAgent interface {
	ObserveAll(ctx context.Context, prefix string) (*agent.Observations, error)
}

// Observer is the bulk observer loop: one agent snapshot per tick, fanned out
// into per-workspace resource conditions. It is the only writer of the
// conditions column.
type Observer struct {
	store     observerStore
	agent     observerAgent
	clusterID string
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewObserver creates the bulk observer.
func NewObserver(st observerStore, ag observerAgent, clusterID string, interval time.Duration, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		store:     st,
		agent:     ag,
		clusterID: clusterID,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Name implements Coordinator.
func (o *Observer) Name() string { return "observer" }

// Tick refreshes the conditions of every active workspace from one bulk
// snapshot.
func (o *Observer) Tick(ctx context.Context) (time.Duration, error) {
	rows, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workspaces: %w", err)
	}
	if len(rows) == 0 {
		return o.interval, nil
	}

	obs, err := o.agent.ObserveAll(ctx, o.clusterID)
	if err != nil {
		// Total blackout: leave all conditions as they are and let the
		// driver back off. Stale conditions are explicitly preferable to
		// guessing.
		return 0, fmt.Errorf("failed to observe infrastructure: %w", err)
	}

	now := o.now()
	updates := make([]store.ConditionUpdate, 0, len(rows))
	for _, ws := range rows {
		conds := ws.Conditions.Clone()
		if conds == nil {
			conds = make(workspace.Conditions)
		}
		applyObservations(conds, ws.ID, obs, now)
		updates = append(updates, store.ConditionUpdate{
			ID:         ws.ID,
			Conditions: conds,
			ObservedAt: now,
		})
	}

	if err := o.store.UpdateConditions(ctx, updates); err != nil {
		return 0, fmt.Errorf("failed to persist conditions: %w", err)
	}
	o.logger.Info("observed infrastructure",
		"workspaces", len(rows),
		"containers", len(obs.Containers),
		"volumes", len(obs.Volumes),
		"archives", len(obs.Archives))
	return o.interval, nil
}

// applyObservations folds one snapshot into a workspace's condition set. An
// unobservable dimension (nil map) keeps its previous status and is marked
// Unreachable, so the judge never flips a phase on missing information.
func applyObservations(conds workspace.Conditions, id string, obs *agent.Observations, now time.Time) {
	if obs.Containers == nil {
		degrade(conds, workspace.CondContainerReady, now)
	} else if c, ok := obs.Containers[id]; ok && c.Running {
		conds.Set(workspace.CondContainerReady, workspace.StatusTrue, "ContainerRunning", c.Message, now)
	} else if ok {
		reason := c.Reason
		if reason == "" {
			reason = "ContainerNotRunning"
		}
		conds.Set(workspace.CondContainerReady, workspace.StatusFalse, reason, c.Message, now)
	} else {
		conds.Set(workspace.CondContainerReady, workspace.StatusFalse, "NotFound", "", now)
	}

	if obs.Volumes == nil {
		degrade(conds, workspace.CondVolumeReady, now)
	} else if obs.Volumes[id] {
		conds.Set(workspace.CondVolumeReady, workspace.StatusTrue, "VolumeBound", "", now)
	} else {
		conds.Set(workspace.CondVolumeReady, workspace.StatusFalse, "NotFound", "", now)
	}

	if obs.Archives == nil {
		degrade(conds, workspace.CondArchiveReady, now)
	} else if a, ok := obs.Archives[id]; ok {
		switch a.Reason {
		case agent.ArchiveUploaded:
			conds.Set(workspace.CondArchiveReady, workspace.StatusTrue, a.Reason, a.LatestKey, now)
		case agent.ArchiveUnreachable:
			degrade(conds, workspace.CondArchiveReady, now)
		default:
			conds.Set(workspace.CondArchiveReady, workspace.StatusFalse, a.Reason, a.LatestKey, now)
		}
	} else {
		conds.Set(workspace.CondArchiveReady, workspace.StatusFalse, "NotFound", "", now)
	}
}

// degrade keeps the condition's current status and re-tags it Unreachable.
func degrade(conds workspace.Conditions, key string, now time.Time) {
	status := workspace.StatusFalse
	if prev, ok := conds[key]; ok {
		status = prev.Status
	}
	conds.Set(key, status, string(workspace.ReasonUnreachable), "", now)
}
