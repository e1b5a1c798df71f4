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

	"go.codehub.dev/codehub/pkg/workspace"
)

type ttlStore interface {
	RunningWorkspaces(ctx context.Context) ([]*workspace.Workspace, error)
	StandbyExpired(ctx context.Context, cutoff time.Time) ([]*workspace.Workspace, error)
	SetDesiredState(ctx context.Context, id string, desired workspace.DesiredState) error
}

type activitySource interface {
	LastAccess(ctx context.Context, workspaceID string) (time.Time, bool, error)
}

// TTLScheduler demotes idle workspaces: RUNNING rows go to STANDBY after a
// stretch without proxy traffic, STANDBY rows go to ARCHIVED after dwelling
// long enough. It only rewrites desired_state; the reconciler does the rest.
type TTLScheduler struct {
	store    ttlStore
	activity activitySource

	standbyAfter time.Duration
	archiveAfter time.Duration
	interval     time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewTTLScheduler creates the TTL scheduler.
func NewTTLScheduler(st ttlStore, activity activitySource,
	standbyAfter, archiveAfter, interval time.Duration, logger *slog.Logger) *TTLScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTLScheduler{
		store:        st,
		activity:     activity,
		standbyAfter: standbyAfter,
		archiveAfter: archiveAfter,
		interval:     interval,
		logger:       logger,
		now:          time.Now,
	}
}

// Name implements Coordinator.
func (t *TTLScheduler) Name() string { return "ttl" }

// Tick runs one demotion sweep.
func (t *TTLScheduler) Tick(ctx context.Context) (time.Duration, error) {
	now := t.now()

	running, err := t.store.RunningWorkspaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running workspaces: %w", err)
	}
	for _, ws := range running {
		last, err := t.lastActivity(ctx, ws)
		if err != nil {
			t.logger.Warn("activity lookup failed", "workspace", ws.ID, "error", err)
			continue
		}
		if now.Sub(last) <= t.standbyAfter {
			continue
		}
		if err := t.store.SetDesiredState(ctx, ws.ID, workspace.DesiredStandby); err != nil {
			t.logger.Warn("failed to demote idle workspace", "workspace", ws.ID, "error", err)
			continue
		}
		t.logger.Info("idle workspace demoted to standby",
			"workspace", ws.ID, "idle", now.Sub(last).Round(time.Second))
	}

	expired, err := t.store.StandbyExpired(ctx, now.Add(-t.archiveAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired standby workspaces: %w", err)
	}
	for _, ws := range expired {
		if err := t.store.SetDesiredState(ctx, ws.ID, workspace.DesiredArchived); err != nil {
			t.logger.Warn("failed to demote standby workspace", "workspace", ws.ID, "error", err)
			continue
		}
		t.logger.Info("standby workspace demoted to archived", "workspace", ws.ID)
	}

	return t.interval, nil
}

// lastActivity picks the freshest signal available: the Redis activity set,
// then the row's own last_access_at, then phase entry time. A row with no
// signal at all counts from its creation.
func (t *TTLScheduler) lastActivity(ctx context.Context, ws *workspace.Workspace) (time.Time, error) {
	last, ok, err := t.activity.LastAccess(ctx, ws.ID)
	if err != nil {
		return time.Time{}, err
	}
	candidates := []*time.Time{ws.LastAccessAt, ws.PhaseChangedAt}
	best := ws.CreatedAt
	if ok {
		best = last
	}
	for _, c := range candidates {
		if c != nil && c.After(best) {
			best = *c
		}
	}
	return best, nil
}
