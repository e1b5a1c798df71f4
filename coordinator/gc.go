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
	"go.codehub.dev/codehub/pkg/workspace"
)

type gcStore interface {
	LiveArchiveKeys(ctx context.Context) ([]string, error)
	Purge(ctx context.Context) (int64, error)
}

type gcAgent interface {
	RunGC(ctx context.Context, protected []agent.ProtectedArchive) (*agent.GCResult, error)
}

// ArchiveGC sweeps the object store: every archive under the cluster prefix
// that no live row references is deleted by the agent. It also purges
// database rows that finished deletion.
type ArchiveGC struct {
	store     gcStore
	agent     gcAgent
	clusterID string
	interval  time.Duration
	logger    *slog.Logger
	inst      *Instruments
}

// NewArchiveGC creates the archive garbage collector.
func NewArchiveGC(st gcStore, ag gcAgent, clusterID string, interval time.Duration,
	inst *Instruments, logger *slog.Logger) *ArchiveGC {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveGC{
		store:     st,
		agent:     ag,
		clusterID: clusterID,
		interval:  interval,
		logger:    logger,
		inst:      inst,
	}
}

// Name implements Coordinator.
func (g *ArchiveGC) Name() string { return "gc" }

// Tick runs one sweep: build the protected set from live rows, hand it to the
// agent, then purge fully deleted rows.
func (g *ArchiveGC) Tick(ctx context.Context) (time.Duration, error) {
	keys, err := g.store.LiveArchiveKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to build protected set: %w", err)
	}

	protected := make([]agent.ProtectedArchive, 0, len(keys))
	for _, key := range keys {
		cluster, wsID, opID, ok := workspace.ParseArchiveKey(key)
		if !ok {
			// A malformed key must never widen the deletion set; protect
			// nothing for it but say so loudly.
			g.logger.Error("malformed archive key in database", "key", key)
			continue
		}
		if cluster != g.clusterID {
			continue
		}
		protected = append(protected, agent.ProtectedArchive{WorkspaceID: wsID, OpID: opID})
	}

	res, err := g.agent.RunGC(ctx, protected)
	if err != nil {
		return 0, fmt.Errorf("archive sweep failed: %w", err)
	}
	if res.DeletedCount > 0 {
		g.logger.Info("swept stale archives",
			"deleted", res.DeletedCount, "protected", len(protected))
		for _, key := range res.DeletedKeys {
			g.logger.Info("archive deleted", "key", key)
		}
	}
	g.inst.RecordArchivesSwept(ctx, int64(res.DeletedCount))

	purged, err := g.store.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted rows: %w", err)
	}
	if purged > 0 {
		g.logger.Info("purged deleted workspace rows", "rows", purged)
	}

	return g.interval, nil
}
