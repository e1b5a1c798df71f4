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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"go.codehub.dev/codehub/pkg/events"
	"go.codehub.dev/codehub/pkg/store"
	"go.codehub.dev/codehub/pkg/workspace"
	"go.codehub.dev/codehub/utils"
	"go.codehub.dev/codehub/utils/postgres"
)

type cdcStore interface {
	Projection(ctx context.Context, id string) (*workspace.Projection, string, error)
}

type eventSink interface {
	AppendUpdate(ctx context.Context, ownerUserID string, p *workspace.Projection) error
	AppendDeleted(ctx context.Context, ownerUserID, workspaceID string) error
}

type wakePublisher interface {
	Publish(ctx context.Context, channel string) error
}

// dedupSize bounds the projection cache. Evicting a hot entry only costs one
// duplicate SSE event.
const dedupSize = 4096

// CDCListener bridges database notifications into the Redis side: wake-bus
// nudges for the reconciler and projection events for the UI streams. It runs
// leader-elected on a dedicated LISTEN connection.
type CDCListener struct {
	config postgres.PostgresConfig
	store  cdcStore
	sink   eventSink
	bus    wakePublisher
	lock   *postgres.LeaderLock

	// last serialized projection per workspace; identical consecutive
	// payloads are suppressed.
	dedup *lru.Cache[string, string]

	logger *slog.Logger
	inst   *Instruments
}

// NewCDCListener creates the change-data-capture listener.
func NewCDCListener(config postgres.PostgresConfig, st cdcStore, sink eventSink,
	bus wakePublisher, lock *postgres.LeaderLock, inst *Instruments, logger *slog.Logger) (*CDCListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, string](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &CDCListener{
		config: config,
		store:  st,
		sink:   sink,
		bus:    bus,
		lock:   lock,
		dedup:  cache,
		logger: logger,
		inst:   inst,
	}, nil
}

// Run listens until ctx is cancelled, reconnecting with backoff on any
// connection failure and standing by while another instance holds the lock.
func (l *CDCListener) Run(ctx context.Context) {
	defer l.lock.Close(context.Background())

	failures := 0
	for ctx.Err() == nil {
		acquired, err := l.lock.TryAcquire(ctx)
		if err != nil {
			failures++
			l.logger.Warn("cdc leader lock attempt failed", "error", err)
		} else if !acquired {
			failures = 0
			if !sleepOrWake(ctx, acquireRetryInterval, nil) {
				return
			}
			continue
		} else {
			if err := l.listen(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				l.logger.Warn("cdc listener disconnected", "error", err)
			}
		}
		if !sleepOrWake(ctx, utils.CalculateBackoff(failures, maxTickBackoff), nil) {
			return
		}
	}
}

// listen holds one LISTEN connection and routes notifications until it
// breaks.
func (l *CDCListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.config.ConnectionURL())
	if err != nil {
		return fmt.Errorf("failed to open listen connection: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
	}()

	for _, channel := range []string{store.ChannelSSE, store.ChannelWake, store.ChannelDeleted} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("failed to LISTEN %s: %w", channel, err)
		}
	}
	l.logger.Info("cdc listener attached")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.route(ctx, n)
	}
}

// route dispatches one notification. Routing failures are logged and
// swallowed: a missed event degrades the UI, losing the LISTEN connection
// degrades everything.
func (l *CDCListener) route(ctx context.Context, n *pgconn.Notification) {
	l.inst.RecordNotification(ctx, n.Channel)

	var payload store.NotifyPayload
	if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
		l.logger.Warn("malformed notification payload",
			"channel", n.Channel, "payload", n.Payload, "error", err)
		return
	}

	switch n.Channel {
	case store.ChannelWake:
		// The observer wakes too: the controller judges from conditions, so
		// they should be refreshed before it runs.
		for _, channel := range []string{events.ChannelControllerWake, events.ChannelObserverWake} {
			if err := l.bus.Publish(ctx, channel); err != nil {
				l.logger.Warn("failed to publish wake", "channel", channel, "error", err)
			}
		}

	case store.ChannelDeleted:
		l.dedup.Remove(payload.ID)
		if err := l.sink.AppendDeleted(ctx, payload.OwnerUserID, payload.ID); err != nil {
			l.logger.Warn("failed to append tombstone",
				"workspace", payload.ID, "error", err)
		}
		// Deletions eventually free archives; nudge the collector.
		if err := l.bus.Publish(ctx, events.ChannelGCWake); err != nil {
			l.logger.Warn("failed to publish gc wake", "error", err)
		}

	case store.ChannelSSE:
		l.publishProjection(ctx, payload)
	}
}

func (l *CDCListener) publishProjection(ctx context.Context, payload store.NotifyPayload) {
	p, owner, err := l.store.Projection(ctx, payload.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Row already purged; the ws_deleted tombstone covers the UI.
		l.dedup.Remove(payload.ID)
		return
	}
	if err != nil {
		l.logger.Warn("failed to load projection", "workspace", payload.ID, "error", err)
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		l.logger.Warn("failed to encode projection", "workspace", payload.ID, "error", err)
		return
	}
	if prev, ok := l.dedup.Get(payload.ID); ok && prev == string(data) {
		return
	}

	if err := l.sink.AppendUpdate(ctx, owner, p); err != nil {
		l.logger.Warn("failed to append projection event",
			"workspace", payload.ID, "error", err)
		return
	}
	l.dedup.Add(payload.ID, string(data))
}
