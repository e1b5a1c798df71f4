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

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.codehub.dev/codehub/pkg/workspace"
)

// DefaultStreamMaxLen bounds each per-owner event stream. The stream is a
// recent-history buffer for SSE catch-up, not a durable log; the database row
// remains the source of truth.
const DefaultStreamMaxLen = 100

// Event kinds carried on the stream.
const (
	EventUpdate  = "update"
	EventDeleted = "deleted"
)

// StreamKey returns the Redis stream key for one owner's workspace events.
func StreamKey(ownerUserID string) string {
	return "events:" + ownerUserID
}

// StreamEvent is one entry read back from an owner stream.
type StreamEvent struct {
	// ID is the Redis stream entry ID; clients resume with it after a
	// dropped SSE connection.
	ID   string
	Kind string
	// Workspace is set for update events; for deleted events only the
	// WorkspaceID field below is meaningful.
	Workspace   *workspace.Projection
	WorkspaceID string
}

// EventStream appends workspace change events to bounded per-owner Redis
// streams and reads them back for SSE delivery.
type EventStream struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger
}

// NewEventStream creates an event stream writer/reader. maxLen <= 0 selects
// DefaultStreamMaxLen.
func NewEventStream(client *redis.Client, maxLen int64, logger *slog.Logger) *EventStream {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{client: client, maxLen: maxLen, logger: logger}
}

// AppendUpdate publishes the current projection of a workspace to its owner's
// stream, trimming the stream to roughly maxLen entries.
func (s *EventStream) AppendUpdate(ctx context.Context, ownerUserID string, p *workspace.Projection) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode projection: %w", err)
	}
	return s.append(ctx, ownerUserID, map[string]any{
		"kind":      EventUpdate,
		"workspace": string(data),
	})
}

// AppendDeleted publishes a tombstone for a workspace that left the owner's
// visible set.
func (s *EventStream) AppendDeleted(ctx context.Context, ownerUserID, workspaceID string) error {
	return s.append(ctx, ownerUserID, map[string]any{
		"kind":         EventDeleted,
		"workspace_id": workspaceID,
	})
}

func (s *EventStream) append(ctx context.Context, ownerUserID string, values map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(ownerUserID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", StreamKey(ownerUserID), err)
	}
	return nil
}

// Read blocks up to block for new entries after lastID on the owner's stream.
// An empty lastID means "only new entries from now on" ($). A nil slice with a
// nil error means the block timed out with nothing to deliver.
func (s *EventStream) Read(ctx context.Context, ownerUserID, lastID string, block time.Duration) ([]StreamEvent, error) {
	if lastID == "" {
		lastID = "$"
	}
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(ownerUserID), lastID},
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", StreamKey(ownerUserID), err)
	}

	var out []StreamEvent
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev, err := decodeStreamEvent(msg)
			if err != nil {
				// A malformed entry must not wedge the stream.
				s.logger.Warn("dropping malformed stream event",
					"stream", stream.Stream, "entry", msg.ID, "error", err)
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func decodeStreamEvent(msg redis.XMessage) (StreamEvent, error) {
	kind, _ := msg.Values["kind"].(string)
	ev := StreamEvent{ID: msg.ID, Kind: kind}

	switch kind {
	case EventUpdate:
		raw, _ := msg.Values["workspace"].(string)
		var p workspace.Projection
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return StreamEvent{}, fmt.Errorf("bad projection payload: %w", err)
		}
		ev.Workspace = &p
		ev.WorkspaceID = p.ID
	case EventDeleted:
		id, _ := msg.Values["workspace_id"].(string)
		if id == "" {
			return StreamEvent{}, errors.New("deleted event without workspace_id")
		}
		ev.WorkspaceID = id
	default:
		return StreamEvent{}, fmt.Errorf("unknown event kind %q", kind)
	}
	return ev, nil
}
