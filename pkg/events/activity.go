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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// activityKey is the sorted set mapping workspace ID to its last-access unix
// timestamp. Scores only move forward (ZADD GT), so late flushes from a slow
// replica can never rewind a workspace's activity.
const activityKey = "workspace:activity"

// ActivityStore records and reads workspace last-access timestamps in Redis.
type ActivityStore struct {
	client *redis.Client
}

// NewActivityStore creates an activity store on the given Redis client.
func NewActivityStore(client *redis.Client) *ActivityStore {
	return &ActivityStore{client: client}
}

// Touch records an access at ts for the workspace. Older timestamps than the
// stored score are ignored.
func (s *ActivityStore) Touch(ctx context.Context, workspaceID string, ts time.Time) error {
	err := s.client.ZAddGT(ctx, activityKey, redis.Z{
		Score:  float64(ts.Unix()),
		Member: workspaceID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record activity for %s: %w", workspaceID, err)
	}
	return nil
}

// TouchBatch records a batch of accesses in one pipeline round trip.
func (s *ActivityStore) TouchBatch(ctx context.Context, batch map[string]time.Time) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for id, ts := range batch {
		pipe.ZAddGT(ctx, activityKey, redis.Z{
			Score:  float64(ts.Unix()),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush activity batch: %w", err)
	}
	return nil
}

// LastAccess returns the recorded last-access time for the workspace, or
// ok=false when no activity has ever been recorded.
func (s *ActivityStore) LastAccess(ctx context.Context, workspaceID string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, activityKey, workspaceID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read activity for %s: %w", workspaceID, err)
	}
	return time.Unix(int64(score), 0), true, nil
}

// Forget drops the activity entry for a deleted workspace.
func (s *ActivityStore) Forget(ctx context.Context, workspaceID string) error {
	if err := s.client.ZRem(ctx, activityKey, workspaceID).Err(); err != nil {
		return fmt.Errorf("failed to forget activity for %s: %w", workspaceID, err)
	}
	return nil
}

// ActivityBuffer coalesces high-frequency access touches in process and
// flushes them to the ActivityStore periodically, so proxy traffic never
// turns into one Redis write per request.
type ActivityBuffer struct {
	store    *ActivityStore
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewActivityBuffer creates a buffer flushing every interval.
func NewActivityBuffer(store *ActivityStore, interval time.Duration, logger *slog.Logger) *ActivityBuffer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityBuffer{
		store:    store,
		interval: interval,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}
}

// Touch records an access now. It never blocks on Redis.
func (b *ActivityBuffer) Touch(workspaceID string) {
	now := time.Now()
	b.mu.Lock()
	if prev, ok := b.pending[workspaceID]; !ok || now.After(prev) {
		b.pending[workspaceID] = now
	}
	b.mu.Unlock()
}

// Flush writes the buffered touches out. On failure the batch is merged back
// so the timestamps survive to the next flush.
func (b *ActivityBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]time.Time)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := b.store.TouchBatch(ctx, batch); err != nil {
		b.mu.Lock()
		for id, ts := range batch {
			if prev, ok := b.pending[id]; !ok || ts.After(prev) {
				b.pending[id] = ts
			}
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on the configured interval until ctx is cancelled, with one
// final flush on the way out.
func (b *ActivityBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				b.logger.Warn("final activity flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn("activity flush failed", "error", err)
			}
		}
	}
}
