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
	"log/slog"
	"time"

	"go.codehub.dev/codehub/utils"
)

// Advisory lock names, one per coordinator. At most one process in the
// cluster runs each loop at a time.
const (
	LockObserver   = "codehub:ob"
	LockController = "codehub:wc"
	LockTTL        = "codehub:ttl"
	LockGC         = "codehub:gc"
	LockCDC        = "codehub:cdc"
	LockMetrics    = "codehub:metrics"
)

const (
	// acquireRetryInterval is how often a standby instance re-attempts the
	// leader lock.
	acquireRetryInterval = 5 * time.Second
	// maxTickBackoff caps the backoff between failing ticks.
	maxTickBackoff = 30 * time.Second
)

// Coordinator is one leader-elected control loop. Tick runs a single pass and
// returns the delay until the next pass; a non-positive delay means "use your
// own judgement", which the driver treats as the acquire retry interval.
type Coordinator interface {
	Name() string
	Tick(ctx context.Context) (time.Duration, error)
}

// leaderLock is the slice of postgres.LeaderLock the driver needs.
type leaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
	Close(ctx context.Context)
}

// wakeSource delivers coalesced wake signals; nil means the loop is purely
// interval-driven.
type wakeSource interface {
	C() <-chan struct{}
}

// runCoordinator drives one coordinator until ctx is cancelled: acquire the
// lock or stand by, tick while leading, back off on failures, and react to
// wake-bus signals between ticks.
func runCoordinator(ctx context.Context, c Coordinator, lock leaderLock, waker wakeSource, inst *Instruments, logger *slog.Logger) {
	defer lock.Close(context.Background())

	failures := 0
	for ctx.Err() == nil {
		acquired, err := lock.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Warn("leader lock attempt failed",
				"coordinator", c.Name(), "error", err)
			if !sleepOrWake(ctx, utils.CalculateBackoff(failures, maxTickBackoff), nil) {
				return
			}
			continue
		}
		if !acquired {
			failures = 0
			if !sleepOrWake(ctx, acquireRetryInterval, nil) {
				return
			}
			continue
		}

		start := time.Now()
		delay, err := c.Tick(ctx)
		inst.RecordTick(ctx, c.Name(), time.Since(start), err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Error("coordinator tick failed",
				"coordinator", c.Name(), "error", err)
			if !sleepOrWake(ctx, utils.CalculateBackoff(failures, maxTickBackoff), waker) {
				return
			}
			continue
		}
		failures = 0

		if delay <= 0 {
			delay = acquireRetryInterval
		}
		if !sleepOrWake(ctx, delay, waker) {
			return
		}
	}
}

// sleepOrWake waits for the duration, an earlier wake, or cancellation. It
// returns false when ctx is done.
func sleepOrWake(ctx context.Context, d time.Duration, waker wakeSource) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if waker != nil {
		wake = waker.C()
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
