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

// Package events holds the Redis-backed event plumbing of the control plane:
// the coordinator wake bus (pub/sub), the per-owner UI event streams, and the
// workspace activity store.
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Wake bus channel names. Messages are opaque tokens; receivers only treat
// the presence of a message as a wake.
const (
	ChannelObserverWake   = "ob:wake"
	ChannelControllerWake = "wc:wake"
	ChannelGCWake         = "gc:wake"
)

// WakeBus is a broadcast pub/sub used to nudge coordinators out of their idle
// sleep. Delivery is at-least-once and non-durable: a lost wake only delays
// work to the next idle tick, so nothing may depend on every wake arriving.
type WakeBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewWakeBus creates a wake bus on the given Redis client.
func NewWakeBus(client *redis.Client, logger *slog.Logger) *WakeBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeBus{client: client, logger: logger}
}

// Publish fans a wake token out to all subscribers of the channel.
func (b *WakeBus) Publish(ctx context.Context, channel string) error {
	return b.client.Publish(ctx, channel, uuid.NewString()).Err()
}

// Waker is one coordinator's subscription to a wake channel. Wakes are
// coalesced: any number of bus messages between reads collapse into a single
// pending wake on C.
type Waker struct {
	pubsub *redis.PubSub
	ch     chan struct{}
}

// Subscribe starts listening on the channel. The returned Waker must be
// closed when the coordinator stops.
func (b *WakeBus) Subscribe(ctx context.Context, channel string) *Waker {
	pubsub := b.client.Subscribe(ctx, channel)
	w := &Waker{
		pubsub: pubsub,
		ch:     make(chan struct{}, 1),
	}

	go func() {
		// Channel() reconnects internally; the goroutine ends when the
		// Waker (or the client) is closed.
		for range pubsub.Channel() {
			select {
			case w.ch <- struct{}{}:
			default: // a wake is already pending, coalesce
			}
		}
	}()

	return w
}

// C returns the wake channel. It carries at most one pending wake.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}

// Close tears the subscription down.
func (w *Waker) Close() error {
	return w.pubsub.Close()
}
