/*
SPDX-FileCopyrightText: Copyright (c) 2026 The CodeHub Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// LeaderLock is a named PostgreSQL session-level advisory lock held on a
// dedicated connection. Only one session in the cluster can hold a given
// lock name at a time; the lock is released automatically if the session dies.
//
// TryAcquire is re-entrant: it returns true without a server round trip when
// this instance already holds the lock on a live connection.
type LeaderLock struct {
	name   string
	key    int64
	config PostgresConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *pgx.Conn
	held bool
}

// NewLeaderLock creates a leader lock for the given name. No connection is
// opened until the first TryAcquire call.
func NewLeaderLock(config PostgresConfig, name string, logger *slog.Logger) *LeaderLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderLock{
		name:   name,
		key:    lockKey(name),
		config: config,
		logger: logger,
	}
}

// lockKey maps a lock name onto the 64-bit advisory lock keyspace.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Name returns the lock name.
func (l *LeaderLock) Name() string {
	return l.name
}

// TryAcquire makes a non-blocking attempt to take the lock. It returns true
// if the lock is now held by this instance (including when it was already
// held). A broken connection drops the held state and is re-dialed.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureConn(ctx); err != nil {
		return false, err
	}

	if l.held {
		return true, nil
	}

	var acquired bool
	err := l.conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock($1)", l.key,
	).Scan(&acquired)
	if err != nil {
		l.dropConn(ctx)
		return false, fmt.Errorf("failed to acquire advisory lock %s: %w", l.name, err)
	}

	if acquired {
		l.held = true
		l.logger.Info("acquired leader lock", slog.String("lock", l.name))
	}
	return acquired, nil
}

// Release unconditionally releases the lock. Safe to call when not held.
func (l *LeaderLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		l.held = false
		return
	}
	if l.held {
		if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
			// The session-level lock dies with the session anyway.
			l.logger.Warn("failed to release advisory lock, dropping connection",
				slog.String("lock", l.name),
				slog.String("error", err.Error()))
			l.dropConn(ctx)
		}
		l.held = false
		l.logger.Info("released leader lock", slog.String("lock", l.name))
	}
}

// VerifyHolding queries pg_locks to confirm this session still owns the lock.
// Callers must invoke this immediately before any state-mutating operation to
// defend against split brain after a network partition.
func (l *LeaderLock) VerifyHolding(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || !l.held {
		return false, nil
	}

	classid := int64(uint32(uint64(l.key) >> 32))
	objid := int64(uint32(uint64(l.key)))

	var holding bool
	err := l.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND classid::bigint = $1
			  AND objid::bigint = $2
			  AND pid = pg_backend_pid()
			  AND granted
		)`, classid, objid,
	).Scan(&holding)
	if err != nil {
		l.dropConn(ctx)
		return false, fmt.Errorf("failed to verify advisory lock %s: %w", l.name, err)
	}

	if !holding {
		l.held = false
	}
	return holding, nil
}

// Close releases the lock and closes the underlying connection.
func (l *LeaderLock) Close(ctx context.Context) {
	l.Release(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropConn(ctx)
}

// ensureConn dials the dedicated lock connection if needed. Must be called
// with l.mu held.
func (l *LeaderLock) ensureConn(ctx context.Context) error {
	if l.conn != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := l.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		l.dropConn(ctx)
	}

	conn, err := pgx.Connect(ctx, l.config.ConnectionURL())
	if err != nil {
		return fmt.Errorf("failed to open lock connection for %s: %w", l.name, err)
	}
	l.conn = conn
	return nil
}

// dropConn closes and forgets the connection. Must be called with l.mu held.
func (l *LeaderLock) dropConn(ctx context.Context) {
	if l.conn != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = l.conn.Close(closeCtx)
		cancel()
		l.conn = nil
	}
	l.held = false
}
