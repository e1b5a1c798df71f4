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

// Package store persists workspaces in PostgreSQL. The workspaces table is the
// single source of truth for the control plane; change-data-capture rides on
// LISTEN/NOTIFY triggers installed next to the schema.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification channels emitted by the workspaces trigger.
const (
	ChannelSSE     = "ws_sse"     // projection-relevant column changed
	ChannelWake    = "ws_wake"    // desired_state changed or row soft-deleted
	ChannelDeleted = "ws_deleted" // row left the owner's visible set
)

// NotifyPayload is the JSON body of every workspace notification.
type NotifyPayload struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS workspaces (
    id               TEXT PRIMARY KEY,
    owner_user_id    TEXT NOT NULL,
    name             TEXT NOT NULL,
    image_ref        TEXT NOT NULL,
    home_store_key   TEXT NOT NULL DEFAULT '',
    conditions       JSONB NOT NULL DEFAULT '{}'::jsonb,
    phase            TEXT NOT NULL DEFAULT 'PENDING',
    operation        TEXT NOT NULL DEFAULT 'NONE',
    op_id            TEXT NOT NULL DEFAULT '',
    op_started_at    TIMESTAMPTZ,
    desired_state    TEXT NOT NULL DEFAULT 'RUNNING',
    archive_key      TEXT NOT NULL DEFAULT '',
    observed_at      TIMESTAMPTZ,
    last_access_at   TIMESTAMPTZ,
    phase_changed_at TIMESTAMPTZ,
    error_reason     TEXT NOT NULL DEFAULT '',
    error_count      INT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS workspaces_owner_idx ON workspaces (owner_user_id);
CREATE INDEX IF NOT EXISTS workspaces_phase_idx ON workspaces (phase) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS workspaces_operation_idx ON workspaces (operation) WHERE operation <> 'NONE';
`

// The trigger compares OLD and NEW column by column so a no-op UPDATE (same
// values written back) never produces a notification storm.
const notifyDDL = `
CREATE OR REPLACE FUNCTION workspaces_notify() RETURNS trigger AS $$
DECLARE
    payload text;
BEGIN
    payload := json_build_object('id', NEW.id, 'owner_user_id', NEW.owner_user_id)::text;

    IF TG_OP = 'INSERT' THEN
        PERFORM pg_notify('ws_sse', payload);
        PERFORM pg_notify('ws_wake', payload);
        RETURN NEW;
    END IF;

    IF NEW.phase IS DISTINCT FROM OLD.phase
        OR NEW.operation IS DISTINCT FROM OLD.operation
        OR NEW.error_reason IS DISTINCT FROM OLD.error_reason
        OR NEW.archive_key IS DISTINCT FROM OLD.archive_key
        OR NEW.name IS DISTINCT FROM OLD.name THEN
        PERFORM pg_notify('ws_sse', payload);
    END IF;

    IF NEW.desired_state IS DISTINCT FROM OLD.desired_state
        OR (NEW.deleted_at IS NOT NULL AND OLD.deleted_at IS NULL) THEN
        PERFORM pg_notify('ws_wake', payload);
    END IF;

    IF NEW.deleted_at IS NOT NULL AND OLD.deleted_at IS NULL THEN
        PERFORM pg_notify('ws_deleted', payload);
    END IF;

    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS workspaces_notify ON workspaces;
CREATE TRIGGER workspaces_notify
    AFTER INSERT OR UPDATE ON workspaces
    FOR EACH ROW EXECUTE FUNCTION workspaces_notify();
`

// Migrate creates the workspaces table and its notification triggers. It is
// idempotent and safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create workspaces schema: %w", err)
	}
	if _, err := pool.Exec(ctx, notifyDDL); err != nil {
		return fmt.Errorf("failed to install notify triggers: %w", err)
	}
	return nil
}
