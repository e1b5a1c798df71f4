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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.codehub.dev/codehub/pkg/workspace"
)

// ErrNotFound is returned when a workspace row does not exist.
var ErrNotFound = errors.New("workspace not found")

// workspaceColumns is the canonical select list matching scanWorkspace.
const workspaceColumns = `id, owner_user_id, name, image_ref, home_store_key,
    conditions, phase, operation, op_id, op_started_at, desired_state,
    archive_key, observed_at, last_access_at, phase_changed_at,
    error_reason, error_count, created_at, updated_at, deleted_at`

// Store reads and writes workspace rows. All state transitions are guarded
// UPDATEs: the WHERE clause re-checks the precondition so two coordinators can
// never double-apply a transition.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a workspace store on the given pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Create inserts a new workspace row.
func (s *Store) Create(ctx context.Context, ws *workspace.Workspace) error {
	conds, err := encodeConditions(ws.Conditions)
	if err != nil {
		return err
	}
	if ws.Phase == "" {
		ws.Phase = workspace.PhasePending
	}
	if ws.Operation == "" {
		ws.Operation = workspace.OpNone
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO workspaces (id, owner_user_id, name, image_ref, home_store_key,
            conditions, phase, operation, desired_state)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ws.ID, ws.OwnerUserID, ws.Name, ws.ImageRef, ws.HomeStoreKey,
		conds, ws.Phase, ws.Operation, ws.DesiredState)
	if err != nil {
		return fmt.Errorf("failed to insert workspace %s: %w", ws.ID, err)
	}
	return nil
}

// Get fetches one workspace row.
func (s *Store) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ws, err
}

// ListActive returns every row the bulk observer must refresh: everything not
// yet fully deleted.
func (s *Store) ListActive(ctx context.Context) ([]*workspace.Workspace, error) {
	return s.list(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE phase <> 'DELETED'`)
}

// ListReconcilable returns rows that may need controller attention: an
// operation in flight, a desired/phase mismatch, a pending soft delete, or a
// recorded error. This is a coarse prefilter; the planner re-reads each row
// and makes the actual decision.
func (s *Store) ListReconcilable(ctx context.Context) ([]*workspace.Workspace, error) {
	return s.list(ctx, `
        SELECT `+workspaceColumns+` FROM workspaces
        WHERE phase <> 'DELETED'
          AND (operation <> 'NONE'
            OR deleted_at IS NOT NULL
            OR desired_state = 'DELETED'
            OR (desired_state = 'RUNNING'  AND phase <> 'RUNNING')
            OR (desired_state = 'STANDBY'  AND phase <> 'STANDBY')
            OR (desired_state = 'ARCHIVED' AND phase <> 'ARCHIVED')
            OR error_reason <> '')
        ORDER BY updated_at`)
}

// ConditionUpdate carries one row's refreshed condition set from the bulk
// observer.
type ConditionUpdate struct {
	ID         string
	Conditions workspace.Conditions
	ObservedAt time.Time
}

// UpdateConditions persists a batch of observer refreshes in one round trip.
// Transition-time bookkeeping already happened in Conditions.Set; the write is
// a plain overwrite of the jsonb column.
func (s *Store) UpdateConditions(ctx context.Context, updates []ConditionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		conds, err := encodeConditions(u.Conditions)
		if err != nil {
			return err
		}
		batch.Queue(`
            UPDATE workspaces
            SET conditions = $2, observed_at = $3, updated_at = now()
            WHERE id = $1`,
			u.ID, conds, u.ObservedAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to persist condition batch: %w", err)
		}
	}
	return nil
}

// SetPhase records a judged phase. The write only lands while no operation is
// in flight and the phase actually differs, so an executing operation's view
// of the row is never yanked out from under it. A recorded terminal reason or
// RetryExceeded blocks the write too: parked rows keep their phase and reason
// until the user re-asserts desired_state.
func (s *Store) SetPhase(ctx context.Context, id string, phase workspace.Phase, reason workspace.ErrorReason) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE workspaces
        SET phase = $2, error_reason = $3,
            phase_changed_at = now(), updated_at = now()
        WHERE id = $1 AND operation = 'NONE' AND phase IS DISTINCT FROM $2
          AND error_reason NOT IN ('Timeout', 'DataLost', 'ImagePullFailed',
              'ContainerWithoutVolume', 'ArchiveCorrupted', 'RetryExceeded')`,
		id, phase, string(reason))
	if err != nil {
		return false, fmt.Errorf("failed to set phase for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimOperation atomically claims the single operation slot of a workspace.
// The claim fails (returns false) when another operation is already in
// flight.
func (s *Store) ClaimOperation(ctx context.Context, id string, op workspace.Operation, opID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE workspaces
        SET operation = $2, op_id = $3, op_started_at = now(), updated_at = now()
        WHERE id = $1 AND operation = 'NONE'`,
		id, op, opID)
	if err != nil {
		return false, fmt.Errorf("failed to claim operation for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteOperation finishes the operation identified by opID: the slot is
// freed, the phase advances, error state is cleared, and archiveKey (when
// non-nil) records the produced archive.
func (s *Store) CompleteOperation(ctx context.Context, id, opID string, phase workspace.Phase, archiveKey *string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE workspaces
        SET operation = 'NONE', op_id = '', op_started_at = NULL,
            phase = $3, phase_changed_at = now(),
            archive_key = COALESCE($4, archive_key),
            error_reason = '', error_count = 0,
            updated_at = now()
        WHERE id = $1 AND op_id = $2`,
		id, opID, phase, archiveKey)
	if err != nil {
		return fmt.Errorf("failed to complete operation %s on %s: %w", opID, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s on %s is no longer current", opID, id)
	}
	return nil
}

// FailOperation records a failed operation attempt. Terminal failures free
// the slot and park the row in ERROR; transient ones keep the operation, the
// op_id and the deadline clock alive so the next tick retries with the same
// idempotency token. The incremented error count is returned so the caller
// can escalate to RetryExceeded.
func (s *Store) FailOperation(ctx context.Context, id, opID string, reason workspace.ErrorReason, terminal bool) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
        UPDATE workspaces
        SET error_reason = $3, error_count = error_count + 1,
            operation = CASE WHEN $4 THEN 'NONE' ELSE operation END,
            op_id = CASE WHEN $4 THEN '' ELSE op_id END,
            op_started_at = CASE WHEN $4 THEN NULL ELSE op_started_at END,
            phase = CASE WHEN $4 THEN 'ERROR' ELSE phase END,
            phase_changed_at = CASE WHEN $4 THEN now() ELSE phase_changed_at END,
            updated_at = now()
        WHERE id = $1 AND op_id = $2
        RETURNING error_count`,
		id, opID, string(reason), terminal).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("operation %s on %s is no longer current", opID, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fail operation %s on %s: %w", opID, id, err)
	}
	return count, nil
}

// MarkRetryExceeded parks a row whose failures ran out of automatic retries.
// The still-claimed operation is released; the user gets the row back by
// re-asserting desired_state.
func (s *Store) MarkRetryExceeded(ctx context.Context, id, opID string) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE workspaces
        SET operation = 'NONE', op_id = '', op_started_at = NULL,
            error_reason = $3, phase = 'ERROR',
            phase_changed_at = now(), updated_at = now()
        WHERE id = $1 AND op_id = $2`,
		id, opID, string(workspace.ReasonRetryExceeded))
	if err != nil {
		return fmt.Errorf("failed to mark retry exceeded for %s: %w", id, err)
	}
	return nil
}

// SetDesiredState records a new user intent. Error state is cleared: changing
// the target is the documented way out of a parked row.
func (s *Store) SetDesiredState(ctx context.Context, id string, desired workspace.DesiredState) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE workspaces
        SET desired_state = $2, error_reason = '', error_count = 0, updated_at = now()
        WHERE id = $1 AND deleted_at IS NULL`,
		id, desired)
	if err != nil {
		return fmt.Errorf("failed to set desired state for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAccess records proxy activity on the row itself, backing up the Redis
// activity set.
func (s *Store) TouchAccess(ctx context.Context, id string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE workspaces
        SET last_access_at = GREATEST(COALESCE(last_access_at, 'epoch'::timestamptz), $2)
        WHERE id = $1`,
		id, ts)
	if err != nil {
		return fmt.Errorf("failed to touch access for %s: %w", id, err)
	}
	return nil
}

// MarkDeleted soft-deletes a workspace. The row stays until the reconciler
// tears the infrastructure down and the collector purges it.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE workspaces SET deleted_at = now(), updated_at = now()
        WHERE id = $1 AND deleted_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("failed to mark %s deleted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RunningWorkspaces returns idle-eligible RUNNING rows for the TTL scheduler.
func (s *Store) RunningWorkspaces(ctx context.Context) ([]*workspace.Workspace, error) {
	return s.list(ctx, `
        SELECT `+workspaceColumns+` FROM workspaces
        WHERE phase = 'RUNNING' AND operation = 'NONE'
          AND desired_state = 'RUNNING' AND deleted_at IS NULL`)
}

// StandbyExpired returns STANDBY rows that have dwelt past cutoff and should
// be demoted to ARCHIVED.
func (s *Store) StandbyExpired(ctx context.Context, cutoff time.Time) ([]*workspace.Workspace, error) {
	return s.list(ctx, `
        SELECT `+workspaceColumns+` FROM workspaces
        WHERE phase = 'STANDBY' AND operation = 'NONE'
          AND desired_state = 'STANDBY' AND deleted_at IS NULL
          AND phase_changed_at IS NOT NULL AND phase_changed_at < $1`,
		cutoff)
}

// LiveArchiveKeys returns the archive keys still referenced by any
// not-fully-deleted row. Everything else under the cluster prefix is garbage.
func (s *Store) LiveArchiveKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT archive_key FROM workspaces
        WHERE archive_key <> '' AND phase <> 'DELETED'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list live archive keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan archive key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Purge physically removes rows that finished deletion. Only the collector
// calls this.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM workspaces WHERE phase = 'DELETED' AND deleted_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted workspaces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Projection fetches the minimal UI view of one workspace plus its owner, for
// the change-data-capture fanout.
func (s *Store) Projection(ctx context.Context, id string) (*workspace.Projection, string, error) {
	var (
		p     workspace.Projection
		owner string
	)
	err := s.pool.QueryRow(ctx, `
        SELECT id, owner_user_id, name, phase, operation, error_reason, archive_key, updated_at
        FROM workspaces WHERE id = $1`,
		id).Scan(&p.ID, &owner, &p.Name, &p.Phase, &p.Operation, &p.ErrorReason, &p.ArchiveKey, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch projection for %s: %w", id, err)
	}
	return &p, owner, nil
}

// PhaseCounts returns row counts grouped by phase, for the metrics collector.
func (s *Store) PhaseCounts(ctx context.Context) (map[workspace.Phase]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT phase, count(*) FROM workspaces GROUP BY phase`)
	if err != nil {
		return nil, fmt.Errorf("failed to count phases: %w", err)
	}
	defer rows.Close()

	out := make(map[workspace.Phase]int64)
	for rows.Next() {
		var (
			phase string
			n     int64
		)
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("failed to scan phase count: %w", err)
		}
		out[workspace.Phase(phase)] = n
	}
	return out, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*workspace.Workspace, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func scanWorkspace(row pgx.Row) (*workspace.Workspace, error) {
	var (
		ws          workspace.Workspace
		conds       []byte
		errorReason string
	)
	err := row.Scan(
		&ws.ID, &ws.OwnerUserID, &ws.Name, &ws.ImageRef, &ws.HomeStoreKey,
		&conds, &ws.Phase, &ws.Operation, &ws.OpID, &ws.OpStartedAt,
		&ws.DesiredState, &ws.ArchiveKey, &ws.ObservedAt, &ws.LastAccessAt,
		&ws.PhaseChangedAt, &errorReason, &ws.ErrorCount,
		&ws.CreatedAt, &ws.UpdatedAt, &ws.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan workspace row: %w", err)
	}
	ws.ErrorReason = workspace.ErrorReason(errorReason)
	ws.Conditions = make(workspace.Conditions)
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &ws.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions for %s: %w", ws.ID, err)
		}
	}
	return &ws, nil
}

func encodeConditions(c workspace.Conditions) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	return data, nil
}
