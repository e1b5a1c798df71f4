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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"go.codehub.dev/codehub/pkg/agent"
	"go.codehub.dev/codehub/pkg/workspace"
)

type controllerStore interface {
	ListReconcilable(ctx context.Context) ([]*workspace.Workspace, error)
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
	SetPhase(ctx context.Context, id string, phase workspace.Phase, reason workspace.ErrorReason) (bool, error)
	ClaimOperation(ctx context.Context, id string, op workspace.Operation, opID string) (bool, error)
	CompleteOperation(ctx context.Context, id, opID string, phase workspace.Phase, archiveKey *string) error
	FailOperation(ctx context.Context, id, opID string, reason workspace.ErrorReason, terminal bool) (int, error)
	MarkRetryExceeded(ctx context.Context, id, opID string) error
}

type controllerAgent interface {
	StartContainer(ctx context.Context, workspaceID, opID, imageRef string) (*agent.OpResult, error)
	StopContainer(ctx context.Context, workspaceID, opID string) (*agent.OpResult, error)
	DeleteContainer(ctx context.Context, workspaceID, opID string) (*agent.OpResult, error)
	CreateVolume(ctx context.Context, workspaceID, opID string) (*agent.OpResult, error)
	DeleteVolume(ctx context.Context, workspaceID, opID string) (*agent.OpResult, error)
	RunArchive(ctx context.Context, workspaceID, opID string) (*agent.ArchiveResult, error)
	RunRestore(ctx context.Context, workspaceID, opID, archiveKey string) (*agent.RestoreResult, error)
}

type leadershipVerifier interface {
	VerifyHolding(ctx context.Context) (bool, error)
}

// errLeadershipLost aborts a reconcile pass when the advisory lock is gone.
var errLeadershipLost = errors.New("leadership lost")

// Controller is the workspace reconciler. Per row it re-reads, judges the
// phase from conditions, plans the next operation, and drives the runtime
// agent. Every mutation is preceded by a leadership check and guarded by the
// row's single operation slot.
type Controller struct {
	store     controllerStore
	agent     controllerAgent
	lock      leadershipVerifier
	plan      workspace.PlanConfig
	clusterID string

	activeInterval time.Duration
	idleInterval   time.Duration

	logger  *slog.Logger
	inst    *Instruments
	now     func() time.Time
	newOpID func() string
}

// NewController creates the workspace controller.
func NewController(st controllerStore, ag controllerAgent, lock leadershipVerifier,
	plan workspace.PlanConfig, clusterID string,
	activeInterval, idleInterval time.Duration,
	inst *Instruments, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:          st,
		agent:          ag,
		lock:           lock,
		plan:           plan,
		clusterID:      clusterID,
		activeInterval: activeInterval,
		idleInterval:   idleInterval,
		logger:         logger,
		inst:           inst,
		now:            time.Now,
		newOpID:        uuid.NewString,
	}
}

// Name implements Coordinator.
func (c *Controller) Name() string { return "controller" }

// Tick reconciles every row the prefilter flagged. The returned interval is
// short while anything is in flight and long when the cluster is converged.
func (c *Controller) Tick(ctx context.Context) (time.Duration, error) {
	rows, err := c.store.ListReconcilable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list reconcilable workspaces: %w", err)
	}

	busy := false
	for _, row := range rows {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		inFlight, err := c.reconcile(ctx, row.ID)
		if errors.Is(err, errLeadershipLost) {
			return 0, err
		}
		if err != nil {
			// One bad row must not starve the rest of the fleet.
			c.logger.Error("reconcile failed", "workspace", row.ID, "error", err)
			busy = true
			continue
		}
		busy = busy || inFlight
	}

	if busy {
		return c.activeInterval, nil
	}
	return c.idleInterval, nil
}

// reconcile drives one workspace one step. It reports whether the row still
// has work in flight.
func (c *Controller) reconcile(ctx context.Context, id string) (bool, error) {
	// Always act on a fresh read; the prefilter row may be seconds old.
	ws, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	// The judged phase is persisted only when the conditions are fresher than
	// the last phase write; a just-completed operation must not be rolled back
	// by observations predating it. Parked rows (terminal reason or an
	// exhausted retry budget) keep their recorded phase and reason until the
	// user re-asserts desired_state.
	verdict := workspace.Judge(ws.Conditions, ws.DeletedAt)
	parked := ws.ErrorReason.Terminal() || ws.ErrorReason == workspace.ReasonRetryExceeded
	if ws.Operation == workspace.OpNone && !parked &&
		observedSincePhaseChange(ws) && verdict.Phase != ws.Phase {
		changed, err := c.store.SetPhase(ctx, id, verdict.Phase, verdict.Reason)
		if err != nil {
			return false, err
		}
		if changed {
			c.logger.Info("phase changed", "workspace", id,
				"from", ws.Phase, "to", verdict.Phase, "reason", verdict.Reason)
			ws.Phase = verdict.Phase
			ws.ErrorReason = verdict.Reason
		}
	}

	decision := workspace.Plan(ws, c.now(), c.plan)
	switch decision.Kind {
	case workspace.DecisionNone:
		return false, nil

	case workspace.DecisionTimeout:
		c.logger.Warn("operation timed out", "workspace", id,
			"operation", ws.Operation, "op_id", ws.OpID)
		c.inst.RecordOperation(ctx, ws.Operation, "timeout")
		if _, err := c.store.FailOperation(ctx, id, ws.OpID, workspace.ReasonTimeout, true); err != nil {
			return false, err
		}
		return false, nil

	case workspace.DecisionContinue:
		// Resume with the stored op_id; the agent is idempotent on it.
		return c.execute(ctx, ws, ws.Operation, ws.OpID)

	case workspace.DecisionStart:
		opID := c.newOpID()
		if err := c.verifyLeadership(ctx); err != nil {
			return false, err
		}
		claimed, err := c.store.ClaimOperation(ctx, id, decision.Op, opID)
		if err != nil {
			return false, err
		}
		if !claimed {
			// Lost the slot race; the next tick sees the winner's op.
			return true, nil
		}
		c.logger.Info("operation started", "workspace", id,
			"operation", decision.Op, "op_id", opID)
		ws.Operation = decision.Op
		ws.OpID = opID
		return c.execute(ctx, ws, decision.Op, opID)
	}
	return false, nil
}

// execute invokes the runtime agent for one operation attempt and persists
// the outcome. Steps already done on a previous attempt come back as
// already_* statuses and fall through.
func (c *Controller) execute(ctx context.Context, ws *workspace.Workspace, op workspace.Operation, opID string) (bool, error) {
	if err := c.verifyLeadership(ctx); err != nil {
		return false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.plan.Timeout(op))
	defer cancel()

	phase, archiveKey, opErr := c.invoke(opCtx, ws, op, opID)

	if opErr != nil {
		if opCtx.Err() != nil && ctx.Err() == nil {
			// Deadline ran out mid-call. Leave the slot claimed; the planner
			// turns it into a Timeout once op_started_at ages past budget.
			c.logger.Warn("operation attempt hit its deadline",
				"workspace", ws.ID, "operation", op, "op_id", opID)
			return true, nil
		}
		reason, terminal := classify(opErr)
		c.logger.Warn("operation failed", "workspace", ws.ID,
			"operation", op, "op_id", opID, "reason", reason, "error", opErr)
		c.inst.RecordOperation(ctx, op, "failed")
		count, err := c.store.FailOperation(ctx, ws.ID, opID, reason, terminal)
		if err != nil {
			return false, err
		}
		if terminal {
			return false, nil
		}
		if !retryable(opErr) || count >= c.plan.MaxRetries {
			if err := c.store.MarkRetryExceeded(ctx, ws.ID, opID); err != nil {
				return false, err
			}
			c.logger.Error("no more automatic retries", "workspace", ws.ID,
				"operation", op, "failures", count)
			return false, nil
		}
		// The claim stays live; the next tick re-invokes with the same op_id.
		return true, nil
	}

	if phase == "" {
		// A step is still running agent-side; keep the claim and poll again.
		return true, nil
	}

	if err := c.store.CompleteOperation(ctx, ws.ID, opID, phase, archiveKey); err != nil {
		return false, err
	}
	c.logger.Info("operation completed", "workspace", ws.ID,
		"operation", op, "op_id", opID, "phase", phase)
	c.inst.RecordOperation(ctx, op, "completed")
	return false, nil
}

// invoke runs the agent calls for op. It returns the success phase, the
// produced archive key if any, or an empty phase when the operation is still
// in progress agent-side.
func (c *Controller) invoke(ctx context.Context, ws *workspace.Workspace, op workspace.Operation, opID string) (workspace.Phase, *string, error) {
	switch op {
	case workspace.OpProvisioning:
		res, err := c.agent.CreateVolume(ctx, ws.ID, opID)
		if err != nil {
			return "", nil, err
		}
		if !res.Status.Done() {
			return "", nil, nil
		}
		return workspace.PhaseStandby, nil, nil

	case workspace.OpRestoring:
		if _, err := c.agent.CreateVolume(ctx, ws.ID, opID); err != nil {
			return "", nil, err
		}
		res, err := c.agent.RunRestore(ctx, ws.ID, opID, ws.ArchiveKey)
		if err != nil {
			return "", nil, err
		}
		if res.ExitCode != 0 {
			return "", nil, fmt.Errorf("restore exited with code %d: %s", res.ExitCode, res.Logs)
		}
		return workspace.PhaseStandby, nil, nil

	case workspace.OpStarting:
		res, err := c.agent.StartContainer(ctx, ws.ID, opID, ws.ImageRef)
		if err != nil {
			return "", nil, err
		}
		if !res.Status.Done() {
			return "", nil, nil
		}
		return workspace.PhaseRunning, nil, nil

	case workspace.OpStopping:
		res, err := c.agent.StopContainer(ctx, ws.ID, opID)
		if err != nil {
			return "", nil, err
		}
		if !res.Status.Done() {
			return "", nil, nil
		}
		return workspace.PhaseStandby, nil, nil

	case workspace.OpArchiving:
		res, err := c.agent.RunArchive(ctx, ws.ID, opID)
		if err != nil {
			return "", nil, err
		}
		if res.ExitCode != 0 {
			return "", nil, fmt.Errorf("archive exited with code %d: %s", res.ExitCode, res.Logs)
		}
		key := res.ArchiveKey
		if key == "" {
			key = workspace.ArchiveKey(c.clusterID, ws.ID, opID)
		}
		if _, err := c.agent.DeleteVolume(ctx, ws.ID, opID); err != nil {
			return "", nil, err
		}
		return workspace.PhaseArchived, &key, nil

	case workspace.OpCreateEmptyArchive:
		// An archive of a brand-new empty volume, so a later restore has a
		// real object to pull.
		if _, err := c.agent.CreateVolume(ctx, ws.ID, opID); err != nil {
			return "", nil, err
		}
		res, err := c.agent.RunArchive(ctx, ws.ID, opID)
		if err != nil {
			return "", nil, err
		}
		if res.ExitCode != 0 {
			return "", nil, fmt.Errorf("archive exited with code %d: %s", res.ExitCode, res.Logs)
		}
		key := res.ArchiveKey
		if key == "" {
			key = workspace.ArchiveKey(c.clusterID, ws.ID, opID)
		}
		if _, err := c.agent.DeleteVolume(ctx, ws.ID, opID); err != nil {
			return "", nil, err
		}
		return workspace.PhaseArchived, &key, nil

	case workspace.OpDeleting:
		if _, err := c.agent.DeleteContainer(ctx, ws.ID, opID); err != nil {
			return "", nil, err
		}
		if _, err := c.agent.DeleteVolume(ctx, ws.ID, opID); err != nil {
			return "", nil, err
		}
		return workspace.PhaseDeleted, nil, nil
	}
	return "", nil, fmt.Errorf("unknown operation %s", op)
}

// observedSincePhaseChange reports whether the observer has refreshed the
// conditions since the phase was last written.
func observedSincePhaseChange(ws *workspace.Workspace) bool {
	if ws.ObservedAt == nil {
		return false
	}
	return ws.PhaseChangedAt == nil || ws.ObservedAt.After(*ws.PhaseChangedAt)
}

func (c *Controller) verifyLeadership(ctx context.Context) error {
	holding, err := c.lock.VerifyHolding(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errLeadershipLost, err)
	}
	if !holding {
		return errLeadershipLost
	}
	return nil
}

// classify maps an agent failure onto an error reason and whether it is
// terminal.
func classify(err error) (workspace.ErrorReason, bool) {
	var apiErr *agent.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case agent.CodeImagePullFailed:
			return workspace.ReasonImagePullFailed, true
		case agent.CodeArchiveCorrupted:
			return workspace.ReasonArchiveCorrupted, true
		case agent.CodeDataLost:
			return workspace.ReasonDataLost, true
		}
		return workspace.ReasonActionFailed, false
	}
	// No structured response at all: the agent itself was unreachable.
	return workspace.ReasonUnreachable, false
}

// retryable reports whether another attempt can plausibly succeed: transport
// failures and transient agent responses are worth retrying, an unrecognized
// permanent agent code is not.
func retryable(err error) bool {
	var apiErr *agent.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return true
}
