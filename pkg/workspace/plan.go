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

package workspace

import "time"

// DecisionKind says what the controller should do with a workspace this tick.
type DecisionKind int

const (
	// DecisionNone: nothing to do, the workspace already matches intent.
	DecisionNone DecisionKind = iota
	// DecisionContinue: an operation is in flight; re-invoke the runtime
	// with the existing op_id (idempotent resume/retry).
	DecisionContinue
	// DecisionTimeout: the in-flight operation exceeded its deadline; mark
	// Timeout and clear the operation.
	DecisionTimeout
	// DecisionStart: begin the named operation with a fresh op_id.
	DecisionStart
)

// Decision is the output of Plan.
type Decision struct {
	Kind DecisionKind
	Op   Operation
}

// PlanConfig carries the per-operation deadlines and the retry budget.
type PlanConfig struct {
	OpTimeouts map[Operation]time.Duration
	MaxRetries int
}

// DefaultPlanConfig returns the stock deadlines: container and volume
// operations are quick, archive and restore move whole home directories.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		OpTimeouts: map[Operation]time.Duration{
			OpProvisioning:       60 * time.Second,
			OpRestoring:          1800 * time.Second,
			OpStarting:           120 * time.Second,
			OpStopping:           120 * time.Second,
			OpArchiving:          1800 * time.Second,
			OpCreateEmptyArchive: 120 * time.Second,
			OpDeleting:           300 * time.Second,
		},
		MaxRetries: 3,
	}
}

// Timeout returns the deadline for op, falling back to five minutes for
// operations with no explicit entry.
func (c PlanConfig) Timeout(op Operation) time.Duration {
	if d, ok := c.OpTimeouts[op]; ok {
		return d
	}
	return 5 * time.Minute
}

// transitions maps (phase, desired) to the operation that moves the workspace
// one step closer to intent. Absent entries mean the workspace already
// matches intent or must wait.
var transitions = map[Phase]map[DesiredState]Operation{
	PhasePending: {
		DesiredRunning:  OpProvisioning,
		DesiredStandby:  OpProvisioning,
		DesiredArchived: OpCreateEmptyArchive,
		DesiredDeleted:  OpDeleting,
	},
	PhaseArchived: {
		DesiredRunning: OpRestoring,
		DesiredStandby: OpRestoring,
		DesiredDeleted: OpDeleting,
	},
	PhaseStandby: {
		DesiredRunning:  OpStarting,
		DesiredArchived: OpArchiving,
		DesiredDeleted:  OpDeleting,
	},
	PhaseRunning: {
		// ARCHIVED and DELETED are two-step plans: STOPPING first, the
		// follow-up operation is planned on the next tick once the phase
		// settles at STANDBY.
		DesiredStandby:  OpStopping,
		DesiredArchived: OpStopping,
		DesiredDeleted:  OpStopping,
	},
	PhaseError: {
		DesiredDeleted: OpDeleting,
	},
	PhaseDeleting: {
		DesiredDeleted: OpDeleting,
	},
}

// Plan decides the next controller action for a workspace. Rules, in order:
//
//  1. An in-flight operation is kept (DecisionContinue) until it completes or
//     exceeds its deadline (DecisionTimeout). The deadline boundary is strict:
//     elapsed time exactly equal to the timeout is not yet a timeout.
//  2. A terminal error reason parks the workspace until the user changes
//     desired_state.
//  3. Otherwise the (phase, desired_state) transition table picks the next
//     operation, treating a soft-deleted row as desired DELETED.
func Plan(ws *Workspace, now time.Time, cfg PlanConfig) Decision {
	if ws.Operation != OpNone {
		if ws.OpStartedAt != nil && now.Sub(*ws.OpStartedAt) > cfg.Timeout(ws.Operation) {
			return Decision{Kind: DecisionTimeout, Op: ws.Operation}
		}
		return Decision{Kind: DecisionContinue, Op: ws.Operation}
	}

	if ws.ErrorReason != "" && (ws.ErrorReason.Terminal() || ws.ErrorReason == ReasonRetryExceeded) {
		// Deletion is the one way out of a parked state; anything else
		// waits for the user to re-assert desired_state via the API.
		if desired(ws) != DesiredDeleted {
			return Decision{Kind: DecisionNone}
		}
	}

	if next, ok := transitions[ws.Phase][desired(ws)]; ok {
		return Decision{Kind: DecisionStart, Op: next}
	}
	return Decision{Kind: DecisionNone}
}

// desired resolves the effective desired state: a soft-deleted row is always
// driven toward DELETED regardless of the stored intent.
func desired(ws *Workspace) DesiredState {
	if ws.DeletedAt != nil {
		return DesiredDeleted
	}
	return ws.DesiredState
}
