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

import (
	"testing"
	"time"
)

func TestPlanTransitionTable(t *testing.T) {
	tests := []struct {
		phase    Phase
		desired  DesiredState
		wantKind DecisionKind
		wantOp   Operation
	}{
		{PhasePending, DesiredRunning, DecisionStart, OpProvisioning},
		{PhasePending, DesiredStandby, DecisionStart, OpProvisioning},
		{PhasePending, DesiredArchived, DecisionStart, OpCreateEmptyArchive},
		{PhasePending, DesiredDeleted, DecisionStart, OpDeleting},

		{PhaseArchived, DesiredRunning, DecisionStart, OpRestoring},
		{PhaseArchived, DesiredStandby, DecisionStart, OpRestoring},
		{PhaseArchived, DesiredArchived, DecisionNone, ""},
		{PhaseArchived, DesiredDeleted, DecisionStart, OpDeleting},

		{PhaseStandby, DesiredRunning, DecisionStart, OpStarting},
		{PhaseStandby, DesiredStandby, DecisionNone, ""},
		{PhaseStandby, DesiredArchived, DecisionStart, OpArchiving},
		{PhaseStandby, DesiredDeleted, DecisionStart, OpDeleting},

		{PhaseRunning, DesiredRunning, DecisionNone, ""},
		{PhaseRunning, DesiredStandby, DecisionStart, OpStopping},
		{PhaseRunning, DesiredArchived, DecisionStart, OpStopping},
		{PhaseRunning, DesiredDeleted, DecisionStart, OpStopping},

		{PhaseError, DesiredRunning, DecisionNone, ""},
		{PhaseError, DesiredStandby, DecisionNone, ""},
		{PhaseError, DesiredArchived, DecisionNone, ""},
		{PhaseError, DesiredDeleted, DecisionStart, OpDeleting},
	}

	cfg := DefaultPlanConfig()
	now := time.Now()

	for _, tt := range tests {
		t.Run(string(tt.phase)+"/"+string(tt.desired), func(t *testing.T) {
			ws := &Workspace{
				Phase:        tt.phase,
				Operation:    OpNone,
				DesiredState: tt.desired,
			}
			d := Plan(ws, now, cfg)
			if d.Kind != tt.wantKind {
				t.Errorf("kind: got %v, want %v", d.Kind, tt.wantKind)
			}
			if tt.wantKind == DecisionStart && d.Op != tt.wantOp {
				t.Errorf("op: got %s, want %s", d.Op, tt.wantOp)
			}
		})
	}
}

func TestPlanInFlightOperationContinues(t *testing.T) {
	cfg := DefaultPlanConfig()
	started := time.Now().Add(-30 * time.Second)
	ws := &Workspace{
		Phase:        PhaseStandby,
		Operation:    OpStarting,
		OpID:         "op-2",
		OpStartedAt:  &started,
		DesiredState: DesiredRunning,
	}

	d := Plan(ws, time.Now(), cfg)
	if d.Kind != DecisionContinue {
		t.Fatalf("kind: got %v, want DecisionContinue", d.Kind)
	}
	if d.Op != OpStarting {
		t.Errorf("op: got %s, want STARTING", d.Op)
	}
}

// TestPlanTimeoutBoundary: elapsed exactly equal to the deadline is not yet a
// timeout; strictly greater is.
func TestPlanTimeoutBoundary(t *testing.T) {
	cfg := DefaultPlanConfig()
	timeout := cfg.Timeout(OpStarting)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	atBoundary := now.Add(-timeout)
	pastBoundary := now.Add(-timeout - time.Nanosecond)

	ws := &Workspace{
		Phase:        PhaseStandby,
		Operation:    OpStarting,
		OpID:         "op-2",
		OpStartedAt:  &atBoundary,
		DesiredState: DesiredRunning,
	}
	if d := Plan(ws, now, cfg); d.Kind != DecisionContinue {
		t.Errorf("elapsed == timeout: got %v, want DecisionContinue", d.Kind)
	}

	ws.OpStartedAt = &pastBoundary
	if d := Plan(ws, now, cfg); d.Kind != DecisionTimeout {
		t.Errorf("elapsed > timeout: got %v, want DecisionTimeout", d.Kind)
	}
}

func TestPlanTerminalErrorParks(t *testing.T) {
	cfg := DefaultPlanConfig()
	now := time.Now()

	for _, reason := range []ErrorReason{
		ReasonTimeout, ReasonDataLost, ReasonImagePullFailed,
		ReasonContainerWithoutVolume, ReasonArchiveCorrupted, ReasonRetryExceeded,
	} {
		t.Run(string(reason), func(t *testing.T) {
			ws := &Workspace{
				Phase:        PhaseStandby,
				Operation:    OpNone,
				DesiredState: DesiredRunning,
				ErrorReason:  reason,
			}
			if d := Plan(ws, now, cfg); d.Kind != DecisionNone {
				t.Errorf("parked reason %s still planned %v", reason, d.Kind)
			}

			// Deletion is always allowed out of a parked state.
			ws.DesiredState = DesiredDeleted
			d := Plan(ws, now, cfg)
			if d.Kind != DecisionStart || d.Op != OpDeleting {
				t.Errorf("parked reason %s with desired DELETED: got %v/%s", reason, d.Kind, d.Op)
			}
		})
	}
}

func TestPlanTransientErrorDoesNotPark(t *testing.T) {
	cfg := DefaultPlanConfig()
	ws := &Workspace{
		Phase:        PhaseStandby,
		Operation:    OpNone,
		DesiredState: DesiredRunning,
		ErrorReason:  ReasonActionFailed,
		ErrorCount:   1,
	}
	d := Plan(ws, time.Now(), cfg)
	if d.Kind != DecisionStart || d.Op != OpStarting {
		t.Errorf("transient error should replan: got %v/%s", d.Kind, d.Op)
	}
}

// TestPlanSoftDeleteOverridesDesired: a soft-deleted row is driven to DELETED
// even when the stored intent still says RUNNING.
func TestPlanSoftDeleteOverridesDesired(t *testing.T) {
	cfg := DefaultPlanConfig()
	deletedAt := time.Now()
	ws := &Workspace{
		Phase:        PhaseDeleting,
		Operation:    OpNone,
		DesiredState: DesiredRunning,
		DeletedAt:    &deletedAt,
	}
	d := Plan(ws, time.Now(), cfg)
	if d.Kind != DecisionStart || d.Op != OpDeleting {
		t.Errorf("soft-deleted row: got %v/%s, want Start/DELETING", d.Kind, d.Op)
	}
}

// TestPlanTwoStepArchive walks RUNNING -> desired ARCHIVED through the
// intermediate STOPPING and follow-up ARCHIVING plans.
func TestPlanTwoStepArchive(t *testing.T) {
	cfg := DefaultPlanConfig()
	now := time.Now()

	ws := &Workspace{
		Phase:        PhaseRunning,
		Operation:    OpNone,
		DesiredState: DesiredArchived,
	}
	d := Plan(ws, now, cfg)
	if d.Kind != DecisionStart || d.Op != OpStopping {
		t.Fatalf("step 1: got %v/%s, want Start/STOPPING", d.Kind, d.Op)
	}

	// Container stopped, observer re-judged the row to STANDBY.
	ws.Phase = PhaseStandby
	d = Plan(ws, now, cfg)
	if d.Kind != DecisionStart || d.Op != OpArchiving {
		t.Fatalf("step 2: got %v/%s, want Start/ARCHIVING", d.Kind, d.Op)
	}
}

func TestPlanDeletedPhaseIsInert(t *testing.T) {
	cfg := DefaultPlanConfig()
	deletedAt := time.Now()
	ws := &Workspace{
		Phase:        PhaseDeleted,
		Operation:    OpNone,
		DesiredState: DesiredDeleted,
		DeletedAt:    &deletedAt,
	}
	if d := Plan(ws, time.Now(), cfg); d.Kind != DecisionNone {
		t.Errorf("DELETED phase planned %v, want DecisionNone", d.Kind)
	}
}
