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
	"fmt"
	"testing"
	"time"
)

func conds(container, volume, archive bool) Conditions {
	boolStatus := func(b bool) string {
		if b {
			return StatusTrue
		}
		return StatusFalse
	}
	now := time.Now()
	c := Conditions{}
	c.Set(CondContainerReady, boolStatus(container), "", "", now)
	c.Set(CondVolumeReady, boolStatus(volume), "", "", now)
	c.Set(CondArchiveReady, boolStatus(archive), "", "", now)
	return c
}

// TestJudgeTruthTable covers all 8 condition combinations for live rows.
func TestJudgeTruthTable(t *testing.T) {
	tests := []struct {
		container, volume, archive bool
		wantPhase                  Phase
		wantHealthy                bool
		wantReason                 ErrorReason
	}{
		{false, false, false, PhasePending, true, ""},
		{false, false, true, PhaseArchived, true, ""},
		{false, true, false, PhaseStandby, true, ""},
		{false, true, true, PhaseStandby, true, ""},
		{true, false, false, PhaseError, false, ReasonContainerWithoutVolume},
		{true, false, true, PhaseError, false, ReasonContainerWithoutVolume},
		{true, true, false, PhaseRunning, true, ""},
		{true, true, true, PhaseRunning, true, ""},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("container=%t volume=%t archive=%t", tt.container, tt.volume, tt.archive)
		t.Run(name, func(t *testing.T) {
			v := Judge(conds(tt.container, tt.volume, tt.archive), nil)
			if v.Phase != tt.wantPhase {
				t.Errorf("phase: got %s, want %s", v.Phase, tt.wantPhase)
			}
			if v.Healthy != tt.wantHealthy {
				t.Errorf("healthy: got %t, want %t", v.Healthy, tt.wantHealthy)
			}
			if v.Reason != tt.wantReason {
				t.Errorf("reason: got %q, want %q", v.Reason, tt.wantReason)
			}
		})
	}
}

// TestJudgeSoftDeletePrecedence verifies deleted_at overrides every other input.
func TestJudgeSoftDeletePrecedence(t *testing.T) {
	deletedAt := time.Now()

	tests := []struct {
		container, volume, archive bool
		wantPhase                  Phase
	}{
		{false, false, false, PhaseDeleted},
		{false, false, true, PhaseDeleting},
		{false, true, false, PhaseDeleting},
		{true, false, false, PhaseDeleting}, // invariant check does not apply to deleted rows
		{true, true, true, PhaseDeleting},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("container=%t volume=%t archive=%t", tt.container, tt.volume, tt.archive)
		t.Run(name, func(t *testing.T) {
			v := Judge(conds(tt.container, tt.volume, tt.archive), &deletedAt)
			if v.Phase != tt.wantPhase {
				t.Errorf("phase: got %s, want %s", v.Phase, tt.wantPhase)
			}
			if !v.Healthy {
				t.Error("deleted rows are never unhealthy")
			}
		})
	}
}

// TestJudgeDeterministic verifies two calls with equal input yield equal output.
func TestJudgeDeterministic(t *testing.T) {
	for i := 0; i < 8; i++ {
		c := conds(i&4 != 0, i&2 != 0, i&1 != 0)
		if Judge(c, nil) != Judge(c.Clone(), nil) {
			t.Errorf("Judge not deterministic for combination %03b", i)
		}
	}
}

// TestJudgeMissingConditions: an empty condition map is a valid input (fresh row).
func TestJudgeEmptyConditions(t *testing.T) {
	v := Judge(Conditions{}, nil)
	if v.Phase != PhasePending {
		t.Errorf("empty conditions: got %s, want PENDING", v.Phase)
	}
	if !v.Healthy {
		t.Error("empty conditions should be healthy")
	}
}

func TestConditionsSetBumpsTransitionOnlyOnChange(t *testing.T) {
	c := Conditions{}
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * time.Second)
	t2 := t1.Add(30 * time.Second)

	c.Set(CondVolumeReady, StatusTrue, "VolumeFound", "", t0)
	if got := c[CondVolumeReady].LastTransitionTime; !got.Equal(t0) {
		t.Fatalf("initial transition time: got %v, want %v", got, t0)
	}

	// Equal status: timestamp must not move, even with a changed message.
	c.Set(CondVolumeReady, StatusTrue, "VolumeFound", "re-observed", t1)
	if got := c[CondVolumeReady].LastTransitionTime; !got.Equal(t0) {
		t.Errorf("equal-status rewrite moved transition time: got %v, want %v", got, t0)
	}

	// Status flip: timestamp moves.
	c.Set(CondVolumeReady, StatusFalse, "VolumeMissing", "", t2)
	if got := c[CondVolumeReady].LastTransitionTime; !got.Equal(t2) {
		t.Errorf("status change did not move transition time: got %v, want %v", got, t2)
	}
}

func TestArchiveKey(t *testing.T) {
	got := ArchiveKey("c1", "ws-42", "op-9")
	want := "c1/ws-42/op-9/home.tar.zst"
	if got != want {
		t.Errorf("ArchiveKey: got %q, want %q", got, want)
	}
}

func TestParseArchiveKey(t *testing.T) {
	tests := []struct {
		key     string
		cluster string
		ws      string
		op      string
		ok      bool
	}{
		{"c1/ws-42/op-9/home.tar.zst", "c1", "ws-42", "op-9", true},
		{"c1/ws-42/op-9/other.tar", "", "", "", false},
		{"c1/ws-42/home.tar.zst", "", "", "", false},
		{"c1//op-9/home.tar.zst", "", "", "", false},
		{"", "", "", "", false},
	}
	for _, tt := range tests {
		cluster, ws, op, ok := ParseArchiveKey(tt.key)
		if ok != tt.ok || cluster != tt.cluster || ws != tt.ws || op != tt.op {
			t.Errorf("ParseArchiveKey(%q) = %q/%q/%q/%t, want %q/%q/%q/%t",
				tt.key, cluster, ws, op, ok, tt.cluster, tt.ws, tt.op, tt.ok)
		}
	}
}
