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
	"testing"
	"time"

	"go.codehub.dev/codehub/pkg/agent"
	"go.codehub.dev/codehub/pkg/store"
	"go.codehub.dev/codehub/pkg/workspace"
)

type fakeObserverStore struct {
	rows    []*workspace.Workspace
	updates []store.ConditionUpdate
}

func (s *fakeObserverStore) ListActive(ctx context.Context) ([]*workspace.Workspace, error) {
	return s.rows, nil
}

func (s *fakeObserverStore) UpdateConditions(ctx context.Context, updates []store.ConditionUpdate) error {
	s.updates = append(s.updates, updates...)
	return nil
}

type fakeObserverAgent struct {
	obs *agent.Observations
	err error
}

func (a *fakeObserverAgent) ObserveAll(ctx context.Context, prefix string) (*agent.Observations, error) {
	return a.obs, a.err
}

func TestObserverComputesConditions(t *testing.T) {
	st := &fakeObserverStore{rows: []*workspace.Workspace{
		{ID: "ws-1", Conditions: make(workspace.Conditions)},
		{ID: "ws-2", Conditions: make(workspace.Conditions)},
	}}
	ag := &fakeObserverAgent{obs: &agent.Observations{
		Containers: map[string]agent.ContainerObservation{
			"ws-1": {WorkspaceID: "ws-1", Running: true},
		},
		Volumes: map[string]bool{"ws-1": true},
		Archives: map[string]agent.ArchiveObservation{
			"ws-2": {WorkspaceID: "ws-2", LatestKey: "c1/ws-2/op-1/home.tar.zst", Reason: agent.ArchiveUploaded},
		},
	}}
	o := NewObserver(st, ag, "c1", 30*time.Second, nil)

	if _, err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.updates) != 2 {
		t.Fatalf("updates: got %d", len(st.updates))
	}

	byID := map[string]workspace.Conditions{}
	for _, u := range st.updates {
		byID[u.ID] = u.Conditions
	}

	ws1 := byID["ws-1"]
	if !ws1.IsTrue(workspace.CondContainerReady) || !ws1.IsTrue(workspace.CondVolumeReady) {
		t.Errorf("ws-1 conditions: %+v", ws1)
	}
	if ws1.IsTrue(workspace.CondArchiveReady) {
		t.Error("ws-1 should have no archive")
	}

	ws2 := byID["ws-2"]
	if !ws2.IsTrue(workspace.CondArchiveReady) {
		t.Errorf("ws-2 conditions: %+v", ws2)
	}
	if ws2.IsTrue(workspace.CondContainerReady) || ws2.IsTrue(workspace.CondVolumeReady) {
		t.Errorf("ws-2 should have neither container nor volume: %+v", ws2)
	}
}

// TestObserverUnreachableDimensionKeepsStatus: a dimension the agent could
// not see keeps its last status, only re-tagged Unreachable, so the judge
// never demotes a workspace on missing information.
func TestObserverUnreachableDimensionKeepsStatus(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	conds := make(workspace.Conditions)
	conds.Set(workspace.CondVolumeReady, workspace.StatusTrue, "VolumeBound", "", past)

	st := &fakeObserverStore{rows: []*workspace.Workspace{
		{ID: "ws-1", Conditions: conds},
	}}
	ag := &fakeObserverAgent{obs: &agent.Observations{
		Containers: map[string]agent.ContainerObservation{},
		Volumes:    nil, // storage backend blackout
		Archives:   map[string]agent.ArchiveObservation{},
	}}
	o := NewObserver(st, ag, "c1", 30*time.Second, nil)

	if _, err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := st.updates[0].Conditions[workspace.CondVolumeReady]
	if got.Status != workspace.StatusTrue {
		t.Errorf("status: got %s, want True preserved", got.Status)
	}
	if got.Reason != string(workspace.ReasonUnreachable) {
		t.Errorf("reason: got %q, want Unreachable", got.Reason)
	}
	if !got.LastTransitionTime.Equal(past) {
		t.Errorf("transition time moved on unchanged status: %v", got.LastTransitionTime)
	}
}

func TestObserverTotalBlackoutFailsTick(t *testing.T) {
	st := &fakeObserverStore{rows: []*workspace.Workspace{
		{ID: "ws-1", Conditions: make(workspace.Conditions)},
	}}
	ag := &fakeObserverAgent{err: errors.New("connection refused")}
	o := NewObserver(st, ag, "c1", 30*time.Second, nil)

	if _, err := o.Tick(context.Background()); err == nil {
		t.Fatal("expected tick error on observe failure")
	}
	if len(st.updates) != 0 {
		t.Errorf("blackout wrote conditions: %+v", st.updates)
	}
}

func TestObserverEmptyFleetSkipsObserve(t *testing.T) {
	st := &fakeObserverStore{}
	ag := &fakeObserverAgent{err: errors.New("should not be called")}
	o := NewObserver(st, ag, "c1", 30*time.Second, nil)

	delay, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if delay != 30*time.Second {
		t.Errorf("delay: got %v", delay)
	}
}
