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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(AgentConfig{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		HTTPTimeout: 5 * time.Second,
	}, nil)
}

func TestObserveAll(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header: got %q", got)
		}
		if got := r.URL.Query().Get("prefix"); got != "ch-prod" {
			t.Errorf("prefix: got %q", got)
		}
		json.NewEncoder(w).Encode(Observations{
			Containers: map[string]ContainerObservation{
				"ws-1": {WorkspaceID: "ws-1", Running: true, Reason: "ContainerRunning"},
			},
			Volumes: map[string]bool{"ws-1": true, "ws-2": true},
			Archives: map[string]ArchiveObservation{
				"ws-3": {WorkspaceID: "ws-3", LatestKey: "ch-prod/ws-3/op-1/home.tar.zst", Reason: ArchiveUploaded},
			},
		})
	})

	obs, err := client.ObserveAll(context.Background(), "ch-prod")
	if err != nil {
		t.Fatalf("ObserveAll: %v", err)
	}
	if !obs.Containers["ws-1"].Running {
		t.Error("expected ws-1 container running")
	}
	if !obs.Volumes["ws-2"] {
		t.Error("expected ws-2 volume")
	}
	if obs.Archives["ws-3"].Reason != ArchiveUploaded {
		t.Errorf("archive reason: got %q", obs.Archives["ws-3"].Reason)
	}
}

func TestStartContainerSendsOpID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workspaces/ws-1/container/start" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["op_id"] != "op-2" {
			t.Errorf("op_id: got %q", body["op_id"])
		}
		if body["image_ref"] != "ghcr.io/codehub/code-server:4" {
			t.Errorf("image_ref: got %q", body["image_ref"])
		}
		json.NewEncoder(w).Encode(OpResult{Status: StatusCompleted})
	})

	res, err := client.StartContainer(context.Background(), "ws-1", "op-2", "ghcr.io/codehub/code-server:4")
	if err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status: got %q", res.Status)
	}
}

// TestStartContainerIdempotentRetry: the second call with the same op_id
// reports already_running, which is a done state.
func TestStartContainerIdempotentRetry(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(OpResult{Status: StatusInProgress})
			return
		}
		json.NewEncoder(w).Encode(OpResult{Status: StatusAlreadyRunning})
	})

	ctx := context.Background()
	first, err := client.StartContainer(ctx, "ws-1", "op-2", "img")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Status.Done() {
		t.Errorf("in_progress should not be done")
	}

	second, err := client.StartContainer(ctx, "ws-1", "op-2", "img")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Status.Done() {
		t.Errorf("already_running should be done")
	}
}

func TestRunArchiveReturnsKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ArchiveResult{
			ExitCode:   0,
			ArchiveKey: "ch-prod/ws-1/op-9/home.tar.zst",
		})
	})

	res, err := client.RunArchive(context.Background(), "ws-1", "op-9")
	if err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	if res.ArchiveKey != "ch-prod/ws-1/op-9/home.tar.zst" {
		t.Errorf("archive key: got %q", res.ArchiveKey)
	}
}

func TestRunGCSendsProtectedSet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Protected []ProtectedArchive `json:"protected"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body.Protected) != 2 {
			t.Errorf("protected: got %d entries", len(body.Protected))
		}
		json.NewEncoder(w).Encode(GCResult{DeletedCount: 1, DeletedKeys: []string{"ch-prod/ws-1/op-7/home.tar.zst"}})
	})

	res, err := client.RunGC(context.Background(), []ProtectedArchive{
		{WorkspaceID: "ws-1", OpID: "op-9"},
		{WorkspaceID: "ws-2", OpID: "op-3"},
	})
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res.DeletedCount != 1 {
		t.Errorf("deleted count: got %d", res.DeletedCount)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    CodeImagePullFailed,
				"message": "manifest unknown",
			},
		})
	})

	_, err := client.StartContainer(context.Background(), "ws-1", "op-2", "img")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != CodeImagePullFailed {
		t.Errorf("code: got %q", apiErr.Code)
	}
	if apiErr.Transient() {
		t.Error("4xx image pull failure must not be transient")
	}
}

func TestAPIErrorTransient(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		transient bool
	}{
		{"internal error", 500, "", true},
		{"bad gateway", 502, "", true},
		{"volume in use", 409, CodeVolumeInUse, true},
		{"image pull", 422, CodeImagePullFailed, false},
		{"archive corrupted", 422, CodeArchiveCorrupted, false},
		{"data lost", 410, CodeDataLost, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &APIError{HTTPStatus: tt.status, Code: tt.code}
			if e.Transient() != tt.transient {
				t.Errorf("Transient(): got %t, want %t", e.Transient(), tt.transient)
			}
		})
	}
}

func TestStatusDone(t *testing.T) {
	done := []Status{StatusCompleted, StatusAlreadyRunning, StatusAlreadyStopped, StatusAlreadyExists, StatusAlreadyDeleted}
	for _, s := range done {
		if !s.Done() {
			t.Errorf("%s should be done", s)
		}
	}
	if StatusInProgress.Done() {
		t.Error("in_progress should not be done")
	}
}
