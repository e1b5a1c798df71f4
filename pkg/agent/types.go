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

import "fmt"

// Status is the agent's report on an idempotent operation step. The agent
// recognizes repeated (workspace_id, op_id) invocations and answers with the
// current state of the job rather than starting it twice.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusAlreadyRunning Status = "already_running"
	StatusAlreadyStopped Status = "already_stopped"
	StatusAlreadyExists  Status = "already_exists"
	StatusAlreadyDeleted Status = "already_deleted"
	StatusInProgress     Status = "in_progress"
)

// Done reports whether the operation reached its goal state (directly or
// because it had already been there).
func (s Status) Done() bool {
	switch s {
	case StatusCompleted, StatusAlreadyRunning, StatusAlreadyStopped,
		StatusAlreadyExists, StatusAlreadyDeleted:
		return true
	}
	return false
}

// Error codes the agent returns for permanent failures.
const (
	CodeImagePullFailed  = "IMAGE_PULL_FAILED"
	CodeArchiveCorrupted = "ARCHIVE_CORRUPTED"
	CodeDataLost         = "DATA_LOST"
	CodeVolumeInUse      = "VOLUME_IN_USE"
)

// APIError is a structured error response from the agent.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent error %d (%s): %s", e.HTTPStatus, e.Code, e.Message)
}

// Transient reports whether the failure is worth retrying: server-side 5xx
// responses and the volume-in-use race are; 4xx payload codes are permanent.
func (e *APIError) Transient() bool {
	if e.HTTPStatus >= 500 {
		return true
	}
	return e.Code == CodeVolumeInUse
}

// ContainerObservation is one container found by the bulk observe call.
type ContainerObservation struct {
	WorkspaceID string `json:"workspace_id"`
	Running     bool   `json:"running"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

// ArchiveObservation is the newest archive object found for one workspace.
// Reason is ArchiveUploaded, ArchiveCorrupted (checksum mismatch against the
// .meta sibling) or ArchiveUnreachable.
type ArchiveObservation struct {
	WorkspaceID string `json:"workspace_id"`
	LatestKey   string `json:"latest_key,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Archive observation reasons.
const (
	ArchiveUploaded    = "ArchiveUploaded"
	ArchiveCorrupted   = "ArchiveCorrupted"
	ArchiveUnreachable = "ArchiveUnreachable"
)

// Observations is the bulk infrastructure snapshot: all containers, volumes
// and archives matching the cluster prefix, in three lists. A nil map means
// that dimension could not be observed this round (the agent reached the
// container engine but not the object store, say); an empty non-nil map means
// "observed, nothing there".
type Observations struct {
	Containers map[string]ContainerObservation `json:"containers"`
	Volumes    map[string]bool                 `json:"volumes"`
	Archives   map[string]ArchiveObservation   `json:"archives"`
}

// OpResult is the response to a container/volume operation step.
type OpResult struct {
	Status Status `json:"status"`
}

// ArchiveResult is the response to a run_archive job.
type ArchiveResult struct {
	ExitCode   int    `json:"exit_code"`
	Logs       string `json:"logs,omitempty"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// RestoreResult is the response to a run_restore job.
type RestoreResult struct {
	ExitCode int    `json:"exit_code"`
	Logs     string `json:"logs,omitempty"`
}

// ProtectedArchive names one archive the garbage collector must keep.
type ProtectedArchive struct {
	WorkspaceID string `json:"workspace_id"`
	OpID        string `json:"op_id"`
}

// GCResult is the response to a run_gc sweep.
type GCResult struct {
	DeletedCount int      `json:"deleted_count"`
	DeletedKeys  []string `json:"deleted_keys,omitempty"`
}
