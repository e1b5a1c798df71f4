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

// Package workspace defines the workspace data model shared by the
// coordinators and the API layer: phases, operations, desired states,
// resource conditions, and the pure Judge/Plan reconciliation functions.
package workspace

import (
	"fmt"
	"strings"
	"time"
)

// Phase describes the current physical state of a workspace, derived from
// its resource conditions.
type Phase string

const (
	PhasePending  Phase = "PENDING"
	PhaseArchived Phase = "ARCHIVED"
	PhaseStandby  Phase = "STANDBY"
	PhaseRunning  Phase = "RUNNING"
	PhaseError    Phase = "ERROR"
	PhaseDeleting Phase = "DELETING"
	PhaseDeleted  Phase = "DELETED"
)

// Operation is the in-flight action moving a workspace between phases.
// At most one operation runs per workspace at a time.
type Operation string

const (
	OpNone               Operation = "NONE"
	OpProvisioning       Operation = "PROVISIONING"
	OpRestoring          Operation = "RESTORING"
	OpStarting           Operation = "STARTING"
	OpStopping           Operation = "STOPPING"
	OpArchiving          Operation = "ARCHIVING"
	OpCreateEmptyArchive Operation = "CREATE_EMPTY_ARCHIVE"
	OpDeleting           Operation = "DELETING"
)

// DesiredState is the user-expressed target the reconciler chases.
type DesiredState string

const (
	DesiredDeleted  DesiredState = "DELETED"
	DesiredArchived DesiredState = "ARCHIVED"
	DesiredStandby  DesiredState = "STANDBY"
	DesiredRunning  DesiredState = "RUNNING"
)

// ErrorReason classifies the last reconciliation failure.
type ErrorReason string

const (
	ReasonTimeout                ErrorReason = "Timeout"
	ReasonRetryExceeded          ErrorReason = "RetryExceeded"
	ReasonActionFailed           ErrorReason = "ActionFailed"
	ReasonDataLost               ErrorReason = "DataLost"
	ReasonUnreachable            ErrorReason = "Unreachable"
	ReasonImagePullFailed        ErrorReason = "ImagePullFailed"
	ReasonContainerWithoutVolume ErrorReason = "ContainerWithoutVolume"
	ReasonArchiveCorrupted       ErrorReason = "ArchiveCorrupted"
)

// terminalReasons are never retried automatically; the user must intervene
// via a desired_state change.
var terminalReasons = map[ErrorReason]bool{
	ReasonTimeout:                true,
	ReasonDataLost:               true,
	ReasonImagePullFailed:        true,
	ReasonContainerWithoutVolume: true,
	ReasonArchiveCorrupted:       true,
}

// Terminal reports whether the reason requires user intervention.
func (r ErrorReason) Terminal() bool {
	return terminalReasons[r]
}

// Condition keys, one per resource dimension. Written by the bulk observer only.
const (
	CondContainerReady = "infra.container_ready"
	CondVolumeReady    = "storage.volume_ready"
	CondArchiveReady   = "storage.archive_ready"
)

// Condition statuses.
const (
	StatusTrue  = "True"
	StatusFalse = "False"
)

// Condition is a named, timestamped true/false assertion about one resource
// dimension of a workspace.
type Condition struct {
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	LastTransitionTime time.Time `json:"last_transition_time"`
}

// Conditions maps condition key to its latest observation.
type Conditions map[string]Condition

// IsTrue reports whether the condition with the given key is present with
// status "True".
func (c Conditions) IsTrue(key string) bool {
	cond, ok := c[key]
	return ok && cond.Status == StatusTrue
}

// Set records an observation for key. LastTransitionTime is bumped only when
// the status actually changes, so an equal re-observation never rewrites the
// transition timestamp.
func (c Conditions) Set(key, status, reason, message string, now time.Time) {
	prev, ok := c[key]
	transition := prev.LastTransitionTime
	if !ok || prev.Status != status {
		transition = now
	}
	c[key] = Condition{
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastTransitionTime: transition,
	}
}

// Clone returns a deep copy of the condition map.
func (c Conditions) Clone() Conditions {
	out := make(Conditions, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Workspace is one row of the workspaces table.
type Workspace struct {
	ID           string
	OwnerUserID  string
	Name         string
	ImageRef     string
	HomeStoreKey string

	Conditions Conditions

	Phase        Phase
	Operation    Operation
	OpID         string
	OpStartedAt  *time.Time
	DesiredState DesiredState
	ArchiveKey   string

	ObservedAt     *time.Time
	LastAccessAt   *time.Time
	PhaseChangedAt *time.Time

	ErrorReason ErrorReason
	ErrorCount  int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ArchiveObjectName is the fixed object name of a home archive. A companion
// "<name>.meta" sibling holds the literal ASCII text "sha256:<hex>" of the
// archive body.
const ArchiveObjectName = "home.tar.zst"

// ArchiveKey builds the canonical object-store key for an archive produced by
// the given operation. Once written for a completed archive operation the key
// is never rewritten under the same opID.
func ArchiveKey(clusterID, workspaceID, opID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", clusterID, workspaceID, opID, ArchiveObjectName)
}

// ParseArchiveKey splits a canonical archive key back into its parts. ok is
// false for keys that do not match the {cluster}/{workspace}/{op}/name shape.
func ParseArchiveKey(key string) (clusterID, workspaceID, opID string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != ArchiveObjectName {
		return "", "", "", false
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Projection is the minimal workspace view streamed to UIs.
type Projection struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Phase       Phase       `json:"phase"`
	Operation   Operation   `json:"operation"`
	ErrorReason ErrorReason `json:"error_reason,omitempty"`
	ArchiveKey  string      `json:"archive_key,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
