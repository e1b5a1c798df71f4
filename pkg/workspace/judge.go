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

// Verdict is the output of Judge: the derived phase, whether the workspace is
// in a healthy configuration, and the error reason when it is not.
type Verdict struct {
	Phase   Phase
	Healthy bool
	Reason  ErrorReason
}

// Judge derives the workspace phase from its resource conditions and soft
// delete marker. It is pure and total: the single source of truth for phase.
//
// Priority order, strict:
//  1. deleted_at set: DELETING while any resource remains, DELETED otherwise.
//  2. container without volume is a fatal configuration: ERROR.
//  3. highest available resource wins: container+volume RUNNING,
//     volume STANDBY, archive ARCHIVED, nothing PENDING.
func Judge(conds Conditions, deletedAt *time.Time) Verdict {
	container := conds.IsTrue(CondContainerReady)
	volume := conds.IsTrue(CondVolumeReady)
	archive := conds.IsTrue(CondArchiveReady)

	if deletedAt != nil {
		if container || volume || archive {
			return Verdict{Phase: PhaseDeleting, Healthy: true}
		}
		return Verdict{Phase: PhaseDeleted, Healthy: true}
	}

	if container && !volume {
		return Verdict{Phase: PhaseError, Healthy: false, Reason: ReasonContainerWithoutVolume}
	}

	switch {
	case container && volume:
		return Verdict{Phase: PhaseRunning, Healthy: true}
	case volume:
		return Verdict{Phase: PhaseStandby, Healthy: true}
	case archive:
		return Verdict{Phase: PhaseArchived, Healthy: true}
	default:
		return Verdict{Phase: PhasePending, Healthy: true}
	}
}
