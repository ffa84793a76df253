// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"github.com/tapestryhq/tapestry/database/models"
)

// CreateSnapshot persists an immutable state snapshot with its entries
// and returns the snapshot ID
func (t *Txn) CreateSnapshot(
	channelLocalID uint,
	entries []models.StateEntry,
) (uint, error) {
	snapshot := models.StateSnapshot{ChannelLocalID: channelLocalID}
	if result := t.metadata.Create(&snapshot); result.Error != nil {
		return 0, mapError(result.Error)
	}
	for i := range entries {
		entries[i].ID = 0
		entries[i].SnapshotID = snapshot.ID
	}
	if len(entries) > 0 {
		if result := t.metadata.Create(&entries); result.Error != nil {
			return 0, mapError(result.Error)
		}
	}
	return snapshot.ID, nil
}

// SnapshotEntries returns all state entries of a snapshot
func (t *Txn) SnapshotEntries(
	snapshotID uint,
) ([]models.StateEntry, error) {
	var entries []models.StateEntry
	result := t.metadata.
		Where("snapshot_id = ?", snapshotID).
		Order("event_type, state_key").
		Find(&entries)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return entries, nil
}
