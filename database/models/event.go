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

package models

// Event is the metadata row for one event. The row ID is the
// store-assigned local ID; it is unique per server and never
// transmitted. The raw signed JSON lives in the blob store keyed by
// EventID.
type Event struct {
	ID             uint    `gorm:"primarykey"`
	EventID        string  `gorm:"size:255;uniqueIndex;not null"`
	ChannelLocalID uint    `gorm:"index;not null"`
	EventType      string  `gorm:"size:255"`
	Sender         string  `gorm:"size:255"`
	StateKey       *string `gorm:"size:255"`
	Depth          int64
	OriginServer   string `gorm:"size:255"`
	// Post-state snapshot after this event was applied; nil until
	// processed or for events arriving ahead of their ancestors
	SnapshotID *uint
	// Meta flags: Present means the payload has been fetched/exists;
	// Processed means the event has passed through authorization. Valid
	// and Allowed are set exactly once when Processed flips to true.
	Present   bool
	Processed bool
	Valid     bool
	Allowed   bool
	Reason    string
}

func (Event) TableName() string {
	return "event"
}

// StateSnapshot identifies one immutable set of state entries: the
// channel's resolved state at a DAG position
type StateSnapshot struct {
	ID             uint `gorm:"primarykey"`
	ChannelLocalID uint `gorm:"index;not null"`
}

func (StateSnapshot) TableName() string {
	return "state_snapshot"
}

// StateEntry is one (type, scope) slot of a snapshot, pointing at the
// winning event
type StateEntry struct {
	ID         uint   `gorm:"primarykey"`
	SnapshotID uint   `gorm:"uniqueIndex:idx_state_entry,priority:1;not null"`
	EventType  string `gorm:"size:255;uniqueIndex:idx_state_entry,priority:2;not null"`
	StateKey   string `gorm:"size:255;uniqueIndex:idx_state_entry,priority:3;not null"`
	EventID    string `gorm:"size:255;not null"`
}

func (StateEntry) TableName() string {
	return "state_entry"
}
