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

// Channel is one replicated DAG instance. The row ID is the
// channel-local numeric ID used by other tables; it never leaves this
// server.
type Channel struct {
	ID           uint   `gorm:"primarykey"`
	ChannelID    string `gorm:"size:255;uniqueIndex;not null"`
	OriginServer string `gorm:"size:255;not null"`
	Version      string `gorm:"size:32;not null"`
}

func (Channel) TableName() string {
	return "channel"
}

// ForwardExtremity marks an event with no locally-known children; the
// DAG's current heads that new events must reference as prev_events
type ForwardExtremity struct {
	ID             uint   `gorm:"primarykey"`
	ChannelLocalID uint   `gorm:"uniqueIndex:idx_fwd_extremity,priority:1;not null"`
	EventID        string `gorm:"size:255;uniqueIndex:idx_fwd_extremity,priority:2;not null"`
}

func (ForwardExtremity) TableName() string {
	return "forward_extremity"
}

// BackwardExtremity marks an event whose ancestors are known to be
// missing locally; drives backfill
type BackwardExtremity struct {
	ID             uint   `gorm:"primarykey"`
	ChannelLocalID uint   `gorm:"uniqueIndex:idx_bwd_extremity,priority:1;not null"`
	EventID        string `gorm:"size:255;uniqueIndex:idx_bwd_extremity,priority:2;not null"`
}

func (BackwardExtremity) TableName() string {
	return "backward_extremity"
}

// Membership is a per-channel, per-user membership index maintained
// from accepted channel.member events so that the federation pusher can
// compute a channel's "other servers" set in one query
type Membership struct {
	ID             uint   `gorm:"primarykey"`
	ChannelLocalID uint   `gorm:"uniqueIndex:idx_membership,priority:1;not null"`
	UserID         string `gorm:"size:255;uniqueIndex:idx_membership,priority:2;not null"`
	ServerName     string `gorm:"size:255;index;not null"`
	Membership     string `gorm:"size:16;not null"`
}

func (Membership) TableName() string {
	return "membership"
}

// Alias maps a human-facing channel alias to a channel identifier
type Alias struct {
	ID         uint   `gorm:"primarykey"`
	Alias      string `gorm:"size:255;uniqueIndex;not null"`
	ChannelID  string `gorm:"size:255;index;not null"`
	ServerName string `gorm:"size:255;not null"`
}

func (Alias) TableName() string {
	return "alias"
}
