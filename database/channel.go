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
	"gorm.io/gorm/clause"

	"github.com/tapestryhq/tapestry/database/models"
)

// CreateChannel inserts a new channel row
func (t *Txn) CreateChannel(
	channelID, originServer, version string,
) (*models.Channel, error) {
	ch := &models.Channel{
		ChannelID:    channelID,
		OriginServer: originServer,
		Version:      version,
	}
	if result := t.metadata.Create(ch); result.Error != nil {
		return nil, mapError(result.Error)
	}
	return ch, nil
}

// Channel looks up a channel by its federated identifier
func (t *Txn) Channel(channelID string) (*models.Channel, error) {
	var ch models.Channel
	result := t.metadata.First(&ch, "channel_id = ?", channelID)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return &ch, nil
}

// Channels returns all locally-known channels
func (t *Txn) Channels() ([]models.Channel, error) {
	var chans []models.Channel
	if result := t.metadata.Find(&chans); result.Error != nil {
		return nil, mapError(result.Error)
	}
	return chans, nil
}

// ForwardExtremities returns the channel's current DAG heads
func (t *Txn) ForwardExtremities(channelLocalID uint) ([]string, error) {
	return t.extremityIDs(&models.ForwardExtremity{}, channelLocalID)
}

// BackwardExtremities returns event IDs with known-missing ancestors
func (t *Txn) BackwardExtremities(channelLocalID uint) ([]string, error) {
	return t.extremityIDs(&models.BackwardExtremity{}, channelLocalID)
}

func (t *Txn) extremityIDs(model any, channelLocalID uint) ([]string, error) {
	var eventIDs []string
	result := t.metadata.Model(model).
		Where("channel_local_id = ?", channelLocalID).
		Order("event_id").
		Pluck("event_id", &eventIDs)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return eventIDs, nil
}

// AddForwardExtremity records an event as a DAG head. Adding an
// existing head is a no-op.
func (t *Txn) AddForwardExtremity(channelLocalID uint, eventID string) error {
	result := t.metadata.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ForwardExtremity{
			ChannelLocalID: channelLocalID,
			EventID:        eventID,
		})
	return mapError(result.Error)
}

// RemoveForwardExtremity removes an event from the DAG heads
func (t *Txn) RemoveForwardExtremity(
	channelLocalID uint,
	eventID string,
) error {
	result := t.metadata.
		Where("channel_local_id = ? AND event_id = ?", channelLocalID, eventID).
		Delete(&models.ForwardExtremity{})
	return mapError(result.Error)
}

// AddBackwardExtremity registers an event as having missing ancestors
func (t *Txn) AddBackwardExtremity(channelLocalID uint, eventID string) error {
	result := t.metadata.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.BackwardExtremity{
			ChannelLocalID: channelLocalID,
			EventID:        eventID,
		})
	return mapError(result.Error)
}

// RemoveBackwardExtremity clears a filled gap
func (t *Txn) RemoveBackwardExtremity(
	channelLocalID uint,
	eventID string,
) error {
	result := t.metadata.
		Where("channel_local_id = ? AND event_id = ?", channelLocalID, eventID).
		Delete(&models.BackwardExtremity{})
	return mapError(result.Error)
}

// SetMembership upserts the membership index entry for a user
func (t *Txn) SetMembership(
	channelLocalID uint,
	userID, serverName, membership string,
) error {
	result := t.metadata.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "channel_local_id"},
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns(
			[]string{"server_name", "membership"},
		),
	}).Create(&models.Membership{
		ChannelLocalID: channelLocalID,
		UserID:         userID,
		ServerName:     serverName,
		Membership:     membership,
	})
	return mapError(result.Error)
}

// Membership returns the current membership value for a user, or
// ErrNotFound if the user has never had one
func (t *Txn) Membership(
	channelLocalID uint,
	userID string,
) (string, error) {
	var row models.Membership
	result := t.metadata.First(
		&row,
		"channel_local_id = ? AND user_id = ?",
		channelLocalID,
		userID,
	)
	if result.Error != nil {
		return "", mapError(result.Error)
	}
	return row.Membership, nil
}

// OtherServers returns every server with at least one non-left member
// in the channel, excluding the named server
func (t *Txn) OtherServers(
	channelLocalID uint,
	excludeServer string,
) ([]string, error) {
	var servers []string
	result := t.metadata.Model(&models.Membership{}).
		Distinct("server_name").
		Where(
			"channel_local_id = ? AND membership IN ? AND server_name <> ?",
			channelLocalID,
			[]string{"join", "invite"},
			excludeServer,
		).
		Order("server_name").
		Pluck("server_name", &servers)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return servers, nil
}
