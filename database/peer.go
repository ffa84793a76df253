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

// Peer returns the contact record for a remote server
func (t *Txn) Peer(serverName string) (*models.Peer, error) {
	var row models.Peer
	result := t.metadata.First(&row, "server_name = ?", serverName)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return &row, nil
}

// UpsertPeer stores the contact record for a remote server
func (t *Txn) UpsertPeer(peer *models.Peer) error {
	result := t.metadata.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "server_name"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"last_attempt", "last_success", "wait_interval_ms"},
		),
	}).Create(peer)
	return mapError(result.Error)
}

// AddServerKey caches a remote server's public signing key
func (t *Txn) AddServerKey(serverName, keyID string, publicKey []byte) error {
	result := t.metadata.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "server_name"},
			{Name: "key_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"public_key"}),
	}).Create(&models.ServerKey{
		ServerName: serverName,
		KeyID:      keyID,
		PublicKey:  publicKey,
	})
	return mapError(result.Error)
}

// ServerKeys returns all cached signing keys, optionally filtered to a
// single server when serverName is non-empty
func (t *Txn) ServerKeys(serverName string) ([]models.ServerKey, error) {
	var keys []models.ServerKey
	query := t.metadata.Model(&models.ServerKey{})
	if serverName != "" {
		query = query.Where("server_name = ?", serverName)
	}
	if result := query.Find(&keys); result.Error != nil {
		return nil, mapError(result.Error)
	}
	return keys, nil
}
