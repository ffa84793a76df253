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

// ReplaceAliases replaces the alias set one server publishes for a
// channel
func (t *Txn) ReplaceAliases(
	channelID, serverName string,
	aliases []string,
) error {
	result := t.metadata.
		Where("channel_id = ? AND server_name = ?", channelID, serverName).
		Delete(&models.Alias{})
	if result.Error != nil {
		return mapError(result.Error)
	}
	for _, alias := range aliases {
		row := models.Alias{
			Alias:      alias,
			ChannelID:  channelID,
			ServerName: serverName,
		}
		if result := t.metadata.Create(&row); result.Error != nil {
			return mapError(result.Error)
		}
	}
	return nil
}

// LookupAlias resolves an alias to its channel identifier
func (t *Txn) LookupAlias(alias string) (string, error) {
	var row models.Alias
	result := t.metadata.First(&row, "alias = ?", alias)
	if result.Error != nil {
		return "", mapError(result.Error)
	}
	return row.ChannelID, nil
}

// ChannelAliases returns every alias known for a channel
func (t *Txn) ChannelAliases(channelID string) ([]string, error) {
	var aliases []string
	result := t.metadata.Model(&models.Alias{}).
		Where("channel_id = ?", channelID).
		Order("alias").
		Pluck("alias", &aliases)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return aliases, nil
}
