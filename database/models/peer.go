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

// Peer records contact history for a remote server so that availability
// and backoff state survive a restart. WaitIntervalMs is 0 when the
// peer is healthy.
type Peer struct {
	ID             uint   `gorm:"primarykey"`
	ServerName     string `gorm:"size:255;uniqueIndex;not null"`
	LastAttempt    int64  // UnixMilli; 0 = never attempted
	LastSuccess    int64  // UnixMilli; 0 = never succeeded
	WaitIntervalMs int64
}

func (Peer) TableName() string {
	return "peer"
}

// ServerKey caches a remote server's public signing key for event
// verification
type ServerKey struct {
	ID         uint   `gorm:"primarykey"`
	ServerName string `gorm:"size:255;uniqueIndex:idx_server_key,priority:1;not null"`
	KeyID      string `gorm:"size:255;uniqueIndex:idx_server_key,priority:2;not null"`
	PublicKey  []byte `gorm:"not null"`
}

func (ServerKey) TableName() string {
	return "server_key"
}
