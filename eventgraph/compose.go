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

package eventgraph

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/eventgraph/authrules"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
	"github.com/tapestryhq/tapestry/wire"
)

// CreateChannel authors a new locally-resident channel: the create
// event, the creator's join, and the initial power levels, each signed
// with this server's key and offered through the normal pipeline
func (m *Manager) CreateChannel(
	ctx context.Context,
	creator identifier.User,
	version string,
) (identifier.Channel, error) {
	if version == "" {
		version = authrules.DefaultVersion
	}
	rules, err := authrules.ForVersion(version)
	if err != nil {
		return "", err
	}
	opaque := make([]byte, 16)
	if _, err := rand.Read(opaque); err != nil {
		return "", fmt.Errorf("generate channel id: %w", err)
	}
	channelID := identifier.Channel(fmt.Sprintf(
		"!%s:%s",
		base64.RawURLEncoding.EncodeToString(opaque),
		m.cfg.ServerName,
	))

	emptyKey := ""
	v, err := m.offerComposed(
		ctx,
		channelID,
		creator,
		wire.TypeCreate,
		&emptyKey,
		wire.CreateContent{Creator: creator, Version: version},
		nil,
		1,
	)
	if err != nil {
		return "", err
	}
	if !v.Accepted() {
		return "", fmt.Errorf("create event rejected: %s", v.Reason)
	}

	v, err = m.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMember,
		ptr(string(creator)),
		wire.MemberContent{Membership: wire.MembershipJoin},
	)
	if err != nil {
		return "", fmt.Errorf("creator join: %w", err)
	}
	if !v.Accepted() {
		return "", fmt.Errorf("creator join rejected: %s", v.Reason)
	}
	v, err = m.Append(
		ctx,
		channelID,
		creator,
		wire.TypePowerLevels,
		&emptyKey,
		rules.DefaultPowers(creator),
	)
	if err != nil {
		return "", fmt.Errorf("initial power levels: %w", err)
	}
	if !v.Accepted() {
		return "", fmt.Errorf("initial power levels rejected: %s", v.Reason)
	}
	return channelID, nil
}

// Append authors one event on top of the channel's current heads and
// offers it. The returned verdict may still be a denial; callers decide
// whether that is an error.
func (m *Manager) Append(
	ctx context.Context,
	channelID identifier.Channel,
	sender identifier.User,
	eventType string,
	stateKey *string,
	content any,
) (*Verdict, error) {
	var (
		prevs []identifier.Event
		depth int64
	)
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		if err != nil {
			return err
		}
		heads, err := txn.ForwardExtremities(ch.ID)
		if err != nil {
			return err
		}
		rows, err := txn.Events(heads)
		if err != nil {
			return err
		}
		for _, row := range rows {
			prevs = append(prevs, identifier.Event(row.EventID))
			if row.Depth > depth {
				depth = row.Depth
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", channelID, err)
	}
	v, err := m.offerComposed(
		ctx,
		channelID,
		sender,
		eventType,
		stateKey,
		content,
		prevs,
		depth+1,
	)
	if err != nil {
		return nil, err
	}
	if v.Accepted() {
		return v, nil
	}
	if !v.Valid {
		return v, fmt.Errorf("composed event invalid: %s", v.Reason)
	}
	return v, nil
}

// offerComposed assembles the wire form of a locally-authored event,
// finalizes it (hash then sign), and offers it
func (m *Manager) offerComposed(
	ctx context.Context,
	channelID identifier.Channel,
	sender identifier.User,
	eventType string,
	stateKey *string,
	content any,
	prevs []identifier.Event,
	depth int64,
) (*Verdict, error) {
	if m.cfg.KeyPair == nil {
		return nil, fmt.Errorf("no signing key configured")
	}
	if prevs == nil {
		prevs = []identifier.Event{}
	}
	doc := map[string]any{
		"type":          eventType,
		"sender":        sender,
		"channel_id":    channelID,
		"prev_events":   prevs,
		"depth":         depth,
		"content":       content,
		"origin_server": m.cfg.ServerName,
		"origin_ts":     time.Now().UnixMilli(),
	}
	if stateKey != nil {
		doc["state_key"] = *stateKey
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	signed, err := signing.Finalize(m.cfg.KeyPair, raw)
	if err != nil {
		return nil, fmt.Errorf("finalize event: %w", err)
	}
	return m.Offer(ctx, signed)
}

func ptr(s string) *string {
	return &s
}
