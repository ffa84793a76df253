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

// Package wire defines the common event shape shared between servers.
// Canonicalization and signing operate over the exact JSON bytes, so the
// parsed form always keeps a copy of the raw encoding alongside it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tapestryhq/tapestry/identifier"
)

// Event types with state semantics occupy a (type, state_key) slot in
// the channel state; everything else is a plain message event.
const (
	TypeCreate      = "channel.create"
	TypeMember      = "channel.member"
	TypePowerLevels = "channel.power_levels"
	TypeJoinRules   = "channel.join_rules"
	TypeAliases     = "channel.aliases"
	TypeMessage     = "channel.message"
)

// Membership values carried in channel.member content
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Join rules carried in channel.join_rules content
const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
)

var ErrMalformedEvent = errors.New("malformed event")

// Payload is the parsed wire form of an event. Raw holds the exact
// bytes the payload was parsed from; hashing and signature checks use
// Raw, never a re-encoding.
type Payload struct {
	Raw          json.RawMessage              `json:"-"`
	Type         string                       `json:"type"`
	Sender       identifier.User              `json:"sender"`
	StateKey     *string                      `json:"state_key,omitempty"`
	ChannelID    identifier.Channel           `json:"channel_id"`
	PrevEvents   []identifier.Event           `json:"prev_events"`
	Depth        int64                        `json:"depth"`
	Content      json.RawMessage              `json:"content"`
	OriginServer string                       `json:"origin_server"`
	OriginTS     int64                        `json:"origin_ts"`
	Hashes       map[string]string            `json:"hashes,omitempty"`
	Signatures   map[string]map[string]string `json:"signatures,omitempty"`
}

// ParsePayload parses raw event JSON into the common event shape
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	p.Raw = append(json.RawMessage(nil), raw...)
	return &p, nil
}

// IsState reports whether the event occupies a state slot
func (p *Payload) IsState() bool {
	return p.StateKey != nil
}

// StateKeyValue returns the state scope, or "" for non-state events
func (p *Payload) StateKeyValue() string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// CreateContent is the content of a channel.create event
type CreateContent struct {
	Creator identifier.User `json:"creator"`
	Version string          `json:"version"`
}

// MemberContent is the content of a channel.member event
type MemberContent struct {
	Membership string `json:"membership"`
}

// JoinRulesContent is the content of a channel.join_rules event
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

// AliasesContent is the content of a channel.aliases event. The state
// key scopes the list to the server publishing the aliases.
type AliasesContent struct {
	Aliases []identifier.Alias `json:"aliases"`
}

// CreateContent parses the event content as a channel.create body
func (p *Payload) CreateContent() (*CreateContent, error) {
	var c CreateContent
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return nil, fmt.Errorf("%w: create content: %v", ErrMalformedEvent, err)
	}
	return &c, nil
}

// MemberContent parses the event content as a channel.member body
func (p *Payload) MemberContent() (*MemberContent, error) {
	var c MemberContent
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return nil, fmt.Errorf("%w: member content: %v", ErrMalformedEvent, err)
	}
	switch c.Membership {
	case MembershipJoin, MembershipInvite, MembershipLeave, MembershipBan:
	default:
		return nil, fmt.Errorf(
			"%w: unknown membership %q",
			ErrMalformedEvent,
			c.Membership,
		)
	}
	return &c, nil
}

// JoinRulesContent parses the event content as a channel.join_rules body
func (p *Payload) JoinRulesContent() (*JoinRulesContent, error) {
	var c JoinRulesContent
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return nil, fmt.Errorf(
			"%w: join_rules content: %v",
			ErrMalformedEvent,
			err,
		)
	}
	return &c, nil
}

// AliasesContent parses the event content as a channel.aliases body
func (p *Payload) AliasesContent() (*AliasesContent, error) {
	var c AliasesContent
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return nil, fmt.Errorf(
			"%w: aliases content: %v",
			ErrMalformedEvent,
			err,
		)
	}
	return &c, nil
}

// PowerLevelsContent parses the event content as a channel.power_levels
// body
func (p *Payload) PowerLevelsContent() (*PowerLevels, error) {
	var c PowerLevels
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return nil, fmt.Errorf(
			"%w: power_levels content: %v",
			ErrMalformedEvent,
			err,
		)
	}
	return &c, nil
}
