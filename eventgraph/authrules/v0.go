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

package authrules

import (
	"encoding/base64"

	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
	"github.com/tapestryhq/tapestry/wire"
)

// rulesV0 is the baseline rule set
type rulesV0 struct{}

func (rulesV0) Version() string { return VersionV0 }

func (rulesV0) Validate(p *wire.Payload) error {
	return validateCommon(p)
}

func (rulesV0) Authorize(state StateView, p *wire.Payload) error {
	return authorizeCommon(state, p)
}

// EventID for v0 is derived from the content hash and qualified with
// the authoring server's domain
func (rulesV0) EventID(
	eventJSON []byte,
	domain string,
) (identifier.Event, error) {
	digest, err := signing.ContentHash(eventJSON)
	if err != nil {
		return "", err
	}
	id := "$" + base64.RawURLEncoding.EncodeToString(digest) + ":" + domain
	return identifier.Event(id), nil
}

func (rulesV0) DefaultPowers(creator identifier.User) *wire.PowerLevels {
	return defaultPowersCommon(creator)
}

func defaultPowersCommon(creator identifier.User) *wire.PowerLevels {
	return &wire.PowerLevels{
		Users: map[identifier.User]int64{
			creator: wire.CreatorPower,
		},
	}
}

func validateCommon(p *wire.Payload) error {
	if p.Type == "" {
		return invalidf("missing type")
	}
	if !p.Sender.Valid() {
		return invalidf("malformed sender %q", p.Sender)
	}
	if !p.ChannelID.Valid() {
		return invalidf("malformed channel id %q", p.ChannelID)
	}
	if p.Content == nil {
		return invalidf("missing content")
	}
	if p.Depth < 1 {
		return invalidf("depth %d below minimum", p.Depth)
	}
	for _, prev := range p.PrevEvents {
		if !prev.Valid() {
			return invalidf("malformed prev_events entry %q", prev)
		}
	}
	switch p.Type {
	case wire.TypeCreate:
		if len(p.PrevEvents) != 0 {
			return invalidf("create event must not reference prev_events")
		}
		if p.StateKeyValue() != "" {
			return invalidf("create event must have an empty state key")
		}
		content, err := p.CreateContent()
		if err != nil {
			return invalidf("%v", err)
		}
		if content.Creator != p.Sender {
			return invalidf("create event creator must match sender")
		}
		if _, err := ForVersion(content.Version); err != nil {
			return invalidf("unsupported channel version %q", content.Version)
		}
	case wire.TypeMember:
		if p.StateKey == nil {
			return invalidf("member event missing state key")
		}
		if _, err := identifier.ParseUser(*p.StateKey); err != nil {
			return invalidf("member event state key is not a user id")
		}
		if _, err := p.MemberContent(); err != nil {
			return invalidf("%v", err)
		}
	case wire.TypePowerLevels:
		if p.StateKeyValue() != "" {
			return invalidf("power_levels event must have an empty state key")
		}
		if _, err := p.PowerLevelsContent(); err != nil {
			return invalidf("%v", err)
		}
	case wire.TypeJoinRules:
		if p.StateKeyValue() != "" {
			return invalidf("join_rules event must have an empty state key")
		}
		if _, err := p.JoinRulesContent(); err != nil {
			return invalidf("%v", err)
		}
	case wire.TypeAliases:
		if p.StateKey == nil || *p.StateKey == "" {
			return invalidf("aliases event must be scoped to a server name")
		}
		if _, err := p.AliasesContent(); err != nil {
			return invalidf("%v", err)
		}
	}
	// Non-create events need at least one DAG parent
	if p.Type != wire.TypeCreate && len(p.PrevEvents) == 0 {
		return invalidf("event must reference prev_events")
	}
	return nil
}

func authorizeCommon(state StateView, p *wire.Payload) error {
	// A create event is only admissible as the channel's first event
	if p.Type == wire.TypeCreate {
		if state.HasCreate() {
			return denyf("channel already exists")
		}
		return nil
	}
	if !state.HasCreate() {
		return denyf("channel has no create event")
	}
	if p.Type == wire.TypeMember {
		return authorizeMember(state, p)
	}
	senderPower := SenderPower(state, p.Sender)
	if state.Membership(p.Sender) != wire.MembershipJoin {
		return denyf("sender %s is not joined to the channel", p.Sender)
	}
	if p.Type == wire.TypePowerLevels {
		return authorizePowerLevels(state, p, senderPower)
	}
	required := state.PowerLevels().EventPower(p.Type, p.IsState())
	if senderPower < required {
		return denyf(
			"sender power %d below required %d for %s",
			senderPower,
			required,
			p.Type,
		)
	}
	return nil
}

func authorizeMember(state StateView, p *wire.Payload) error {
	content, err := p.MemberContent()
	if err != nil {
		return invalidf("%v", err)
	}
	target := identifier.User(*p.StateKey)
	senderPower := SenderPower(state, p.Sender)
	targetPower := SenderPower(state, target)
	pl := state.PowerLevels()

	switch content.Membership {
	case wire.MembershipJoin:
		// Joins are always self-scoped
		if target != p.Sender {
			return denyf("cannot join on behalf of another user")
		}
		switch state.Membership(p.Sender) {
		case wire.MembershipBan:
			return denyf("sender is banned from the channel")
		case wire.MembershipJoin:
			// Re-join is a no-op membership-wise but still allowed
			return nil
		case wire.MembershipInvite:
			return nil
		}
		// The creator's own join bootstraps the channel before any
		// invite or join rule exists
		if p.Sender == state.Creator() {
			return nil
		}
		if state.JoinRule() == wire.JoinRulePublic {
			return nil
		}
		return denyf("channel is not public and sender has no invite")
	case wire.MembershipInvite:
		if state.Membership(p.Sender) != wire.MembershipJoin {
			return denyf("inviter is not joined to the channel")
		}
		switch state.Membership(target) {
		case wire.MembershipJoin:
			return denyf("target is already joined")
		case wire.MembershipBan:
			return denyf("target is banned from the channel")
		}
		if senderPower < pl.InviteValue() {
			return denyf(
				"sender power %d below invite threshold %d",
				senderPower,
				pl.InviteValue(),
			)
		}
		return nil
	case wire.MembershipLeave:
		if target == p.Sender {
			// Leaving is always allowed for self
			return nil
		}
		// A leave for someone else is a kick
		if state.Membership(p.Sender) != wire.MembershipJoin {
			return denyf("kicker is not joined to the channel")
		}
		if senderPower < pl.KickValue() {
			return denyf(
				"sender power %d below kick threshold %d",
				senderPower,
				pl.KickValue(),
			)
		}
		if senderPower < targetPower {
			return denyf(
				"sender power %d below target power %d",
				senderPower,
				targetPower,
			)
		}
		return nil
	case wire.MembershipBan:
		if state.Membership(p.Sender) != wire.MembershipJoin {
			return denyf("sender is not joined to the channel")
		}
		if senderPower < pl.BanValue() {
			return denyf(
				"sender power %d below ban threshold %d",
				senderPower,
				pl.BanValue(),
			)
		}
		if senderPower < targetPower {
			return denyf(
				"sender power %d below target power %d",
				senderPower,
				targetPower,
			)
		}
		return nil
	default:
		return invalidf("unknown membership %q", content.Membership)
	}
}

// authorizePowerLevels stops privilege escalation: a sender may neither
// grant nor revoke authority above their own
func authorizePowerLevels(
	state StateView,
	p *wire.Payload,
	senderPower int64,
) error {
	newContent, err := p.PowerLevelsContent()
	if err != nil {
		return invalidf("%v", err)
	}
	required := state.PowerLevels().
		EventPower(wire.TypePowerLevels, true)
	if senderPower < required {
		return denyf(
			"sender power %d below required %d for %s",
			senderPower,
			required,
			wire.TypePowerLevels,
		)
	}
	if granted := newContent.MaxGranted(); granted > senderPower {
		return denyf(
			"cannot grant power %d above own power %d",
			granted,
			senderPower,
		)
	}
	// Revocations: lowering or removing a user's existing value
	// requires at least that much authority
	if old := state.PowerLevels(); old != nil {
		for user, oldPower := range old.Users {
			newPower, ok := newContent.Users[user]
			if ok && newPower == oldPower {
				continue
			}
			if oldPower > senderPower {
				return denyf(
					"cannot revoke power %d above own power %d",
					oldPower,
					senderPower,
				)
			}
		}
	}
	return nil
}
