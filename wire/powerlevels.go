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

package wire

import (
	"github.com/tapestryhq/tapestry/identifier"
)

// Default thresholds used when a channel has no power-levels event or
// the event omits a field
const (
	DefaultUserPower  = int64(0)
	DefaultEventPower = int64(0)
	DefaultStatePower = int64(50)
	DefaultBanPower   = int64(50)
	DefaultKickPower  = int64(50)
	CreatorPower      = int64(100)
)

// PowerLevels is the content of a channel.power_levels event: per-user
// authority values plus per-action thresholds. Pointer fields
// distinguish "omitted" from an explicit zero.
type PowerLevels struct {
	Users         map[identifier.User]int64 `json:"users,omitempty"`
	Events        map[string]int64          `json:"events,omitempty"`
	UsersDefault  *int64                    `json:"users_default,omitempty"`
	EventsDefault *int64                    `json:"events_default,omitempty"`
	StateDefault  *int64                    `json:"state_default,omitempty"`
	Invite        *int64                    `json:"invite,omitempty"`
	Kick          *int64                    `json:"kick,omitempty"`
	Ban           *int64                    `json:"ban,omitempty"`
}

// UserPower returns the authority value for a user
func (p *PowerLevels) UserPower(user identifier.User) int64 {
	if p != nil {
		if power, ok := p.Users[user]; ok {
			return power
		}
	}
	return p.UsersDefaultValue()
}

// EventPower returns the threshold required to send an event of the
// given type, falling back to the state or message default
func (p *PowerLevels) EventPower(eventType string, isState bool) int64 {
	if p != nil {
		if power, ok := p.Events[eventType]; ok {
			return power
		}
	}
	if isState {
		return p.StateDefaultValue()
	}
	return p.EventsDefaultValue()
}

func (p *PowerLevels) UsersDefaultValue() int64 {
	if p != nil && p.UsersDefault != nil {
		return *p.UsersDefault
	}
	return DefaultUserPower
}

func (p *PowerLevels) EventsDefaultValue() int64 {
	if p != nil && p.EventsDefault != nil {
		return *p.EventsDefault
	}
	return DefaultEventPower
}

func (p *PowerLevels) StateDefaultValue() int64 {
	if p != nil && p.StateDefault != nil {
		return *p.StateDefault
	}
	return DefaultStatePower
}

// InviteValue defaults to the user default when unset
func (p *PowerLevels) InviteValue() int64 {
	if p != nil && p.Invite != nil {
		return *p.Invite
	}
	return p.UsersDefaultValue()
}

func (p *PowerLevels) KickValue() int64 {
	if p != nil && p.Kick != nil {
		return *p.Kick
	}
	return DefaultKickPower
}

func (p *PowerLevels) BanValue() int64 {
	if p != nil && p.Ban != nil {
		return *p.Ban
	}
	return DefaultBanPower
}

// MaxGranted returns the highest power value appearing anywhere in the
// content. Used to stop a sender granting more authority than they hold.
func (p *PowerLevels) MaxGranted() int64 {
	maxPower := int64(0)
	check := func(v int64) {
		if v > maxPower {
			maxPower = v
		}
	}
	if p == nil {
		return maxPower
	}
	for _, v := range p.Users {
		check(v)
	}
	for _, v := range p.Events {
		check(v)
	}
	for _, v := range []*int64{
		p.UsersDefault,
		p.EventsDefault,
		p.StateDefault,
		p.Invite,
		p.Kick,
		p.Ban,
	} {
		if v != nil {
			check(*v)
		}
	}
	return maxPower
}
