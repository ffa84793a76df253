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

// Package authrules implements the versioned channel authorization
// algorithm: pure functions of (pre-state, candidate event) addressed
// by the version string carried in the channel's creation event, so
// multiple rule sets can coexist without breaking old channels.
package authrules

import (
	"errors"
	"fmt"

	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/wire"
)

// Known rule-set versions. Version 1 differs from the baseline only in
// event ID construction (no domain suffix).
const (
	VersionV0 = "0"
	VersionV1 = "1"
)

// DefaultVersion is used for newly created channels when the creator
// does not request one
const DefaultVersion = VersionV1

var ErrUnknownVersion = errors.New("unknown rule-set version")

// ValidationError reports a structural/schema failure, independent of
// state. It maps to valid=false on the event's verdict.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Reason
}

// DenialError reports a policy denial from a well-formed event. It maps
// to valid=true, authorized=false on the event's verdict.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return "event denied: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func denyf(format string, args ...any) error {
	return &DenialError{Reason: fmt.Sprintf(format, args...)}
}

// StateView is the resolved pre-state a rule set evaluates an event
// against
type StateView interface {
	// HasCreate reports whether the channel's creation event is part of
	// the state
	HasCreate() bool
	// Creator returns the channel creator, or "" before creation
	Creator() identifier.User
	// PowerLevels returns the current power-levels content, or nil if
	// the channel has none yet
	PowerLevels() *wire.PowerLevels
	// Membership returns the current membership value for a user, or ""
	// if the user has none
	Membership(user identifier.User) string
	// JoinRule returns the channel's current join rule, or "" if unset
	JoinRule() string
}

// RuleSet is one version of the authorization algorithm
type RuleSet interface {
	// Version returns the rule-set version string
	Version() string
	// Validate performs structural checks independent of state. A
	// failure is returned as a ValidationError.
	Validate(p *wire.Payload) error
	// Authorize decides whether the resolved pre-state admits the
	// event. A nil return means allowed; denials are DenialErrors.
	Authorize(state StateView, p *wire.Payload) error
	// EventID deterministically constructs the event's identifier from
	// its signable content, scoped to the authoring server's domain
	EventID(eventJSON []byte, domain string) (identifier.Event, error)
	// DefaultPowers returns the initial power-level content for a
	// freshly created channel
	DefaultPowers(creator identifier.User) *wire.PowerLevels
}

// ForVersion returns the rule set for a version string. The set of
// versions is closed; unknown versions are an error so that a channel
// created by a newer server is never misinterpreted.
func ForVersion(version string) (RuleSet, error) {
	switch version {
	case VersionV0:
		return rulesV0{}, nil
	case VersionV1:
		return rulesV1{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
}

// SupportedVersions lists the rule-set versions this server can host
func SupportedVersions() []string {
	return []string{VersionV0, VersionV1}
}

// SenderPower resolves a user's authority: an explicit power-levels
// entry wins; without any power-levels event the creator holds maximum
// power and everyone else the user default.
func SenderPower(state StateView, user identifier.User) int64 {
	if pl := state.PowerLevels(); pl != nil {
		return pl.UserPower(user)
	}
	if state.HasCreate() && state.Creator() == user {
		return wire.CreatorPower
	}
	return wire.DefaultUserPower
}
