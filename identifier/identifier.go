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

package identifier

import (
	"errors"
	"fmt"
	"strings"
)

// Sigil prefixes for the federated namespace. Two identifiers are equal
// iff their encoded forms are byte-equal.
const (
	SigilUser    = '@'
	SigilChannel = '!'
	SigilEvent   = '$'
	SigilAlias   = '#'
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

// User is a fully-qualified user identifier (@localpart:domain)
type User string

// Channel is a fully-qualified channel identifier (!opaque:domain)
type Channel string

// Event is an event identifier ($opaque or $opaque:domain, depending on
// the channel's rule-set version)
type Event string

// Alias is a human-facing channel alias (#name:domain)
type Alias string

func (u User) String() string    { return string(u) }
func (c Channel) String() string { return string(c) }
func (e Event) String() string   { return string(e) }
func (a Alias) String() string   { return string(a) }

// Domain returns the server domain portion of the identifier
func (u User) Domain() string    { return domainOf(string(u)) }
func (c Channel) Domain() string { return domainOf(string(c)) }
func (a Alias) Domain() string   { return domainOf(string(a)) }

func (u User) Valid() bool    { return sigilValid(string(u), SigilUser, true) }
func (c Channel) Valid() bool { return sigilValid(string(c), SigilChannel, true) }
func (a Alias) Valid() bool   { return sigilValid(string(a), SigilAlias, true) }

// Valid reports whether the event identifier is well-formed. A domain
// suffix is optional since later rule-set versions omit it.
func (e Event) Valid() bool { return sigilValid(string(e), SigilEvent, false) }

// ParseUser parses and validates a user identifier
func ParseUser(s string) (User, error) {
	if !sigilValid(s, SigilUser, true) {
		return "", fmt.Errorf("%w: user %q", ErrInvalidIdentifier, s)
	}
	return User(s), nil
}

// ParseChannel parses and validates a channel identifier
func ParseChannel(s string) (Channel, error) {
	if !sigilValid(s, SigilChannel, true) {
		return "", fmt.Errorf("%w: channel %q", ErrInvalidIdentifier, s)
	}
	return Channel(s), nil
}

// ParseEvent parses and validates an event identifier
func ParseEvent(s string) (Event, error) {
	if !sigilValid(s, SigilEvent, false) {
		return "", fmt.Errorf("%w: event %q", ErrInvalidIdentifier, s)
	}
	return Event(s), nil
}

// ParseAlias parses and validates a channel alias
func ParseAlias(s string) (Alias, error) {
	if !sigilValid(s, SigilAlias, true) {
		return "", fmt.Errorf("%w: alias %q", ErrInvalidIdentifier, s)
	}
	return Alias(s), nil
}

func domainOf(s string) string {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ""
	}
	return s[idx+1:]
}

func sigilValid(s string, sigil byte, requireDomain bool) bool {
	if len(s) < 2 || s[0] != sigil {
		return false
	}
	idx := strings.IndexByte(s, ':')
	if requireDomain {
		// Need a non-empty localpart and a non-empty domain
		return idx > 1 && idx < len(s)-1
	}
	if idx < 0 {
		return true
	}
	return idx > 1 && idx < len(s)-1
}
