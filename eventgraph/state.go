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
	"fmt"
	"maps"
	"sort"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/database/models"
	"github.com/tapestryhq/tapestry/eventgraph/authrules"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/wire"
)

// stateSlot addresses one (type, scope) entry of the channel state
type stateSlot struct {
	EventType string
	StateKey  string
}

// channelState is an immutable resolved snapshot of a channel's state:
// the winning event per slot plus the parsed views the authorization
// rules evaluate against. A nil or zero channelState describes a channel
// before its create event.
type channelState struct {
	entries     map[stateSlot]identifier.Event
	creator     identifier.User
	powerLevels *wire.PowerLevels
	memberships map[identifier.User]string
	joinRule    string
	hasCreate   bool
}

func emptyState() *channelState {
	return &channelState{
		entries:     make(map[stateSlot]identifier.Event),
		memberships: make(map[identifier.User]string),
	}
}

func (s *channelState) HasCreate() bool          { return s.hasCreate }
func (s *channelState) Creator() identifier.User { return s.creator }
func (s *channelState) JoinRule() string         { return s.joinRule }

func (s *channelState) PowerLevels() *wire.PowerLevels {
	return s.powerLevels
}

func (s *channelState) Membership(user identifier.User) string {
	return s.memberships[user]
}

var _ authrules.StateView = (*channelState)(nil)

// fold updates the parsed views with one winning state event
func (s *channelState) fold(p *wire.Payload) error {
	switch p.Type {
	case wire.TypeCreate:
		content, err := p.CreateContent()
		if err != nil {
			return err
		}
		s.hasCreate = true
		s.creator = content.Creator
	case wire.TypeMember:
		content, err := p.MemberContent()
		if err != nil {
			return err
		}
		s.memberships[identifier.User(p.StateKeyValue())] = content.Membership
	case wire.TypePowerLevels:
		content, err := p.PowerLevelsContent()
		if err != nil {
			return err
		}
		s.powerLevels = content
	case wire.TypeJoinRules:
		content, err := p.JoinRulesContent()
		if err != nil {
			return err
		}
		s.joinRule = content.JoinRule
	}
	return nil
}

// apply derives the post-state of a state event: the pre-state with the
// event's slot overwritten. The receiver is not modified.
func (s *channelState) apply(
	p *wire.Payload,
	eventID identifier.Event,
) (*channelState, error) {
	next := &channelState{
		entries:     maps.Clone(s.entries),
		creator:     s.creator,
		powerLevels: s.powerLevels,
		memberships: maps.Clone(s.memberships),
		joinRule:    s.joinRule,
		hasCreate:   s.hasCreate,
	}
	next.entries[stateSlot{
		EventType: p.Type,
		StateKey:  p.StateKeyValue(),
	}] = eventID
	if err := next.fold(p); err != nil {
		return nil, err
	}
	return next, nil
}

// modelEntries renders the state as snapshot rows, sorted for
// deterministic persistence
func (s *channelState) modelEntries() []models.StateEntry {
	entries := make([]models.StateEntry, 0, len(s.entries))
	for slot, eventID := range s.entries {
		entries = append(entries, models.StateEntry{
			EventType: slot.EventType,
			StateKey:  slot.StateKey,
			EventID:   string(eventID),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EventType != entries[j].EventType {
			return entries[i].EventType < entries[j].EventType
		}
		return entries[i].StateKey < entries[j].StateKey
	})
	return entries
}

// stateFromEntries reconstructs a resolved state from slot assignments,
// parsing each winning event's stored payload
func stateFromEntries(
	txn *database.Txn,
	entries map[stateSlot]identifier.Event,
) (*channelState, error) {
	s := emptyState()
	s.entries = entries
	// Fold in slot order so repeated loads are deterministic; slots are
	// disjoint so the order only matters for error reporting
	slots := make([]stateSlot, 0, len(entries))
	for slot := range entries {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].EventType != slots[j].EventType {
			return slots[i].EventType < slots[j].EventType
		}
		return slots[i].StateKey < slots[j].StateKey
	})
	for _, slot := range slots {
		eventID := entries[slot]
		raw, err := txn.EventJSON(string(eventID))
		if err != nil {
			return nil, fmt.Errorf("load state event %s: %w", eventID, err)
		}
		p, err := wire.ParsePayload(raw)
		if err != nil {
			return nil, fmt.Errorf("parse state event %s: %w", eventID, err)
		}
		if err := s.fold(p); err != nil {
			return nil, fmt.Errorf("fold state event %s: %w", eventID, err)
		}
	}
	return s, nil
}

// loadState reconstructs the resolved state stored under a snapshot ID
func loadState(
	txn *database.Txn,
	snapshotID uint,
) (*channelState, error) {
	rows, err := txn.SnapshotEntries(snapshotID)
	if err != nil {
		return nil, err
	}
	entries := make(map[stateSlot]identifier.Event, len(rows))
	for _, row := range rows {
		entries[stateSlot{
			EventType: row.EventType,
			StateKey:  row.StateKey,
		}] = identifier.Event(row.EventID)
	}
	return stateFromEntries(txn, entries)
}

// mergeStates resolves the pre-state of an event with multiple parent
// snapshots. Per slot, the winning event is the one whose sender holds
// the highest authority in its own branch, ties broken by greater depth
// and then by lexicographically greater event ID. This is a slot-local
// "authority wins, latest wins" rule, not a DAG-wide consensus.
func mergeStates(
	txn *database.Txn,
	states []*channelState,
) (*channelState, error) {
	if len(states) == 1 {
		return states[0], nil
	}
	winners := make(map[stateSlot]stateCandidate)
	for _, state := range states {
		for slot, eventID := range state.entries {
			current, contested := winners[slot]
			if contested && current.eventID == eventID {
				continue
			}
			row, err := txn.Event(string(eventID))
			if err != nil {
				return nil, fmt.Errorf(
					"resolve state event %s: %w",
					eventID,
					err,
				)
			}
			cand := stateCandidate{
				eventID: eventID,
				power: authrules.SenderPower(
					state,
					identifier.User(row.Sender),
				),
				depth: row.Depth,
			}
			if !contested || current.less(cand) {
				winners[slot] = cand
			}
		}
	}
	entries := make(map[stateSlot]identifier.Event, len(winners))
	for slot, cand := range winners {
		entries[slot] = cand.eventID
	}
	return stateFromEntries(txn, entries)
}

// stateCandidate ranks one contender for a contested state slot
type stateCandidate struct {
	eventID identifier.Event
	power   int64
	depth   int64
}

func (c stateCandidate) less(other stateCandidate) bool {
	if c.power != other.power {
		return c.power < other.power
	}
	if c.depth != other.depth {
		return c.depth < other.depth
	}
	return c.eventID < other.eventID
}
