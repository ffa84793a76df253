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
	"errors"
	"fmt"
	"sort"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/wire"
)

// EventJSON returns the raw signed JSON of one processed event in a
// channel, or database.ErrNotFound
func (m *Manager) EventJSON(
	channelID identifier.Channel,
	eventID identifier.Event,
) ([]byte, error) {
	var raw []byte
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		if err != nil {
			return err
		}
		row, err := txn.Event(string(eventID))
		if err != nil {
			return err
		}
		if row.ChannelLocalID != ch.ID || !row.Present || !row.Processed {
			return database.ErrNotFound
		}
		raw, err = txn.EventJSON(string(eventID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ForwardExtremities returns the channel's current DAG heads
func (m *Manager) ForwardExtremities(
	channelID identifier.Channel,
) ([]identifier.Event, error) {
	return m.extremities(channelID, false)
}

// BackwardExtremities returns the channel's known gaps
func (m *Manager) BackwardExtremities(
	channelID identifier.Channel,
) ([]identifier.Event, error) {
	return m.extremities(channelID, true)
}

func (m *Manager) extremities(
	channelID identifier.Channel,
	backward bool,
) ([]identifier.Event, error) {
	var out []identifier.Event
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		if err != nil {
			return err
		}
		var ids []string
		if backward {
			ids, err = txn.BackwardExtremities(ch.ID)
		} else {
			ids, err = txn.ForwardExtremities(ch.ID)
		}
		if err != nil {
			return err
		}
		for _, id := range ids {
			out = append(out, identifier.Event(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OtherServers returns every remote server with at least one joined or
// invited member in the channel
func (m *Manager) OtherServers(
	channelID identifier.Channel,
) ([]string, error) {
	var servers []string
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		if err != nil {
			return err
		}
		servers, err = txn.OtherServers(ch.ID, m.cfg.ServerName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// MissingEvents walks the DAG backward from the latest frontier toward
// the earliest frontier and returns the processed events in between,
// ancestors first so the result can be replayed directly. A partial
// result is a normal outcome.
func (m *Manager) MissingEvents(
	channelID identifier.Channel,
	earliest, latest []identifier.Event,
	minDepth int64,
	limit int,
) ([][]byte, error) {
	return m.walkBackward(channelID, latest, earliest, minDepth, limit)
}

// Ancestors returns up to limit processed events at and behind the
// given frontier, ancestors first. Serves federation backfill: the
// result is bounded by the deepest frontier event's depth rather than
// link reachability, so concurrent branches below the frontier are
// served too.
func (m *Manager) Ancestors(
	channelID identifier.Channel,
	frontier []identifier.Event,
	limit int,
) ([][]byte, error) {
	if limit <= 0 || len(frontier) == 0 {
		return nil, nil
	}
	var out [][]byte
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		if err != nil {
			return err
		}
		var maxDepth int64
		for _, id := range frontier {
			row, err := txn.Event(string(id))
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if row.Processed && row.Depth > maxDepth {
				maxDepth = row.Depth
			}
		}
		if maxDepth == 0 {
			// No frontier event is known locally
			return nil
		}
		rows, err := txn.EventsBelowDepth(ch.ID, maxDepth+1, limit)
		if err != nil {
			return err
		}
		// The store serves deepest first; replay wants ancestors first
		for i := len(rows) - 1; i >= 0; i-- {
			raw, err := txn.EventJSON(rows[i].EventID)
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) walkBackward(
	channelID identifier.Channel,
	frontier, stop []identifier.Event,
	minDepth int64,
	limit int,
) ([][]byte, error) {
	if limit <= 0 {
		return nil, nil
	}
	type collected struct {
		raw   []byte
		depth int64
		id    string
	}
	var results []collected
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		if _, err := txn.Channel(string(channelID)); err != nil {
			return err
		}
		stopSet := make(map[identifier.Event]bool, len(stop))
		for _, id := range stop {
			stopSet[id] = true
		}
		visited := make(map[identifier.Event]bool)
		queue := make([]identifier.Event, 0, len(frontier))
		// Start from the frontier's ancestors, not the frontier
		// itself: the requester already has those events
		for _, id := range frontier {
			visited[id] = true
			prevs, err := m.storedPrevs(txn, id)
			if err != nil {
				return err
			}
			queue = append(queue, prevs...)
		}
		for len(queue) > 0 && len(results) < limit {
			id := queue[0]
			queue = queue[1:]
			if visited[id] || stopSet[id] {
				continue
			}
			visited[id] = true
			row, err := txn.Event(string(id))
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !row.Present || !row.Processed || row.Depth < minDepth {
				continue
			}
			raw, err := txn.EventJSON(string(id))
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			results = append(results, collected{
				raw:   raw,
				depth: row.Depth,
				id:    row.EventID,
			})
			prevs, err := m.storedPrevs(txn, id)
			if err != nil {
				return err
			}
			queue = append(queue, prevs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].depth != results[j].depth {
			return results[i].depth < results[j].depth
		}
		return results[i].id < results[j].id
	})
	out := make([][]byte, len(results))
	for i, r := range results {
		out[i] = r.raw
	}
	return out, nil
}

// storedPrevs parses the prev_events of a locally stored event, or
// nothing if the payload is absent
func (m *Manager) storedPrevs(
	txn *database.Txn,
	eventID identifier.Event,
) ([]identifier.Event, error) {
	raw, err := txn.EventJSON(string(eventID))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := wire.ParsePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored event %s: %w", eventID, err)
	}
	return p.PrevEvents, nil
}

// ReplayPending re-offers every stored-but-unprocessed event in a
// channel, shallowest first. Called after backfill fills a gap so
// deferred descendants get their verdicts.
func (m *Manager) ReplayPending(
	ctx context.Context,
	channelID identifier.Channel,
) error {
	type pending struct {
		eventID string
		raw     []byte
	}
	var queue []pending
	err := m.cfg.Database.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		if err != nil {
			return err
		}
		rows, err := txn.UnprocessedEvents(ch.ID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			raw, err := txn.EventJSON(row.EventID)
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			queue = append(queue, pending{eventID: row.EventID, raw: raw})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", channelID, err)
	}
	for _, item := range queue {
		v, err := m.Offer(ctx, item.raw)
		if err != nil {
			return err
		}
		if v.Deferred {
			m.logger.Debug(
				"replayed event still deferred",
				"channel", channelID,
				"event", item.eventID,
			)
		}
	}
	return nil
}
