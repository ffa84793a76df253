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
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tapestryhq/tapestry/database/models"
)

// CreateEvent inserts a new event row. A duplicate event ID returns
// ErrConflict; the caller decides whether that is a failure or an
// idempotent re-offer.
func (t *Txn) CreateEvent(ev *models.Event) error {
	if result := t.metadata.Create(ev); result.Error != nil {
		return mapError(result.Error)
	}
	return nil
}

// Event looks up one event row by event ID
func (t *Txn) Event(eventID string) (*models.Event, error) {
	var ev models.Event
	result := t.metadata.First(&ev, "event_id = ?", eventID)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return &ev, nil
}

// Events looks up multiple event rows by event ID. Missing IDs are
// simply absent from the result; the returned slice may be shorter than
// the request.
func (t *Txn) Events(eventIDs []string) ([]models.Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var evs []models.Event
	result := t.metadata.Where("event_id IN ?", eventIDs).Find(&evs)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return evs, nil
}

// EventsBelowDepth returns up to limit processed events in a channel
// with depth strictly below the given value, deepest first. Used to
// serve backfill requests.
func (t *Txn) EventsBelowDepth(
	channelLocalID uint,
	depth int64,
	limit int,
) ([]models.Event, error) {
	var evs []models.Event
	result := t.metadata.
		Where(
			"channel_local_id = ? AND depth < ? AND processed = ?",
			channelLocalID,
			depth,
			true,
		).
		Order("depth DESC, event_id").
		Limit(limit).
		Find(&evs)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return evs, nil
}

// FillEvent updates the payload-derived columns of an existing row and
// marks the payload present. Used when an event arrives for an ID that
// already has a placeholder (a not-found record or a deferred offer).
func (t *Txn) FillEvent(ev *models.Event) error {
	result := t.metadata.Model(&models.Event{}).
		Where("event_id = ?", ev.EventID).
		Updates(map[string]any{
			"channel_local_id": ev.ChannelLocalID,
			"event_type":       ev.EventType,
			"sender":           ev.Sender,
			"state_key":        ev.StateKey,
			"depth":            ev.Depth,
			"origin_server":    ev.OriginServer,
			"present":          true,
		})
	return mapError(result.Error)
}

// UnprocessedEvents returns events whose payload is present but which
// have not passed through authorization yet, shallowest first. These are
// events that arrived ahead of their ancestors and await replay once a
// gap is filled.
func (t *Txn) UnprocessedEvents(
	channelLocalID uint,
) ([]models.Event, error) {
	var evs []models.Event
	result := t.metadata.
		Where(
			"channel_local_id = ? AND present = ? AND processed = ?",
			channelLocalID,
			true,
			false,
		).
		Order("depth, event_id").
		Find(&evs)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return evs, nil
}

// MarkProcessed records the authorization outcome for an event. Valid
// and Allowed are set exactly once: marking an already-processed event
// is rejected.
func (t *Txn) MarkProcessed(
	eventID string,
	valid, allowed bool,
	reason string,
	snapshotID *uint,
) error {
	var ev models.Event
	if result := t.metadata.First(&ev, "event_id = ?", eventID); result.Error != nil {
		return mapError(result.Error)
	}
	if ev.Processed {
		return fmt.Errorf("event %s already processed", eventID)
	}
	updates := map[string]any{
		"present":   true,
		"processed": true,
		"valid":     valid,
		"allowed":   allowed,
		"reason":    reason,
	}
	if snapshotID != nil {
		updates["snapshot_id"] = *snapshotID
	}
	result := t.metadata.Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(updates)
	return mapError(result.Error)
}

// SetEventJSON stores an event's raw signed JSON in the blob store
func (t *Txn) SetEventJSON(eventID string, raw []byte) error {
	if err := t.blob.Set(eventKey(eventID), raw); err != nil {
		return fmt.Errorf("set event blob: %w", err)
	}
	return nil
}

// EventJSON fetches an event's raw signed JSON from the blob store
func (t *Txn) EventJSON(eventID string) ([]byte, error) {
	item, err := t.blob.Get(eventKey(eventID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event blob: %w", err)
	}
	return item.ValueCopy(nil)
}

func eventKey(eventID string) []byte {
	return []byte("event/" + eventID)
}
