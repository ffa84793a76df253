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

	"go.opentelemetry.io/otel/attribute"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/database/models"
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph/authrules"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
	"github.com/tapestryhq/tapestry/wire"
)

// offerOutcome carries everything Offer needs after the store
// transaction commits: the verdict plus any signals to publish
type offerOutcome struct {
	verdict   Verdict
	processed bool
	gap       *GapEvent
}

// Offer runs one event through the channel's admission pipeline:
// parse, identify, verify, resolve pre-state, authorize, persist,
// signal. It is callable for both locally-authored and remotely
// received events, and re-offering an already-processed event returns
// its recorded verdict without side effects.
func (m *Manager) Offer(
	ctx context.Context,
	raw []byte,
) (*Verdict, error) {
	ctx, span := m.tracer.Start(ctx, "eventgraph.offer")
	defer span.End()

	p, err := wire.ParsePayload(raw)
	if err != nil {
		m.countOutcome("invalid")
		return &Verdict{Reason: err.Error()}, nil
	}
	span.SetAttributes(
		attribute.String("channel.id", string(p.ChannelID)),
		attribute.String("event.type", p.Type),
	)

	// State resolution and extremity mutation are not safely
	// interleavable for the same channel
	lock := m.channelLock(p.ChannelID)
	lock.Lock()
	var outcome *offerOutcome
	err = m.cfg.Database.Update(func(txn *database.Txn) error {
		var txnErr error
		outcome, txnErr = m.processOffer(txn, p)
		return txnErr
	})
	// Delivery blocks on slow subscribers, and a subscriber may offer
	// events into this same channel; the lock must be released before
	// any signal goes out
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w", p.ChannelID, err)
	}

	v := outcome.verdict
	m.countOutcome(v.outcome())
	span.SetAttributes(attribute.String("verdict", v.outcome()))
	m.logger.Debug(
		"event offered",
		"channel", p.ChannelID,
		"event", v.EventID,
		"type", p.Type,
		"outcome", v.outcome(),
		"reason", v.Reason,
	)

	// Signals go out after persistence so consumers always observe the
	// committed row
	if m.cfg.EventBus != nil {
		if outcome.processed && !v.Cached {
			m.cfg.EventBus.Publish(
				ProcessedEventType,
				event.NewEvent(ProcessedEventType, ProcessedEvent{
					ChannelID:    p.ChannelID,
					EventID:      v.EventID,
					OriginServer: originOf(p),
					Raw:          p.Raw,
					Verdict:      v,
				}),
			)
		}
		if outcome.gap != nil {
			m.cfg.EventBus.Publish(
				GapEventType,
				event.NewEvent(GapEventType, *outcome.gap),
			)
		}
	}
	return &v, nil
}

func originOf(p *wire.Payload) string {
	if p.OriginServer != "" {
		return p.OriginServer
	}
	return p.Sender.Domain()
}

// processOffer is the transactional core of Offer. It never returns a
// non-nil outcome together with an error; an error aborts and rolls
// back the whole offer.
func (m *Manager) processOffer(
	txn *database.Txn,
	p *wire.Payload,
) (*offerOutcome, error) {
	origin := originOf(p)

	ch, version, outcome, err := m.resolveChannel(txn, p)
	if outcome != nil || err != nil {
		return outcome, err
	}

	rules, err := authrules.ForVersion(version)
	if err != nil {
		return &offerOutcome{verdict: Verdict{
			Reason: fmt.Sprintf("unsupported channel version %q", version),
		}}, nil
	}
	eventID, err := rules.EventID(p.Raw, origin)
	if err != nil {
		return nil, fmt.Errorf("derive event id: %w", err)
	}

	// Idempotent re-offer: a processed event keeps its first verdict
	row, err := txn.Event(string(eventID))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if row != nil && row.Processed {
		return &offerOutcome{verdict: Verdict{
			EventID:    eventID,
			Valid:      row.Valid,
			Authorized: row.Allowed,
			Cached:     true,
			Reason:     row.Reason,
		}}, nil
	}

	// Hash and signature mismatches make the event malformed before
	// authorization is attempted
	if verr := signing.VerifyEvent(m.cfg.KeyRing, origin, p.Raw); verr != nil {
		return m.recordInvalid(txn, ch, p, eventID, verr)
	}
	if verr := rules.Validate(p); verr != nil {
		return m.recordInvalid(txn, ch, p, eventID, verr)
	}

	prevRows, missing, err := m.lookupAncestors(txn, ch, p)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return m.deferOffer(txn, ch, p, eventID, missing)
	}

	// Depth must strictly exceed every declared ancestor's depth
	for _, prev := range prevRows {
		if p.Depth <= prev.Depth {
			return m.recordVerdict(txn, ch, p, eventID, Verdict{
				EventID: eventID,
				Reason: fmt.Sprintf(
					"depth %d not greater than ancestor depth %d",
					p.Depth,
					prev.Depth,
				),
			}, nil, nil)
		}
	}

	pre, preSnapshotID, err := m.resolvePreState(txn, p, prevRows)
	if err != nil {
		return nil, err
	}

	verdict := Verdict{EventID: eventID, Valid: true, Authorized: true}
	if aerr := rules.Authorize(pre, p); aerr != nil {
		var dErr *authrules.DenialError
		if errors.As(aerr, &dErr) {
			verdict.Authorized = false
			verdict.Reason = dErr.Reason
		} else {
			verdict.Valid = false
			verdict.Authorized = false
			verdict.Reason = aerr.Error()
		}
	}

	if ch == nil {
		// Reaching here with no channel row means an accepted create
		// event; the channel comes to life with it
		if !verdict.Accepted() {
			return &offerOutcome{verdict: verdict}, nil
		}
		ch, err = txn.CreateChannel(string(p.ChannelID), origin, version)
		if err != nil {
			return nil, err
		}
	}
	return m.recordVerdict(txn, ch, p, eventID, verdict, pre, preSnapshotID)
}

// recordInvalid persists a malformed-event verdict. A malformed create
// for an unknown channel has nothing to attach the record to, so only
// the verdict is returned.
func (m *Manager) recordInvalid(
	txn *database.Txn,
	ch *models.Channel,
	p *wire.Payload,
	eventID identifier.Event,
	cause error,
) (*offerOutcome, error) {
	verdict := Verdict{EventID: eventID, Reason: cause.Error()}
	if ch == nil {
		return &offerOutcome{verdict: verdict}, nil
	}
	return m.recordVerdict(txn, ch, p, eventID, verdict, nil, nil)
}

// resolveChannel loads the channel row and decides the rule-set
// version. For a create event against an unknown channel the version
// comes from the event itself; any other event for an unknown channel
// is deferred since not even its ID can be derived.
func (m *Manager) resolveChannel(
	txn *database.Txn,
	p *wire.Payload,
) (*models.Channel, string, *offerOutcome, error) {
	ch, err := txn.Channel(string(p.ChannelID))
	if err == nil {
		return ch, ch.Version, nil, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, "", nil, err
	}
	if p.Type == wire.TypeCreate {
		content, cerr := p.CreateContent()
		if cerr != nil {
			return nil, "", &offerOutcome{verdict: Verdict{
				Reason: cerr.Error(),
			}}, nil
		}
		return nil, content.Version, nil, nil
	}
	return nil, "", &offerOutcome{
		verdict: Verdict{
			Deferred: true,
			Reason:   fmt.Sprintf("unknown channel %s", p.ChannelID),
		},
		gap: &GapEvent{
			ChannelID:     p.ChannelID,
			MissingEvents: p.PrevEvents,
		},
	}, nil
}

// lookupAncestors fetches the rows for an event's prev_events and
// reports which ancestors are missing: never seen, payload absent, or
// not yet processed as valid
func (m *Manager) lookupAncestors(
	txn *database.Txn,
	ch *models.Channel,
	p *wire.Payload,
) ([]models.Event, []identifier.Event, error) {
	if ch == nil || len(p.PrevEvents) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, len(p.PrevEvents))
	for i, id := range p.PrevEvents {
		ids[i] = string(id)
	}
	rows, err := txn.Events(ids)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]models.Event, len(rows))
	for _, row := range rows {
		byID[row.EventID] = row
	}
	var (
		satisfied []models.Event
		missing   []identifier.Event
	)
	for _, id := range p.PrevEvents {
		row, ok := byID[string(id)]
		if ok && row.Processed && row.Valid {
			satisfied = append(satisfied, row)
			continue
		}
		missing = append(missing, id)
	}
	return satisfied, missing, nil
}

// deferOffer records the event and its gap without authorizing it: the
// payload is kept for replay, the missing ancestors become backward
// extremities, and a gap signal triggers backfill
func (m *Manager) deferOffer(
	txn *database.Txn,
	ch *models.Channel,
	p *wire.Payload,
	eventID identifier.Event,
	missing []identifier.Event,
) (*offerOutcome, error) {
	if err := m.upsertEventRow(txn, ch, p, eventID); err != nil {
		return nil, err
	}
	if err := txn.SetEventJSON(string(eventID), p.Raw); err != nil {
		return nil, err
	}
	for _, id := range missing {
		// A not-found record so the ID is known locally even though the
		// payload is not
		err := txn.CreateEvent(&models.Event{
			EventID:        string(id),
			ChannelLocalID: ch.ID,
		})
		if err != nil && !errors.Is(err, database.ErrConflict) {
			return nil, err
		}
		if err := txn.AddBackwardExtremity(ch.ID, string(id)); err != nil {
			return nil, err
		}
	}
	return &offerOutcome{
		verdict: Verdict{
			EventID:  eventID,
			Deferred: true,
			Reason:   "missing ancestors",
		},
		gap: &GapEvent{
			ChannelID:     p.ChannelID,
			LatestEvents:  []identifier.Event{eventID},
			MissingEvents: missing,
		},
	}, nil
}

// resolvePreState merges the post-state snapshots of the event's
// ancestors into the state the event is authorized against
func (m *Manager) resolvePreState(
	txn *database.Txn,
	p *wire.Payload,
	prevRows []models.Event,
) (*channelState, *uint, error) {
	if p.Type == wire.TypeCreate || len(prevRows) == 0 {
		return emptyState(), nil, nil
	}
	snapshotIDs := make([]uint, 0, len(prevRows))
	seen := make(map[uint]bool)
	for _, row := range prevRows {
		if row.SnapshotID == nil {
			return nil, nil, fmt.Errorf(
				"processed event %s has no state snapshot",
				row.EventID,
			)
		}
		if !seen[*row.SnapshotID] {
			seen[*row.SnapshotID] = true
			snapshotIDs = append(snapshotIDs, *row.SnapshotID)
		}
	}
	if len(snapshotIDs) == 1 {
		state, err := loadState(txn, snapshotIDs[0])
		if err != nil {
			return nil, nil, err
		}
		return state, &snapshotIDs[0], nil
	}
	states := make([]*channelState, 0, len(snapshotIDs))
	for _, id := range snapshotIDs {
		state, err := loadState(txn, id)
		if err != nil {
			return nil, nil, err
		}
		states = append(states, state)
	}
	merged, err := mergeStates(txn, states)
	if err != nil {
		return nil, nil, err
	}
	return merged, nil, nil
}

// recordVerdict persists the event together with its verdict: the
// event row and payload, the post-state snapshot, the extremity
// updates, and the membership index. Everything commits atomically
// with the surrounding transaction.
func (m *Manager) recordVerdict(
	txn *database.Txn,
	ch *models.Channel,
	p *wire.Payload,
	eventID identifier.Event,
	verdict Verdict,
	pre *channelState,
	preSnapshotID *uint,
) (*offerOutcome, error) {
	if err := m.upsertEventRow(txn, ch, p, eventID); err != nil {
		return nil, err
	}
	if err := txn.SetEventJSON(string(eventID), p.Raw); err != nil {
		return nil, err
	}

	// Post-state: a new snapshot when an accepted state event overwrites
	// its slot, otherwise the pre-state carried forward
	var snapshotID *uint
	switch {
	case verdict.Accepted() && p.IsState():
		post, err := pre.apply(p, eventID)
		if err != nil {
			return nil, err
		}
		id, err := txn.CreateSnapshot(ch.ID, post.modelEntries())
		if err != nil {
			return nil, err
		}
		snapshotID = &id
	case preSnapshotID != nil:
		snapshotID = preSnapshotID
	case pre != nil:
		id, err := txn.CreateSnapshot(ch.ID, pre.modelEntries())
		if err != nil {
			return nil, err
		}
		snapshotID = &id
	}

	err := txn.MarkProcessed(
		string(eventID),
		verdict.Valid,
		verdict.Authorized,
		verdict.Reason,
		snapshotID,
	)
	if err != nil {
		return nil, err
	}

	if verdict.Accepted() {
		for _, prev := range p.PrevEvents {
			if err := txn.RemoveForwardExtremity(ch.ID, string(prev)); err != nil {
				return nil, err
			}
		}
		if err := txn.AddForwardExtremity(ch.ID, string(eventID)); err != nil {
			return nil, err
		}
		// If this event was someone's missing ancestor, the gap is now
		// filled
		if err := txn.RemoveBackwardExtremity(ch.ID, string(eventID)); err != nil {
			return nil, err
		}
		if p.Type == wire.TypeMember {
			content, err := p.MemberContent()
			if err != nil {
				return nil, err
			}
			target := identifier.User(p.StateKeyValue())
			err = txn.SetMembership(
				ch.ID,
				string(target),
				target.Domain(),
				content.Membership,
			)
			if err != nil {
				return nil, err
			}
		}
	}
	return &offerOutcome{verdict: verdict, processed: true}, nil
}

// upsertEventRow inserts the event's metadata row, or fills in a
// pre-existing placeholder for the same ID
func (m *Manager) upsertEventRow(
	txn *database.Txn,
	ch *models.Channel,
	p *wire.Payload,
	eventID identifier.Event,
) error {
	ev := &models.Event{
		EventID:        string(eventID),
		ChannelLocalID: ch.ID,
		EventType:      p.Type,
		Sender:         string(p.Sender),
		StateKey:       p.StateKey,
		Depth:          p.Depth,
		OriginServer:   originOf(p),
		Present:        true,
	}
	err := txn.CreateEvent(ev)
	if errors.Is(err, database.ErrConflict) {
		return txn.FillEvent(ev)
	}
	return err
}
