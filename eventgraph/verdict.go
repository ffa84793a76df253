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
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/identifier"
)

const (
	// ProcessedEventType is published after an event and its verdict have
	// been persisted, for both allowed and denied outcomes
	ProcessedEventType = event.EventType("eventgraph.processed")
	// GapEventType is published when an offered event references
	// ancestors not present locally
	GapEventType = event.EventType("eventgraph.gap")
)

// Verdict is the authorization outcome for one offered event
type Verdict struct {
	EventID identifier.Event
	// Valid reports the event is well-formed (structure, hashes,
	// signatures, depth consistency)
	Valid bool
	// Authorized reports the resolved pre-state admits the event
	Authorized bool
	// Deferred reports the event could not be authorized yet because
	// ancestors are missing; Valid and Authorized are meaningless until
	// the event is re-offered after backfill
	Deferred bool
	// Cached reports this verdict was recorded by an earlier offer of
	// the same event
	Cached bool
	// Reason is the human-readable denial explanation, empty on success
	Reason string
}

// Accepted reports whether the event was admitted into the channel
func (v *Verdict) Accepted() bool {
	return v.Valid && v.Authorized && !v.Deferred
}

func (v *Verdict) outcome() string {
	switch {
	case v.Deferred:
		return "deferred"
	case !v.Valid:
		return "invalid"
	case !v.Authorized:
		return "denied"
	default:
		return "accepted"
	}
}

// ProcessedEvent is the bus payload for ProcessedEventType
type ProcessedEvent struct {
	ChannelID    identifier.Channel
	EventID      identifier.Event
	OriginServer string
	Raw          []byte
	Verdict      Verdict
}

// GapEvent is the bus payload for GapEventType. LatestEvents is the
// search frontier (the event that exposed the gap); MissingEvents are
// the ancestors known to be absent.
type GapEvent struct {
	ChannelID     identifier.Channel
	LatestEvents  []identifier.Event
	MissingEvents []identifier.Event
	MinDepth      int64
}
