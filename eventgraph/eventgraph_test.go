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

package eventgraph_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
	"github.com/tapestryhq/tapestry/wire"
)

type testServer struct {
	manager *eventgraph.Manager
	db      *database.Database
	bus     *event.EventBus
	keyPair *signing.KeyPair
	ring    *signing.KeyRing
	name    string
}

func newTestServer(t *testing.T, name string) *testServer {
	t.Helper()
	db, err := database.New(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	keyPair, err := signing.GenerateKeyPair(name)
	require.NoError(t, err)
	ring := signing.NewKeyRing()
	ring.Add(name, keyPair.KeyID, keyPair.Public)
	bus := event.NewEventBus(nil, nil)
	t.Cleanup(bus.Stop)
	return &testServer{
		manager: eventgraph.NewManager(eventgraph.Config{
			EventBus:   bus,
			Database:   db,
			KeyRing:    ring,
			KeyPair:    keyPair,
			ServerName: name,
		}),
		db:      db,
		bus:     bus,
		keyPair: keyPair,
		ring:    ring,
		name:    name,
	}
}

// trust lets this server verify events signed by another test server
func (s *testServer) trust(other *testServer) {
	s.ring.Add(other.name, other.keyPair.KeyID, other.keyPair.Public)
}

// composeSigned builds and finalizes an event outside the manager so
// tests can control every field
func composeSigned(
	t *testing.T,
	keyPair *signing.KeyPair,
	channelID identifier.Channel,
	sender identifier.User,
	eventType string,
	stateKey *string,
	content any,
	prevs []identifier.Event,
	depth int64,
) []byte {
	t.Helper()
	if prevs == nil {
		prevs = []identifier.Event{}
	}
	doc := map[string]any{
		"type":          eventType,
		"sender":        sender,
		"channel_id":    channelID,
		"prev_events":   prevs,
		"depth":         depth,
		"content":       content,
		"origin_server": keyPair.ServerName,
		"origin_ts":     time.Now().UnixMilli(),
	}
	if stateKey != nil {
		doc["state_key"] = *stateKey
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	signed, err := signing.Finalize(keyPair, raw)
	require.NoError(t, err)
	return signed
}

func strptr(s string) *string { return &s }

func TestCreateChannel(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")

	channelID, err := srv.manager.CreateChannel(
		context.Background(),
		creator,
		"0",
	)
	require.NoError(t, err)
	require.Equal(t, "origin.test", channelID.Domain())

	// Creation authors three events: create, creator join, power levels.
	// The DAG is linear so there is exactly one head.
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Len(t, heads, 1)

	err = srv.db.View(func(txn *database.Txn) error {
		ch, err := txn.Channel(string(channelID))
		require.NoError(t, err)
		m, err := txn.Membership(ch.ID, string(creator))
		require.NoError(t, err)
		require.Equal(t, wire.MembershipJoin, m)
		// All three bootstrap events were accepted, so the head is the
		// power-levels event at depth 3
		row, err := txn.Event(string(heads[0]))
		require.NoError(t, err)
		require.Equal(t, wire.TypePowerLevels, row.EventType)
		require.EqualValues(t, 3, row.Depth)
		require.True(t, row.Allowed)
		return nil
	})
	require.NoError(t, err)

	// No other server participates yet
	servers, err := srv.manager.OtherServers(channelID)
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestInviteAndRemoteJoin(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	remote := newTestServer(t, "remote.test")
	srv.trust(remote)

	creator := identifier.User("@u1:origin.test")
	invitee := identifier.User("@u2:remote.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)

	v, err := srv.manager.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMember,
		strptr(string(invitee)),
		wire.MemberContent{Membership: wire.MembershipInvite},
	)
	require.NoError(t, err)
	require.True(t, v.Accepted())

	// The invitee's join arrives signed by their own server
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	join := composeSigned(
		t,
		remote.keyPair,
		channelID,
		invitee,
		wire.TypeMember,
		strptr(string(invitee)),
		wire.MemberContent{Membership: wire.MembershipJoin},
		heads,
		5,
	)
	jv, err := srv.manager.Offer(ctx, join)
	require.NoError(t, err)
	require.True(t, jv.Accepted(), jv.Reason)

	servers, err := srv.manager.OtherServers(channelID)
	require.NoError(t, err)
	require.Equal(t, []string{"remote.test"}, servers)
}

func TestOfferIdempotent(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)

	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	msg := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "hello"},
		heads,
		4,
	)

	first, err := srv.manager.Offer(ctx, msg)
	require.NoError(t, err)
	require.True(t, first.Accepted())

	second, err := srv.manager.Offer(ctx, msg)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.EventID, second.EventID)
	require.Equal(t, first.Valid, second.Valid)
	require.Equal(t, first.Authorized, second.Authorized)

	// Exactly one head: the duplicate did not mutate extremities again
	after, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Equal(t, []identifier.Event{first.EventID}, after)
}

func TestStaleAncestorsAndDepth(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	staleHeads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)

	// Advance the channel past the remembered heads
	for i := 0; i < 2; i++ {
		v, err := srv.manager.Append(
			ctx,
			channelID,
			creator,
			wire.TypeMessage,
			nil,
			map[string]any{"body": "advance"},
		)
		require.NoError(t, err)
		require.True(t, v.Accepted())
	}

	// Referencing stale heads is causally valid as long as depth still
	// exceeds the ancestors'
	stale := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "branch"},
		staleHeads,
		10,
	)
	v, err := srv.manager.Offer(ctx, stale)
	require.NoError(t, err)
	require.True(t, v.Accepted(), v.Reason)

	// Depth at or below an ancestor's is malformed
	shallow := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "too shallow"},
		staleHeads,
		1,
	)
	sv, err := srv.manager.Offer(ctx, shallow)
	require.NoError(t, err)
	require.False(t, sv.Valid)
	require.Contains(t, sv.Reason, "depth")
}

func TestTamperedEventRejected(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)

	msg := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "original"},
		heads,
		4,
	)
	// Flip the message body after signing
	var doc map[string]any
	require.NoError(t, json.Unmarshal(msg, &doc))
	doc["content"] = map[string]any{"body": "forged"}
	forged, err := json.Marshal(doc)
	require.NoError(t, err)

	v, err := srv.manager.Offer(ctx, forged)
	require.NoError(t, err)
	require.False(t, v.Valid)
}

func TestAncestorsDepthBounded(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	mid, err := srv.manager.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "mid"},
	)
	require.NoError(t, err)
	require.True(t, mid.Accepted())
	tip, err := srv.manager.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "tip"},
	)
	require.NoError(t, err)
	require.True(t, tip.Accepted())

	// A mid-history frontier serves everything at or below its depth
	// and nothing newer: create, join, power levels, and the frontier
	// event itself
	events, err := srv.manager.Ancestors(
		channelID,
		[]identifier.Event{mid.EventID},
		50,
	)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for _, raw := range events {
		p, err := wire.ParsePayload(raw)
		require.NoError(t, err)
		require.LessOrEqual(t, p.Depth, int64(4))
	}

	// The limit keeps the deepest events, still returned ancestors first
	events, err = srv.manager.Ancestors(
		channelID,
		[]identifier.Event{mid.EventID},
		2,
	)
	require.NoError(t, err)
	require.Len(t, events, 2)
	first, err := wire.ParsePayload(events[0])
	require.NoError(t, err)
	second, err := wire.ParsePayload(events[1])
	require.NoError(t, err)
	require.Less(t, first.Depth, second.Depth)

	// An unknown frontier has nothing to serve
	events, err = srv.manager.Ancestors(
		channelID,
		[]identifier.Event{"$unknown:origin.test"},
		50,
	)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestDeferredAndReplay(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	remote := newTestServer(t, "remote.test")
	srv.trust(remote)
	remote.trust(srv)
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)

	parent := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "parent"},
		heads,
		4,
	)
	pv, err := srv.manager.Offer(ctx, parent)
	require.NoError(t, err)
	require.True(t, pv.Accepted())

	child := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "child"},
		[]identifier.Event{pv.EventID},
		5,
	)

	// A second server that has the channel's early history but not the
	// parent sees the child first
	gapCh := make(chan eventgraph.GapEvent, 4)
	remote.bus.SubscribeFunc(
		eventgraph.GapEventType,
		func(evt event.Event) {
			if gap, ok := evt.Data.(eventgraph.GapEvent); ok {
				gapCh <- gap
			}
		},
	)
	early, err := srv.manager.Ancestors(channelID, heads, 10)
	require.NoError(t, err)
	for _, raw := range early {
		v, err := remote.manager.Offer(ctx, raw)
		require.NoError(t, err)
		require.True(t, v.Accepted(), v.Reason)
	}

	cv, err := remote.manager.Offer(ctx, child)
	require.NoError(t, err)
	require.True(t, cv.Deferred)

	select {
	case gap := <-gapCh:
		require.Equal(t, channelID, gap.ChannelID)
		require.Equal(t, []identifier.Event{pv.EventID}, gap.MissingEvents)
	case <-time.After(time.Second):
		t.Fatal("no gap signal published")
	}

	gaps, err := remote.manager.BackwardExtremities(channelID)
	require.NoError(t, err)
	require.Equal(t, []identifier.Event{pv.EventID}, gaps)

	// Backfill the parent and replay: the child gets its verdict and
	// both servers converge on the same head
	v, err := remote.manager.Offer(ctx, parent)
	require.NoError(t, err)
	require.True(t, v.Accepted(), v.Reason)
	require.NoError(t, remote.manager.ReplayPending(ctx, channelID))

	remoteHeads, err := remote.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Equal(t, []identifier.Event{cv.EventID}, remoteHeads)

	gaps, err = remote.manager.BackwardExtremities(channelID)
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func TestOfferNotBlockedByBusySubscriber(t *testing.T) {
	// A gap subscriber that feeds events back into the same channel,
	// the way the backfill resolver does, must never wedge the
	// offering goroutine even when signals outpace delivery
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)

	msg := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "replayable"},
		heads,
		4,
	)
	first, err := srv.manager.Offer(ctx, msg)
	require.NoError(t, err)
	require.True(t, first.Accepted())

	// Each gap signal triggers a re-offer that needs the same channel's
	// admission pipeline
	srv.bus.SubscribeFunc(
		eventgraph.GapEventType,
		func(event.Event) {
			_, _ = srv.manager.Offer(ctx, msg)
		},
	)

	orphans := make([][]byte, 0, 40)
	for i := 0; i < 40; i++ {
		orphans = append(orphans, composeSigned(
			t,
			srv.keyPair,
			channelID,
			creator,
			wire.TypeMessage,
			nil,
			map[string]any{"body": "orphan", "n": i},
			[]identifier.Event{
				identifier.Event(
					fmt.Sprintf("$missing%d:origin.test", i),
				),
			},
			5,
		))
	}

	done := make(chan error, 1)
	go func() {
		for i, orphan := range orphans {
			v, err := srv.manager.Offer(ctx, orphan)
			if err != nil {
				done <- err
				return
			}
			if !v.Deferred {
				done <- fmt.Errorf("orphan %d not deferred: %s", i, v.Reason)
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("offers wedged behind a busy gap subscriber")
	}
}

func TestBranchMerge(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	creator := identifier.User("@u1:origin.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)

	// Two concurrent branches touching the same state slot
	branchA := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeJoinRules,
		strptr(""),
		wire.JoinRulesContent{JoinRule: wire.JoinRulePublic},
		heads,
		4,
	)
	branchB := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeJoinRules,
		strptr(""),
		wire.JoinRulesContent{JoinRule: wire.JoinRuleInvite},
		heads,
		4,
	)
	av, err := srv.manager.Offer(ctx, branchA)
	require.NoError(t, err)
	require.True(t, av.Accepted())
	bv, err := srv.manager.Offer(ctx, branchB)
	require.NoError(t, err)
	require.True(t, bv.Accepted())

	heads, err = srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Len(t, heads, 2)

	// A child referencing both branches forces a state merge; the offer
	// resolves it deterministically and collapses the heads
	merge := composeSigned(
		t,
		srv.keyPair,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "merge"},
		heads,
		5,
	)
	mv, err := srv.manager.Offer(ctx, merge)
	require.NoError(t, err)
	require.True(t, mv.Accepted(), mv.Reason)

	heads, err = srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Equal(t, []identifier.Event{mv.EventID}, heads)
}

func TestDeniedEventRecordedNotPushed(t *testing.T) {
	srv := newTestServer(t, "origin.test")
	remote := newTestServer(t, "remote.test")
	srv.trust(remote)
	creator := identifier.User("@u1:origin.test")
	stranger := identifier.User("@mallory:remote.test")
	ctx := context.Background()

	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)

	processedCh := make(chan eventgraph.ProcessedEvent, 4)
	srv.bus.SubscribeFunc(
		eventgraph.ProcessedEventType,
		func(evt event.Event) {
			if pe, ok := evt.Data.(eventgraph.ProcessedEvent); ok {
				processedCh <- pe
			}
		},
	)

	msg := composeSigned(
		t,
		remote.keyPair,
		channelID,
		stranger,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "intruding"},
		heads,
		4,
	)
	v, err := srv.manager.Offer(ctx, msg)
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.False(t, v.Authorized)
	require.NotEmpty(t, v.Reason)

	// Denials are still signalled for auditability, carrying the verdict
	select {
	case pe := <-processedCh:
		require.Equal(t, v.EventID, pe.Verdict.EventID)
		require.False(t, pe.Verdict.Authorized)
	case <-time.After(time.Second):
		t.Fatal("no processed signal published")
	}

	// The denied event never becomes a head
	after, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Equal(t, heads, after)
}
