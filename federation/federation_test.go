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

package federation_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph"
	"github.com/tapestryhq/tapestry/federation"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
	"github.com/tapestryhq/tapestry/wire"
)

// fakeClock is a controllable time source for backoff tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport is an in-process loopback: calls land on another test
// server's graph, or fail when the destination is marked unreachable
type fakeTransport struct {
	mu     sync.Mutex
	graphs map[string]*eventgraph.Manager
	fail   map[string]error
	calls  map[string]int
	pushes map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		graphs: make(map[string]*eventgraph.Manager),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
		pushes: make(map[string][][]byte),
	}
}

func (f *fakeTransport) setGraph(server string, g *eventgraph.Manager) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graphs[server] = g
}

func (f *fakeTransport) setFailure(server string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, server)
	} else {
		f.fail[server] = err
	}
}

func (f *fakeTransport) callCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[server]
}

func (f *fakeTransport) pushed(server string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.pushes[server]...)
}

// begin records the attempt and returns the graph, or the injected
// failure
func (f *fakeTransport) begin(
	server string,
) (*eventgraph.Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[server]++
	if err := f.fail[server]; err != nil {
		return nil, err
	}
	g, ok := f.graphs[server]
	if !ok {
		return nil, fmt.Errorf("no route to %s", server)
	}
	return g, nil
}

func (f *fakeTransport) Ping(_ context.Context, server string) error {
	_, err := f.begin(server)
	return err
}

func (f *fakeTransport) Push(
	ctx context.Context,
	server string,
	events [][]byte,
) (map[identifier.Event]string, error) {
	g, err := f.begin(server)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.pushes[server] = append(f.pushes[server], events...)
	f.mu.Unlock()
	denials := make(map[identifier.Event]string)
	for _, raw := range events {
		v, err := g.Offer(ctx, raw)
		if err != nil {
			return nil, err
		}
		if !v.Deferred && !(v.Valid && v.Authorized) {
			denials[v.EventID] = v.Reason
		}
	}
	if len(denials) == 0 {
		return nil, nil
	}
	return denials, nil
}

func (f *fakeTransport) MissingEvents(
	_ context.Context,
	server string,
	channelID identifier.Channel,
	earliest, latest []identifier.Event,
	minDepth int64,
	limit int,
) ([][]byte, error) {
	g, err := f.begin(server)
	if err != nil {
		return nil, err
	}
	return g.MissingEvents(channelID, earliest, latest, minDepth, limit)
}

func (f *fakeTransport) Backfill(
	_ context.Context,
	server string,
	channelID identifier.Channel,
	frontier []identifier.Event,
	limit int,
) ([][]byte, error) {
	g, err := f.begin(server)
	if err != nil {
		return nil, err
	}
	return g.Ancestors(channelID, frontier, limit)
}

func (f *fakeTransport) Event(
	_ context.Context,
	server string,
	channelID identifier.Channel,
	eventID identifier.Event,
) ([]byte, error) {
	g, err := f.begin(server)
	if err != nil {
		return nil, err
	}
	raw, err := g.EventJSON(channelID, eventID)
	if err != nil {
		return nil, federation.ErrRemoteNotFound
	}
	return raw, nil
}

func (f *fakeTransport) LookupAlias(
	_ context.Context,
	server string,
	_ identifier.Alias,
) (identifier.Channel, []string, error) {
	if _, err := f.begin(server); err != nil {
		return "", nil, err
	}
	return "", nil, federation.ErrRemoteNotFound
}

func (f *fakeTransport) ApproveInvite(
	_ context.Context,
	server string,
	_ []byte,
) ([]byte, error) {
	if _, err := f.begin(server); err != nil {
		return nil, err
	}
	return nil, federation.ErrRemoteDenied
}

func (f *fakeTransport) ApproveJoin(
	_ context.Context,
	server string,
	_ []byte,
) ([]byte, error) {
	if _, err := f.begin(server); err != nil {
		return nil, err
	}
	return nil, federation.ErrRemoteDenied
}

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

func (s *testServer) trust(other *testServer) {
	s.ring.Add(other.name, other.keyPair.KeyID, other.keyPair.Public)
}

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

// replicate copies a channel's full history from one server to another
func replicate(
	t *testing.T,
	from, to *testServer,
	channelID identifier.Channel,
) {
	t.Helper()
	heads, err := from.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	events, err := from.manager.Ancestors(channelID, heads, 100)
	require.NoError(t, err)
	for _, raw := range events {
		v, err := to.manager.Offer(context.Background(), raw)
		require.NoError(t, err)
		require.False(t, v.Deferred, v.Reason)
	}
}

func TestBackoffGrowthAndFastFail(t *testing.T) {
	transport := newFakeTransport()
	transport.setFailure("c.test", fmt.Errorf("connection refused"))
	clock := newFakeClock()
	registry := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
		Now:       clock.Now,
	})
	peer := registry.Peer("c.test")
	ctx := context.Background()

	// Three consecutive failures double the interval each time
	intervals := make([]time.Duration, 0, 3)
	for i := 0; i < 3; i++ {
		if i > 0 {
			clock.Advance(peer.WaitInterval())
		}
		_, err := peer.Push(ctx, [][]byte{[]byte("{}")})
		require.Error(t, err)
		intervals = append(intervals, peer.WaitInterval())
	}
	require.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}, intervals)
	require.Equal(t, 3, transport.callCount("c.test"))

	// Inside the window the call fails fast without a network attempt
	_, err := peer.Push(ctx, [][]byte{[]byte("{}")})
	require.ErrorIs(t, err, federation.ErrPeerUnavailable)
	require.Equal(t, 3, transport.callCount("c.test"))

	// After the window elapses the peer is attempted again
	clock.Advance(4 * time.Second)
	transport.setFailure("c.test", nil)
	transport.setGraph("c.test", newTestServer(t, "c.test").manager)
	_, err = peer.Push(ctx, [][]byte{[]byte("not json")})
	require.NoError(t, err)
	require.Equal(t, 4, transport.callCount("c.test"))
	require.Zero(t, peer.WaitInterval())
}

func TestDomainErrorsDoNotAffectBackoff(t *testing.T) {
	transport := newFakeTransport()
	transport.setFailure(
		"d.test",
		fmt.Errorf("lookup: %w", federation.ErrRemoteNotFound),
	)
	registry := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
	})
	peer := registry.Peer("d.test")

	_, _, err := peer.LookupAlias(context.Background(), "#nope:d.test")
	require.ErrorIs(t, err, federation.ErrRemoteNotFound)
	require.Zero(t, peer.WaitInterval())
	require.True(t, peer.Available())
}

func TestPingBypassesBackoffWindow(t *testing.T) {
	transport := newFakeTransport()
	transport.setFailure("e.test", fmt.Errorf("connection refused"))
	clock := newFakeClock()
	registry := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
		Now:       clock.Now,
	})
	peer := registry.Peer("e.test")
	ctx := context.Background()

	require.Error(t, peer.Ping(ctx))
	require.Equal(t, time.Second, peer.WaitInterval())

	// Still inside the window, but pings are forced
	transport.setFailure("e.test", nil)
	transport.setGraph("e.test", newTestServer(t, "e.test").manager)
	require.NoError(t, peer.Ping(ctx))
	require.Zero(t, peer.WaitInterval())
}

func TestBackoffSurvivesRestart(t *testing.T) {
	db, err := database.New(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	transport := newFakeTransport()
	transport.setFailure("f.test", fmt.Errorf("connection refused"))
	clock := newFakeClock()

	registry := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
		Database:  db,
		Now:       clock.Now,
	})
	_, err = registry.Peer("f.test").Push(
		context.Background(),
		[][]byte{[]byte("{}")},
	)
	require.Error(t, err)

	// A fresh registry over the same store restores the handle's state
	restarted := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
		Database:  db,
		Now:       clock.Now,
	})
	peer := restarted.Peer("f.test")
	require.Equal(t, time.Second, peer.WaitInterval())
	require.False(t, peer.Available())
}

func TestPusherFansOutOriginalsOnly(t *testing.T) {
	srv := newTestServer(t, "a.test")
	remote := newTestServer(t, "b.test")
	srv.trust(remote)
	remote.trust(srv)
	ctx := context.Background()

	transport := newFakeTransport()
	transport.setGraph("b.test", remote.manager)
	registry := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
		Database:  srv.db,
	})
	pusher := federation.NewPusher(federation.PusherConfig{
		EventBus:   srv.bus,
		Registry:   registry,
		Graph:      srv.manager,
		ServerName: "a.test",
		Mode:       federation.PushModeSync,
	})
	require.NoError(t, pusher.Start())
	t.Cleanup(func() {
		require.NoError(t, pusher.Stop())
	})

	creator := identifier.User("@u1:a.test")
	joiner := identifier.User("@u2:b.test")
	channelID, err := srv.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)

	v, err := srv.manager.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMember,
		strptr(string(joiner)),
		wire.MemberContent{Membership: wire.MembershipInvite},
	)
	require.NoError(t, err)
	require.True(t, v.Accepted())

	// The invite makes b.test a participant, so it is the first push;
	// wait for it to settle before counting
	require.Eventually(t, func() bool {
		return len(transport.pushed("b.test")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Bring the remote replica up to date, then the remote user joins
	replicate(t, srv, remote, channelID)
	heads, err := srv.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	join := composeSigned(
		t,
		remote.keyPair,
		channelID,
		joiner,
		wire.TypeMember,
		strptr(string(joiner)),
		wire.MemberContent{Membership: wire.MembershipJoin},
		heads,
		6,
	)
	jv, err := srv.manager.Offer(ctx, join)
	require.NoError(t, err)
	require.True(t, jv.Accepted(), jv.Reason)
	_, err = remote.manager.Offer(ctx, join)
	require.NoError(t, err)

	// The join originated remotely, so it must not be re-pushed; local
	// messages are
	before := len(transport.pushed("b.test"))
	mv, err := srv.manager.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMessage,
		nil,
		map[string]any{"body": "hello b"},
	)
	require.NoError(t, err)
	require.True(t, mv.Accepted())

	require.Eventually(t, func() bool {
		return len(transport.pushed("b.test")) == before+1
	}, 2*time.Second, 10*time.Millisecond)

	// Re-offering the same message is idempotent: no second push
	raw, err := srv.manager.EventJSON(channelID, mv.EventID)
	require.NoError(t, err)
	again, err := srv.manager.Offer(ctx, raw)
	require.NoError(t, err)
	require.True(t, again.Cached)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, transport.pushed("b.test"), before+1)

	// And the replica converges on the same head
	require.Eventually(t, func() bool {
		remoteHeads, err := remote.manager.ForwardExtremities(channelID)
		return err == nil &&
			len(remoteHeads) == 1 &&
			remoteHeads[0] == mv.EventID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackfillConvergence(t *testing.T) {
	srvA := newTestServer(t, "a.test")
	srvB := newTestServer(t, "b.test")
	srvA.trust(srvB)
	srvB.trust(srvA)
	ctx := context.Background()

	transport := newFakeTransport()
	transport.setGraph("a.test", srvA.manager)
	registryB := federation.NewRegistry(federation.RegistryConfig{
		Transport: transport,
		Database:  srvB.db,
	})
	resolver := federation.NewResolver(federation.ResolverConfig{
		EventBus: srvB.bus,
		Registry: registryB,
		Graph:    srvB.manager,
	})
	require.NoError(t, resolver.Start())
	t.Cleanup(func() {
		require.NoError(t, resolver.Stop())
	})

	creator := identifier.User("@u1:a.test")
	joiner := identifier.User("@u2:b.test")
	channelID, err := srvA.manager.CreateChannel(ctx, creator, "0")
	require.NoError(t, err)
	v, err := srvA.manager.Append(
		ctx,
		channelID,
		creator,
		wire.TypeMember,
		strptr(string(joiner)),
		wire.MemberContent{Membership: wire.MembershipInvite},
	)
	require.NoError(t, err)
	require.True(t, v.Accepted())
	replicate(t, srvA, srvB, channelID)

	heads, err := srvA.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	join := composeSigned(
		t,
		srvB.keyPair,
		channelID,
		joiner,
		wire.TypeMember,
		strptr(string(joiner)),
		wire.MemberContent{Membership: wire.MembershipJoin},
		heads,
		6,
	)
	for _, srv := range []*testServer{srvA, srvB} {
		jv, err := srv.manager.Offer(ctx, join)
		require.NoError(t, err)
		require.True(t, jv.Accepted(), jv.Reason)
	}

	// A advances while B is out of the loop
	var last *eventgraph.Verdict
	for i := 0; i < 3; i++ {
		last, err = srvA.manager.Append(
			ctx,
			channelID,
			creator,
			wire.TypeMessage,
			nil,
			map[string]any{"body": fmt.Sprintf("missed %d", i)},
		)
		require.NoError(t, err)
		require.True(t, last.Accepted())
	}

	// B sees only the newest event; the gap resolver fetches the rest
	raw, err := srvA.manager.EventJSON(channelID, last.EventID)
	require.NoError(t, err)
	bv, err := srvB.manager.Offer(ctx, raw)
	require.NoError(t, err)
	require.True(t, bv.Deferred)

	headsA, err := srvA.manager.ForwardExtremities(channelID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		headsB, err := srvB.manager.ForwardExtremities(channelID)
		if err != nil {
			return false
		}
		if len(headsB) != len(headsA) {
			return false
		}
		for i := range headsA {
			if headsA[i] != headsB[i] {
				return false
			}
		}
		gaps, err := srvB.manager.BackwardExtremities(channelID)
		return err == nil && len(gaps) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
