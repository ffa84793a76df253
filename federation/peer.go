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

package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/database/models"
	"github.com/tapestryhq/tapestry/identifier"
)

// backoffBase is the wait interval after a peer's first availability
// failure; each further failure doubles it. Growth is unbounded on
// purpose: a persistently unreachable peer earns an ever longer pause.
const backoffBase = time.Second

// RemotePeer is the per-remote-server handle. Every wire call runs
// through its availability gate: inside the backoff window calls fail
// fast without touching the network.
type RemotePeer struct {
	serverName string
	transport  Transport
	db         *database.Database
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	lastAttempt  time.Time
	lastSuccess  time.Time
	waitInterval time.Duration
}

// Available reports whether a call made now would be attempted
func (p *RemotePeer) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitInterval == 0 ||
		!p.now().Before(p.lastAttempt.Add(p.waitInterval))
}

// WaitInterval returns the current backoff interval, 0 when healthy
func (p *RemotePeer) WaitInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitInterval
}

// call wraps one wire call with the availability gate and backoff
// bookkeeping. Domain-level outcomes from the remote count as contact,
// not as failure; only transport errors grow the backoff.
func (p *RemotePeer) call(forced bool, fn func() error) error {
	p.mu.Lock()
	if !forced && p.waitInterval > 0 &&
		p.now().Before(p.lastAttempt.Add(p.waitInterval)) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s in backoff", ErrPeerUnavailable, p.serverName)
	}
	p.mu.Unlock()

	err := fn()

	p.mu.Lock()
	p.lastAttempt = p.now()
	if err == nil || isDomainError(err) {
		p.waitInterval = 0
		p.lastSuccess = p.lastAttempt
	} else {
		if p.waitInterval == 0 {
			p.waitInterval = backoffBase
		} else {
			p.waitInterval *= 2
		}
		p.logger.Warn(
			"peer call failed",
			"peer", p.serverName,
			"wait_interval", p.waitInterval,
			"error", err,
		)
	}
	snapshot := models.Peer{
		ServerName:     p.serverName,
		LastAttempt:    p.lastAttempt.UnixMilli(),
		LastSuccess:    p.lastSuccess.UnixMilli(),
		WaitIntervalMs: p.waitInterval.Milliseconds(),
	}
	p.mu.Unlock()

	p.persist(&snapshot)
	return err
}

// persist records the availability state so backoff survives restarts.
// Best effort: a store failure must not mask the wire call's outcome.
func (p *RemotePeer) persist(row *models.Peer) {
	if p.db == nil {
		return
	}
	err := p.db.Update(func(txn *database.Txn) error {
		return txn.UpsertPeer(row)
	})
	if err != nil {
		p.logger.Warn(
			"persist peer state",
			"peer", p.serverName,
			"error", err,
		)
	}
}

// Ping checks reachability. Pings bypass the availability gate so a
// recovered peer can be detected before its window elapses.
func (p *RemotePeer) Ping(ctx context.Context) error {
	return p.call(true, func() error {
		return p.transport.Ping(ctx, p.serverName)
	})
}

// Push delivers raw signed events to the peer
func (p *RemotePeer) Push(
	ctx context.Context,
	events [][]byte,
) (map[identifier.Event]string, error) {
	var denials map[identifier.Event]string
	err := p.call(false, func() error {
		var callErr error
		denials, callErr = p.transport.Push(ctx, p.serverName, events)
		return callErr
	})
	return denials, err
}

// MissingEvents fetches the events between two frontiers from the peer
func (p *RemotePeer) MissingEvents(
	ctx context.Context,
	channelID identifier.Channel,
	earliest, latest []identifier.Event,
	minDepth int64,
	limit int,
) ([][]byte, error) {
	var events [][]byte
	err := p.call(false, func() error {
		var callErr error
		events, callErr = p.transport.MissingEvents(
			ctx,
			p.serverName,
			channelID,
			earliest,
			latest,
			minDepth,
			limit,
		)
		return callErr
	})
	return events, err
}

// Backfill fetches ancestors at and behind a frontier from the peer
func (p *RemotePeer) Backfill(
	ctx context.Context,
	channelID identifier.Channel,
	frontier []identifier.Event,
	limit int,
) ([][]byte, error) {
	var events [][]byte
	err := p.call(false, func() error {
		var callErr error
		events, callErr = p.transport.Backfill(
			ctx,
			p.serverName,
			channelID,
			frontier,
			limit,
		)
		return callErr
	})
	return events, err
}

// Event fetches one processed event from the peer
func (p *RemotePeer) Event(
	ctx context.Context,
	channelID identifier.Channel,
	eventID identifier.Event,
) ([]byte, error) {
	var raw []byte
	err := p.call(false, func() error {
		var callErr error
		raw, callErr = p.transport.Event(
			ctx,
			p.serverName,
			channelID,
			eventID,
		)
		return callErr
	})
	return raw, err
}

// LookupAlias resolves a channel alias on the peer's directory
func (p *RemotePeer) LookupAlias(
	ctx context.Context,
	alias identifier.Alias,
) (identifier.Channel, []string, error) {
	var (
		channelID identifier.Channel
		servers   []string
	)
	err := p.call(false, func() error {
		var callErr error
		channelID, servers, callErr = p.transport.LookupAlias(
			ctx,
			p.serverName,
			alias,
		)
		return callErr
	})
	return channelID, servers, err
}

// ApproveInvite asks the peer to countersign an invite event
func (p *RemotePeer) ApproveInvite(
	ctx context.Context,
	raw []byte,
) ([]byte, error) {
	var signed []byte
	err := p.call(false, func() error {
		var callErr error
		signed, callErr = p.transport.ApproveInvite(ctx, p.serverName, raw)
		return callErr
	})
	return signed, err
}

// ApproveJoin asks the peer to countersign a join event
func (p *RemotePeer) ApproveJoin(
	ctx context.Context,
	raw []byte,
) ([]byte, error) {
	var signed []byte
	err := p.call(false, func() error {
		var callErr error
		signed, callErr = p.transport.ApproveJoin(ctx, p.serverName, raw)
		return callErr
	})
	return signed, err
}
