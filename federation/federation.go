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

// Package federation keeps remote copies of channel DAGs eventually
// consistent: it pushes locally-accepted events to every participating
// server, tracks per-peer availability with doubling backoff, and fills
// DAG gaps by backfilling missing ancestors from peers.
package federation

import (
	"context"
	"errors"

	"github.com/tapestryhq/tapestry/identifier"
)

var (
	// ErrPeerUnavailable is returned without a network attempt while a
	// peer is inside its backoff window
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrRemoteDenied is a policy denial raised by the remote server; it
	// does not affect the peer's availability tracking
	ErrRemoteDenied = errors.New("denied by remote server")
	// ErrRemoteNotFound is a not-found raised by the remote server; it
	// does not affect the peer's availability tracking
	ErrRemoteNotFound = errors.New("not found on remote server")
)

// isDomainError reports whether the remote answered with a
// domain-level outcome rather than failing to answer at all
func isDomainError(err error) bool {
	return errors.Is(err, ErrRemoteDenied) ||
		errors.Is(err, ErrRemoteNotFound)
}

// Transport performs the wire calls toward remote servers. The HTTP
// implementation lives in federation/fedhttp; tests substitute an
// in-process loopback.
type Transport interface {
	// Ping checks basic reachability
	Ping(ctx context.Context, server string) error
	// Push submits raw signed events for processing and returns the
	// per-event denial reasons, keyed by event ID (successes omitted)
	Push(
		ctx context.Context,
		server string,
		events [][]byte,
	) (map[identifier.Event]string, error)
	// MissingEvents asks the remote to walk its DAG backward from the
	// latest frontier toward the earliest and return the events between
	MissingEvents(
		ctx context.Context,
		server string,
		channelID identifier.Channel,
		earliest, latest []identifier.Event,
		minDepth int64,
		limit int,
	) ([][]byte, error)
	// Backfill fetches up to limit events at and behind a frontier
	Backfill(
		ctx context.Context,
		server string,
		channelID identifier.Channel,
		frontier []identifier.Event,
		limit int,
	) ([][]byte, error)
	// Event fetches one processed event
	Event(
		ctx context.Context,
		server string,
		channelID identifier.Channel,
		eventID identifier.Event,
	) ([]byte, error)
	// LookupAlias resolves a channel alias on the remote directory,
	// returning the channel ID and the servers known to participate
	LookupAlias(
		ctx context.Context,
		server string,
		alias identifier.Alias,
	) (identifier.Channel, []string, error)
	// ApproveInvite asks the channel's resident server to countersign an
	// invite membership event
	ApproveInvite(
		ctx context.Context,
		server string,
		raw []byte,
	) ([]byte, error)
	// ApproveJoin asks the channel's resident server to countersign a
	// join membership event
	ApproveJoin(
		ctx context.Context,
		server string,
		raw []byte,
	) ([]byte, error)
}
