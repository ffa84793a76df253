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
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tapestryhq/tapestry/database"
)

type RegistryConfig struct {
	Logger    *slog.Logger
	Database  *database.Database
	Transport Transport
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Registry resolves a server name to its RemotePeer handle, creating
// one lazily on first need and reusing it for the process lifetime
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*RemotePeer
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "federation"),
		peers:  make(map[string]*RemotePeer),
	}
}

// Peer returns the handle for a server, creating it on first lookup.
// Persisted availability state is restored so a peer deep in backoff
// stays there across restarts.
func (r *Registry) Peer(serverName string) *RemotePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[serverName]; ok {
		return peer
	}
	peer := &RemotePeer{
		serverName: serverName,
		transport:  r.cfg.Transport,
		db:         r.cfg.Database,
		logger:     r.logger,
		now:        r.cfg.Now,
	}
	r.restore(peer)
	r.peers[serverName] = peer
	return peer
}

func (r *Registry) restore(peer *RemotePeer) {
	if r.cfg.Database == nil {
		return
	}
	err := r.cfg.Database.View(func(txn *database.Txn) error {
		row, err := txn.Peer(peer.serverName)
		if err != nil {
			return err
		}
		peer.lastAttempt = time.UnixMilli(row.LastAttempt)
		peer.lastSuccess = time.UnixMilli(row.LastSuccess)
		peer.waitInterval = time.Duration(row.WaitIntervalMs) * time.Millisecond
		return nil
	})
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		r.logger.Warn(
			"restore peer state",
			"peer", peer.serverName,
			"error", err,
		)
	}
}
