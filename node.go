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

// Package tapestry assembles a federated channel server: the event
// graph, the alias directory, and the federation push/backfill
// machinery, wired over a shared event bus and database.
package tapestry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/directory"
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph"
	"github.com/tapestryhq/tapestry/federation"
	"github.com/tapestryhq/tapestry/federation/fedhttp"
	"github.com/tapestryhq/tapestry/signing"
)

type Node struct {
	eventBus      *event.EventBus
	db            *database.Database
	keyPair       *signing.KeyPair
	keyRing       *signing.KeyRing
	graph         *eventgraph.Manager
	directory     *directory.Directory
	registry      *federation.Registry
	pusher        *federation.Pusher
	resolver      *federation.Resolver
	fedServer     *fedhttp.Server
	fedClient     *fedhttp.Client
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config: cfg,
		done:   make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

func (n *Node) configValidate() error {
	if n.config.serverName == "" {
		return errors.New("no server name configured")
	}
	return nil
}

// Graph returns the node's event graph manager, for embedding callers
// that author events directly
func (n *Node) Graph() *eventgraph.Manager {
	return n.graph
}

// Directory returns the node's alias directory
func (n *Node) Directory() *directory.Directory {
	return n.directory
}

// FederationAddr returns the bound federation listen address, or ""
// when the federation server is disabled or not started
func (n *Node) FederationAddr() string {
	if n.fedServer == nil {
		return ""
	}
	return n.fedServer.Addr()
}

func (n *Node) Run(ctx context.Context) error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	// Load database
	db, err := database.New(database.Config{
		Logger:  n.config.logger,
		DataDir: n.config.dataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Load signing key
	if err := n.loadSigningKey(); err != nil {
		return err
	}
	n.keyRing = signing.NewKeyRing()
	n.keyRing.Add(
		n.config.serverName,
		n.keyPair.KeyID,
		n.keyPair.Public,
	)
	for _, key := range n.config.trustedKeys {
		n.keyRing.Add(key.ServerName, key.KeyID, key.PublicKey)
	}
	if err := n.loadCachedKeys(); err != nil {
		return err
	}
	// Event bus
	n.eventBus = event.NewEventBus(n.config.promRegistry, n.config.logger)
	// Event graph
	n.graph = eventgraph.NewManager(eventgraph.Config{
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
		Database:     n.db,
		KeyRing:      n.keyRing,
		KeyPair:      n.keyPair,
		ServerName:   n.config.serverName,
	})
	// Alias directory
	n.directory = directory.New(directory.Config{
		Logger:     n.config.logger,
		EventBus:   n.eventBus,
		Database:   n.db,
		Graph:      n.graph,
		ServerName: n.config.serverName,
	})
	if err := n.directory.Start(); err != nil {
		return fmt.Errorf("failed to start directory: %w", err)
	}
	// Federation transport and peer registry
	n.fedClient = fedhttp.NewClient(fedhttp.ClientConfig{
		Resolve: n.resolvePeer,
	})
	n.registry = federation.NewRegistry(federation.RegistryConfig{
		Logger:    n.config.logger,
		Database:  n.db,
		Transport: n.fedClient,
	})
	// Outbound push on accepted local events
	n.pusher = federation.NewPusher(federation.PusherConfig{
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
		Registry:     n.registry,
		Graph:        n.graph,
		ServerName:   n.config.serverName,
		Mode:         n.config.pushMode,
		Workers:      n.config.pushWorkers,
	})
	if err := n.pusher.Start(); err != nil {
		return fmt.Errorf("failed to start pusher: %w", err)
	}
	// Gap resolution via backfill
	n.resolver = federation.NewResolver(federation.ResolverConfig{
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
		Registry:     n.registry,
		Graph:        n.graph,
		Limit:        n.config.backfillLimit,
		MaxRounds:    n.config.backfillRounds,
	})
	if err := n.resolver.Start(); err != nil {
		return fmt.Errorf("failed to start gap resolver: %w", err)
	}
	// Federation HTTP API
	if n.config.listenAddress != "" {
		n.fedServer = fedhttp.NewServer(fedhttp.ServerConfig{
			Logger:        n.config.logger,
			ListenAddress: n.config.listenAddress,
			ServerName:    n.config.serverName,
			Graph:         n.graph,
			Directory:     n.directory,
			KeyPair:       n.keyPair,
			KeyRing:       n.keyRing,
		})
		if err := n.fedServer.Start(ctx); err != nil {
			return err
		}
	}

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case <-n.done:
	}
	return nil
}

func (n *Node) loadSigningKey() error {
	if n.config.keyFilePath == "" {
		keyPair, err := signing.GenerateKeyPair(n.config.serverName)
		if err != nil {
			return err
		}
		n.keyPair = keyPair
		n.config.logger.Warn(
			"no key file configured, using ephemeral signing key",
			"component", "node",
		)
		return nil
	}
	if _, err := os.Stat(n.config.keyFilePath); err == nil {
		keyPair, err := signing.LoadKeyPair(
			n.config.serverName,
			n.config.keyFilePath,
		)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		n.keyPair = keyPair
		return nil
	}
	keyPair, err := signing.GenerateKeyPair(n.config.serverName)
	if err != nil {
		return err
	}
	if err := keyPair.Save(n.config.keyFilePath); err != nil {
		return fmt.Errorf("failed to persist signing key: %w", err)
	}
	n.keyPair = keyPair
	n.config.logger.Info(
		"generated new signing key",
		"component", "node",
		"key_id", keyPair.KeyID,
	)
	return nil
}

// loadCachedKeys seeds the key ring from the persistent key cache and
// writes statically-trusted keys back into it
func (n *Node) loadCachedKeys() error {
	err := n.db.Update(func(txn *database.Txn) error {
		for _, key := range n.config.trustedKeys {
			err := txn.AddServerKey(
				key.ServerName,
				key.KeyID,
				key.PublicKey,
			)
			if err != nil {
				return err
			}
		}
		cached, err := txn.ServerKeys("")
		if err != nil {
			return err
		}
		for _, key := range cached {
			n.keyRing.Add(key.ServerName, key.KeyID, key.PublicKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load cached server keys: %w", err)
	}
	return nil
}

// FetchServerKeys learns a remote server's current signing keys over
// federation, adding them to the key ring and the persistent cache
func (n *Node) FetchServerKeys(ctx context.Context, server string) error {
	keys, err := n.fedClient.Keys(ctx, server)
	if err != nil {
		return err
	}
	for keyID, pub := range keys {
		n.keyRing.Add(server, keyID, pub)
	}
	return n.db.Update(func(txn *database.Txn) error {
		for keyID, pub := range keys {
			if err := txn.AddServerKey(server, keyID, pub); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolvePeer maps a server name to a base URL, preferring statically
// configured peer addresses
func (n *Node) resolvePeer(server string) string {
	if addr, ok := n.config.peerAddresses[server]; ok {
		return addr
	}
	return fedhttp.DefaultResolver(server)
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.fedServer != nil {
		if stopErr := n.fedServer.Stop(ctx); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("federation server shutdown: %w", stopErr),
			)
		}
	}

	// Phase 2: Drain outbound work and projections
	n.config.logger.Debug("shutdown phase 2: draining outbound work")

	if n.pusher != nil {
		if stopErr := n.pusher.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("pusher shutdown: %w", stopErr))
		}
	}

	if n.resolver != nil {
		if stopErr := n.resolver.Stop(); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("gap resolver shutdown: %w", stopErr),
			)
		}
	}

	if n.directory != nil {
		if stopErr := n.directory.Stop(); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("directory shutdown: %w", stopErr),
			)
		}
	}

	// Phase 3: Flush state and close database
	n.config.logger.Debug("shutdown phase 3: flushing state")

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
