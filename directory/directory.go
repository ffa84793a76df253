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

// Package directory maintains the human-facing alias index. It is a
// projection of accepted channel.aliases events: each server publishes
// the aliases it vouches for under its own scope, and lookups resolve
// an alias to the channel plus the servers participating in it.
package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/wire"
)

var ErrAliasNotFound = errors.New("alias not found")

type Config struct {
	Logger     *slog.Logger
	EventBus   *event.EventBus
	Database   *database.Database
	Graph      *eventgraph.Manager
	ServerName string
}

// Directory projects alias state events into a queryable index
type Directory struct {
	cfg     Config
	logger  *slog.Logger
	subID   event.EventSubscriberId
	started atomic.Bool
	stopped atomic.Bool
}

func New(cfg Config) *Directory {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Directory{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "directory"),
	}
}

// Start subscribes the directory to processed-event signals
func (d *Directory) Start() error {
	if d.cfg.EventBus == nil {
		return errors.New("directory requires an event bus")
	}
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("directory already started")
	}
	d.subID = d.cfg.EventBus.SubscribeFunc(
		eventgraph.ProcessedEventType,
		d.handleSignal,
	)
	return nil
}

func (d *Directory) Stop() error {
	if !d.started.Load() || !d.stopped.CompareAndSwap(false, true) {
		return nil
	}
	d.cfg.EventBus.Unsubscribe(eventgraph.ProcessedEventType, d.subID)
	return nil
}

func (d *Directory) handleSignal(evt event.Event) {
	pe, ok := evt.Data.(eventgraph.ProcessedEvent)
	if !ok || d.stopped.Load() {
		return
	}
	if !pe.Verdict.Accepted() {
		return
	}
	p, err := wire.ParsePayload(pe.Raw)
	if err != nil || p.Type != wire.TypeAliases {
		return
	}
	content, err := p.AliasesContent()
	if err != nil {
		return
	}
	aliases := make([]string, 0, len(content.Aliases))
	for _, alias := range content.Aliases {
		aliases = append(aliases, string(alias))
	}
	err = d.cfg.Database.Update(func(txn *database.Txn) error {
		return txn.ReplaceAliases(
			string(pe.ChannelID),
			p.StateKeyValue(),
			aliases,
		)
	})
	if err != nil {
		d.logger.Warn(
			"project aliases",
			"channel", pe.ChannelID,
			"error", err,
		)
		return
	}
	d.logger.Debug(
		"aliases updated",
		"channel", pe.ChannelID,
		"scope", p.StateKeyValue(),
		"count", len(aliases),
	)
}

// Publish authors a channel.aliases event replacing the alias list this
// server vouches for
func (d *Directory) Publish(
	ctx context.Context,
	channelID identifier.Channel,
	sender identifier.User,
	aliases []identifier.Alias,
) error {
	if d.cfg.Graph == nil {
		return errors.New("directory has no graph to publish through")
	}
	scope := d.cfg.ServerName
	v, err := d.cfg.Graph.Append(
		ctx,
		channelID,
		sender,
		wire.TypeAliases,
		&scope,
		wire.AliasesContent{Aliases: aliases},
	)
	if err != nil {
		return err
	}
	if !v.Accepted() {
		return errors.New(v.Reason)
	}
	return nil
}

// Lookup resolves an alias to its channel and the servers known to
// participate in it
func (d *Directory) Lookup(
	alias identifier.Alias,
) (identifier.Channel, []string, error) {
	var (
		channelID string
		servers   []string
	)
	err := d.cfg.Database.View(func(txn *database.Txn) error {
		var lookupErr error
		channelID, lookupErr = txn.LookupAlias(string(alias))
		if lookupErr != nil {
			return lookupErr
		}
		ch, chErr := txn.Channel(channelID)
		if chErr != nil {
			return chErr
		}
		// Exclude nothing: the caller wants every participant
		servers, lookupErr = txn.OtherServers(ch.ID, "")
		return lookupErr
	})
	if errors.Is(err, database.ErrNotFound) {
		return "", nil, ErrAliasNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return identifier.Channel(channelID), servers, nil
}

// Aliases returns every alias currently pointing at a channel
func (d *Directory) Aliases(
	channelID identifier.Channel,
) ([]identifier.Alias, error) {
	var aliases []identifier.Alias
	err := d.cfg.Database.View(func(txn *database.Txn) error {
		raw, err := txn.ChannelAliases(string(channelID))
		if err != nil {
			return err
		}
		for _, a := range raw {
			aliases = append(aliases, identifier.Alias(a))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return aliases, nil
}
