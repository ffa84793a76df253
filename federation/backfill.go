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
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph"
	"github.com/tapestryhq/tapestry/identifier"
)

const (
	defaultBackfillLimit   = 50
	defaultBackfillRounds  = 5
	defaultBackfillTimeout = time.Minute
)

type ResolverConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Registry     *Registry
	Graph        *eventgraph.Manager
	// Limit bounds the events fetched per peer request
	Limit int
	// MaxRounds bounds how many fetch-and-replay passes one gap signal
	// may trigger; deeper gaps resolve across later signals
	MaxRounds    int
	FetchTimeout time.Duration
}

// Resolver fills DAG gaps: on a gap signal it walks backward across
// peers fetching missing ancestors and replays them through the
// channel's normal admission pipeline, oldest first
type Resolver struct {
	cfg     ResolverConfig
	logger  *slog.Logger
	metrics *resolverMetrics
	subID   event.EventSubscriberId
	started atomic.Bool
	stopped atomic.Bool
}

type resolverMetrics struct {
	fetches *prometheus.CounterVec
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultBackfillLimit
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultBackfillRounds
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultBackfillTimeout
	}
	r := &Resolver{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "backfill"),
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		r.metrics = &resolverMetrics{
			fetches: promautoFactory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tapestry_federation_backfill_fetches_total",
					Help: "backfill fetch attempts per result",
				},
				[]string{"result"},
			),
		}
	}
	return r
}

func (r *Resolver) count(result string) {
	if r.metrics != nil {
		r.metrics.fetches.WithLabelValues(result).Inc()
	}
}

// Start subscribes the resolver to gap signals
func (r *Resolver) Start() error {
	if r.cfg.EventBus == nil {
		return errors.New("resolver requires an event bus")
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("resolver already started")
	}
	r.subID = r.cfg.EventBus.SubscribeFunc(
		eventgraph.GapEventType,
		r.handleSignal,
	)
	return nil
}

func (r *Resolver) Stop() error {
	if !r.started.Load() || !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.cfg.EventBus.Unsubscribe(eventgraph.GapEventType, r.subID)
	return nil
}

func (r *Resolver) handleSignal(evt event.Event) {
	gap, ok := evt.Data.(eventgraph.GapEvent)
	if !ok || r.stopped.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(
		context.Background(),
		r.cfg.FetchTimeout,
	)
	defer cancel()
	if err := r.Resolve(ctx, gap); err != nil {
		r.logger.Warn(
			"gap resolution failed",
			"channel", gap.ChannelID,
			"error", err,
		)
	}
}

// Resolve fetches and replays the missing ancestors behind a gap.
// Partial resolution is a normal outcome: whatever was fetched has been
// replayed, and remaining gaps stay registered as backward extremities.
func (r *Resolver) Resolve(
	ctx context.Context,
	gap eventgraph.GapEvent,
) error {
	missing := gap.MissingEvents
	for round := 0; round < r.cfg.MaxRounds; round++ {
		if len(missing) == 0 {
			return nil
		}
		servers, err := r.cfg.Graph.OtherServers(gap.ChannelID)
		if err != nil {
			return err
		}
		if !r.fetchRound(ctx, gap.ChannelID, missing, servers) {
			// No peer could supply further ancestors
			return nil
		}
		// Deferred descendants get their verdicts now that ancestors
		// are in
		if err := r.cfg.Graph.ReplayPending(ctx, gap.ChannelID); err != nil {
			return err
		}
		missing, err = r.cfg.Graph.BackwardExtremities(gap.ChannelID)
		if err != nil {
			return err
		}
	}
	return nil
}

// fetchRound asks peers for one frontier's ancestors, replaying
// whatever the first responsive peer supplies. Reports whether any
// events were fetched.
func (r *Resolver) fetchRound(
	ctx context.Context,
	channelID identifier.Channel,
	missing []identifier.Event,
	servers []string,
) bool {
	for _, server := range servers {
		peer := r.cfg.Registry.Peer(server)
		events, err := peer.Backfill(ctx, channelID, missing, r.cfg.Limit)
		if err != nil {
			r.count("error")
			r.logger.Debug(
				"backfill fetch failed",
				"peer", server,
				"channel", channelID,
				"error", err,
			)
			continue
		}
		if len(events) == 0 {
			r.count("empty")
			continue
		}
		r.count("ok")
		replayed := 0
		for _, raw := range events {
			v, err := r.cfg.Graph.Offer(ctx, raw)
			if err != nil {
				r.logger.Warn(
					"replay fetched event",
					"channel", channelID,
					"error", err,
				)
				continue
			}
			if !v.Deferred {
				replayed++
			}
		}
		r.logger.Debug(
			"backfilled",
			"peer", server,
			"channel", channelID,
			"fetched", len(events),
			"replayed", replayed,
		)
		return true
	}
	return false
}
