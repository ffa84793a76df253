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

// Package eventgraph maintains the per-channel event DAGs: it offers
// new events into a channel, resolves the authoritative state before
// each event, invokes the versioned authorization rules, persists the
// outcome, and signals consumers over the event bus.
package eventgraph

import (
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
)

type Config struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Database     *database.Database
	KeyRing      *signing.KeyRing
	KeyPair      *signing.KeyPair
	ServerName   string
}

// Manager owns every locally-known channel DAG. Offers against the same
// channel are serialized; different channels proceed concurrently.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *managerMetrics

	mu           sync.Mutex
	channelLocks map[identifier.Channel]*sync.Mutex
}

type managerMetrics struct {
	offers *prometheus.CounterVec
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	m := &Manager{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "eventgraph"),
		tracer:       otel.Tracer("eventgraph"),
		channelLocks: make(map[identifier.Channel]*sync.Mutex),
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		m.metrics = &managerMetrics{
			offers: promautoFactory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tapestry_eventgraph_offers_total",
					Help: "offered events per verdict outcome",
				},
				[]string{"outcome"},
			),
		}
	}
	return m
}

// channelLock returns the mutex serializing offers for one channel,
// creating it on first use. Locks live for the process lifetime; the
// per-channel footprint is one mutex.
func (m *Manager) channelLock(channelID identifier.Channel) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		m.channelLocks[channelID] = lock
	}
	return lock
}

func (m *Manager) countOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.offers.WithLabelValues(outcome).Inc()
	}
}
