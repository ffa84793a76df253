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
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapestryhq/tapestry/event"
	"github.com/tapestryhq/tapestry/eventgraph"
)

// PushMode selects how push tasks are scheduled. Synchronous mode
// blocks the signal handler until every destination is attempted,
// giving deterministic ordering; asynchronous mode fans out to the
// worker pool.
type PushMode string

const (
	PushModeSync  PushMode = "sync"
	PushModeAsync PushMode = "async"
)

const (
	defaultPushTimeout  = 30 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

type PusherConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Registry     *Registry
	Graph        *eventgraph.Manager
	ServerName   string
	Mode         PushMode
	// Workers bounds concurrent pushes in async mode; pushes are
	// I/O-bound so the default is a multiple of available parallelism
	Workers      int
	PushTimeout  time.Duration
	DrainTimeout time.Duration
}

// Pusher forwards locally-originated accepted events to every other
// server participating in the channel
type Pusher struct {
	cfg     PusherConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *pusherMetrics
	sem     chan struct{}
	wg      sync.WaitGroup
	subID   event.EventSubscriberId
	started atomic.Bool
	stopped atomic.Bool
}

type pusherMetrics struct {
	pushes *prometheus.CounterVec
}

func NewPusher(cfg PusherConfig) *Pusher {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Mode == "" {
		cfg.Mode = PushModeAsync
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0) * 4
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	p := &Pusher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "pusher"),
		tracer: otel.Tracer("federation"),
		sem:    make(chan struct{}, cfg.Workers),
	}
	if cfg.PromRegistry != nil {
		promautoFactory := promauto.With(cfg.PromRegistry)
		p.metrics = &pusherMetrics{
			pushes: promautoFactory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tapestry_federation_pushes_total",
					Help: "push attempts per result",
				},
				[]string{"result"},
			),
		}
	}
	return p
}

// Start subscribes the pusher to processed-event signals
func (p *Pusher) Start() error {
	if p.cfg.EventBus == nil {
		return errors.New("pusher requires an event bus")
	}
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pusher already started")
	}
	p.subID = p.cfg.EventBus.SubscribeFunc(
		eventgraph.ProcessedEventType,
		p.handleSignal,
	)
	p.logger.Info("started", "mode", string(p.cfg.Mode))
	return nil
}

// Stop unsubscribes from new signals and drains in-flight pushes up to
// the configured bound. Already-dispatched peer calls are waited for,
// not cancelled.
func (p *Pusher) Stop() error {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	p.cfg.EventBus.Unsubscribe(eventgraph.ProcessedEventType, p.subID)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.DrainTimeout):
		return fmt.Errorf(
			"pusher drain exceeded %s",
			p.cfg.DrainTimeout,
		)
	}
}

func (p *Pusher) handleSignal(evt event.Event) {
	pe, ok := evt.Data.(eventgraph.ProcessedEvent)
	if !ok || p.stopped.Load() {
		return
	}
	// Only originals are pushed: peers re-push nothing, which prevents
	// amplification loops
	if pe.OriginServer != p.cfg.ServerName {
		return
	}
	if !pe.Verdict.Accepted() {
		return
	}
	servers, err := p.cfg.Graph.OtherServers(pe.ChannelID)
	if err != nil {
		p.logger.Warn(
			"resolve push destinations",
			"channel", pe.ChannelID,
			"error", err,
		)
		return
	}
	for _, server := range servers {
		if p.cfg.Mode == PushModeSync {
			p.push(server, pe)
			continue
		}
		p.wg.Add(1)
		go func(server string) {
			defer p.wg.Done()
			p.sem <- struct{}{}
			defer func() { <-p.sem }()
			p.push(server, pe)
		}(server)
	}
}

func (p *Pusher) push(server string, pe eventgraph.ProcessedEvent) {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		p.cfg.PushTimeout,
	)
	defer cancel()
	ctx, span := p.tracer.Start(
		ctx,
		"federation.push",
		trace.WithAttributes(
			attribute.String("peer", server),
			attribute.String("event_id", string(pe.EventID)),
		),
	)
	defer span.End()
	peer := p.cfg.Registry.Peer(server)
	denials, err := peer.Push(ctx, [][]byte{pe.Raw})
	switch {
	case errors.Is(err, ErrPeerUnavailable):
		p.count("unavailable")
	case err != nil:
		p.count("error")
		p.logger.Warn(
			"push failed",
			"peer", server,
			"event", pe.EventID,
			"error", err,
		)
	case len(denials) > 0:
		p.count("denied")
		p.logger.Debug(
			"push denied by peer",
			"peer", server,
			"event", pe.EventID,
			"reason", denials[pe.EventID],
		)
	default:
		p.count("ok")
	}
}

func (p *Pusher) count(result string) {
	if p.metrics != nil {
		p.metrics.pushes.WithLabelValues(result).Inc()
	}
}
