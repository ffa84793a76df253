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

// Package fedhttp is the HTTP rendition of the federation surface: a
// server exposing this node's channels to peers and a client
// implementing federation.Transport against remote nodes.
package fedhttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/directory"
	"github.com/tapestryhq/tapestry/eventgraph"
	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
)

const maxRequestBytes = 4 << 20

type ServerConfig struct {
	Logger        *slog.Logger
	ListenAddress string
	ServerName    string
	Graph         *eventgraph.Manager
	Directory     *directory.Directory
	KeyPair       *signing.KeyPair
	KeyRing       *signing.KeyRing
}

// Server exposes the federation API over HTTP
type Server struct {
	config     ServerConfig
	logger     *slog.Logger
	httpServer *http.Server
	listenAddr string
	mu         sync.Mutex
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8448"
	}
	return &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "fedhttp"),
	}
}

// Start binds the listener and serves in a background goroutine, so a
// port conflict surfaces immediately
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /federation/v1/ping", s.handlePing)
	mux.HandleFunc("GET /federation/v1/keys", s.handleKeys)
	mux.HandleFunc("POST /federation/v1/push", s.handlePush)
	mux.HandleFunc(
		"POST /federation/v1/missing_events",
		s.handleMissingEvents,
	)
	mux.HandleFunc("POST /federation/v1/backfill", s.handleBackfill)
	mux.HandleFunc("GET /federation/v1/event", s.handleEvent)
	mux.HandleFunc("GET /federation/v1/alias", s.handleAlias)
	mux.HandleFunc(
		"POST /federation/v1/approve_invite",
		s.handleApprove,
	)
	mux.HandleFunc(
		"POST /federation/v1/approve_join",
		s.handleApprove,
	)

	server := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
	}
	s.httpServer = server
	s.mu.Unlock()

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		s.mu.Lock()
		s.httpServer = nil
		s.mu.Unlock()
		return fmt.Errorf("listen for federation server: %w", err)
	}
	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()
	go func() {
		if err := server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("federation server error", "error", err)
		}
	}()
	s.logger.Info("federation listener started on " + s.listenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			30*time.Second,
		)
		defer cancel()
		//nolint:contextcheck
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error(
				"failed to shutdown federation server on context "+
					"cancellation",
				"error", err,
			)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start. Useful
// when the configured address picks an ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown federation server: %w", err)
		}
	}
	return nil
}

type pushRequest struct {
	Events []json.RawMessage `json:"events"`
}

type pushResponse struct {
	Denials map[identifier.Event]string `json:"denials,omitempty"`
}

type missingEventsRequest struct {
	ChannelID identifier.Channel `json:"channel_id"`
	Earliest  []identifier.Event `json:"earliest_events"`
	Latest    []identifier.Event `json:"latest_events"`
	MinDepth  int64              `json:"min_depth"`
	Limit     int                `json:"limit"`
}

type backfillRequest struct {
	ChannelID identifier.Channel `json:"channel_id"`
	Frontier  []identifier.Event `json:"event_ids"`
	Limit     int                `json:"limit"`
}

type eventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

type aliasResponse struct {
	ChannelID identifier.Channel `json:"channel_id"`
	Servers   []string           `json:"servers"`
}

type eventResponse struct {
	Event json.RawMessage `json:"event"`
}

type approveRequest struct {
	Event json.RawMessage `json:"event"`
}

type approveResponse struct {
	Event json.RawMessage `json:"event"`
}

type keysResponse struct {
	ServerName string            `json:"server_name"`
	Keys       map[string]string `json:"keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"server_name": s.config.ServerName,
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	resp := keysResponse{
		ServerName: s.config.ServerName,
		Keys:       make(map[string]string),
	}
	if s.config.KeyPair != nil {
		resp.Keys[s.config.KeyPair.KeyID] = base64.RawURLEncoding.
			EncodeToString(s.config.KeyPair.Public)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !s.decode(w, r, &req) {
		return
	}
	denials := make(map[identifier.Event]string)
	for _, raw := range req.Events {
		v, err := s.config.Graph.Offer(r.Context(), raw)
		if err != nil {
			s.logger.Error("push offer failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error: "store failure",
			})
			return
		}
		if !v.Deferred && !(v.Valid && v.Authorized) {
			denials[v.EventID] = v.Reason
		}
	}
	writeJSON(w, http.StatusOK, pushResponse{Denials: denials})
}

func (s *Server) handleMissingEvents(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req missingEventsRequest
	if !s.decode(w, r, &req) {
		return
	}
	events, err := s.config.Graph.MissingEvents(
		req.ChannelID,
		req.Earliest,
		req.Latest,
		req.MinDepth,
		req.Limit,
	)
	s.writeEvents(w, events, err)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if !s.decode(w, r, &req) {
		return
	}
	events, err := s.config.Graph.Ancestors(
		req.ChannelID,
		req.Frontier,
		req.Limit,
	)
	s.writeEvents(w, events, err)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	channelID := identifier.Channel(r.URL.Query().Get("channel_id"))
	eventID := identifier.Event(r.URL.Query().Get("event_id"))
	raw, err := s.config.Graph.EventJSON(channelID, eventID)
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "event not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "store failure",
		})
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: raw})
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	alias := identifier.Alias(r.URL.Query().Get("alias"))
	channelID, servers, err := s.config.Directory.Lookup(alias)
	if errors.Is(err, directory.ErrAliasNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "alias not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "store failure",
		})
		return
	}
	writeJSON(w, http.StatusOK, aliasResponse{
		ChannelID: channelID,
		Servers:   servers,
	})
}

// handleApprove runs the membership-approval exchange: the requesting
// server's event is offered locally and, when accepted, countersigned
// with this server's key
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.config.Graph.Offer(r.Context(), req.Event)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "store failure",
		})
		return
	}
	if v.Deferred {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "channel not resident here",
		})
		return
	}
	if !v.Valid || !v.Authorized {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error: v.Reason,
		})
		return
	}
	signed, err := signing.SignJSON(s.config.KeyPair, req.Event)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "countersign failure",
		})
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Event: signed})
}

func (s *Server) decode(
	w http.ResponseWriter,
	r *http.Request,
	dst any,
) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "malformed request body",
		})
		return false
	}
	return true
}

func (s *Server) writeEvents(
	w http.ResponseWriter,
	events [][]byte,
	err error,
) {
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "channel not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "store failure",
		})
		return
	}
	resp := eventsResponse{Events: make([]json.RawMessage, len(events))}
	for i, raw := range events {
		resp.Events[i] = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
