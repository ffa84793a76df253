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

package fedhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tapestryhq/tapestry/federation"
	"github.com/tapestryhq/tapestry/identifier"
)

// Resolver maps a server name to its federation base URL
type Resolver func(server string) string

// DefaultResolver assumes the server name is directly dialable
func DefaultResolver(server string) string {
	return "https://" + server
}

type ClientConfig struct {
	// Resolve overrides server-name-to-URL resolution; static peer
	// address maps from configuration end up here
	Resolve Resolver
	// HTTPClient overrides the underlying client, for tests
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client speaks the federation HTTP API. It implements
// federation.Transport.
type Client struct {
	cfg ClientConfig
}

var _ federation.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.Resolve == nil {
		cfg.Resolve = DefaultResolver
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

func (c *Client) Ping(ctx context.Context, server string) error {
	return c.get(ctx, server, "/federation/v1/ping", nil, &struct{}{})
}

func (c *Client) Push(
	ctx context.Context,
	server string,
	events [][]byte,
) (map[identifier.Event]string, error) {
	req := pushRequest{Events: make([]json.RawMessage, len(events))}
	for i, raw := range events {
		req.Events[i] = raw
	}
	var resp pushResponse
	err := c.post(ctx, server, "/federation/v1/push", req, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Denials) == 0 {
		return nil, nil
	}
	return resp.Denials, nil
}

func (c *Client) MissingEvents(
	ctx context.Context,
	server string,
	channelID identifier.Channel,
	earliest, latest []identifier.Event,
	minDepth int64,
	limit int,
) ([][]byte, error) {
	req := missingEventsRequest{
		ChannelID: channelID,
		Earliest:  earliest,
		Latest:    latest,
		MinDepth:  minDepth,
		Limit:     limit,
	}
	var resp eventsResponse
	err := c.post(ctx, server, "/federation/v1/missing_events", req, &resp)
	if err != nil {
		return nil, err
	}
	return rawEvents(resp), nil
}

func (c *Client) Backfill(
	ctx context.Context,
	server string,
	channelID identifier.Channel,
	frontier []identifier.Event,
	limit int,
) ([][]byte, error) {
	req := backfillRequest{
		ChannelID: channelID,
		Frontier:  frontier,
		Limit:     limit,
	}
	var resp eventsResponse
	err := c.post(ctx, server, "/federation/v1/backfill", req, &resp)
	if err != nil {
		return nil, err
	}
	return rawEvents(resp), nil
}

func (c *Client) Event(
	ctx context.Context,
	server string,
	channelID identifier.Channel,
	eventID identifier.Event,
) ([]byte, error) {
	query := url.Values{
		"channel_id": []string{string(channelID)},
		"event_id":   []string{string(eventID)},
	}
	var resp eventResponse
	err := c.get(ctx, server, "/federation/v1/event", query, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Event, nil
}

func (c *Client) LookupAlias(
	ctx context.Context,
	server string,
	alias identifier.Alias,
) (identifier.Channel, []string, error) {
	query := url.Values{"alias": []string{string(alias)}}
	var resp aliasResponse
	err := c.get(ctx, server, "/federation/v1/alias", query, &resp)
	if err != nil {
		return "", nil, err
	}
	return resp.ChannelID, resp.Servers, nil
}

func (c *Client) ApproveInvite(
	ctx context.Context,
	server string,
	raw []byte,
) ([]byte, error) {
	return c.approve(ctx, server, "/federation/v1/approve_invite", raw)
}

func (c *Client) ApproveJoin(
	ctx context.Context,
	server string,
	raw []byte,
) ([]byte, error) {
	return c.approve(ctx, server, "/federation/v1/approve_join", raw)
}

func (c *Client) approve(
	ctx context.Context,
	server, path string,
	raw []byte,
) ([]byte, error) {
	var resp approveResponse
	err := c.post(ctx, server, path, approveRequest{Event: raw}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Event, nil
}

// Keys fetches the remote server's current signing keys, decoded and
// keyed by key ID
func (c *Client) Keys(
	ctx context.Context,
	server string,
) (map[string][]byte, error) {
	var resp keysResponse
	err := c.get(ctx, server, "/federation/v1/keys", nil, &resp)
	if err != nil {
		return nil, err
	}
	keys := make(map[string][]byte, len(resp.Keys))
	for keyID, encoded := range resp.Keys {
		pub, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf(
				"decode key %s from %s: %w",
				keyID,
				server,
				err,
			)
		}
		keys[keyID] = pub
	}
	return keys, nil
}

func (c *Client) get(
	ctx context.Context,
	server, path string,
	query url.Values,
	out any,
) error {
	target := c.cfg.Resolve(server) + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		target,
		nil,
	)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(
	ctx context.Context,
	server, path string,
	body, out any,
) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.cfg.Resolve(server)+path,
		bytes.NewReader(encoded),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request and maps remote domain outcomes onto the
// federation sentinel errors, so peer backoff only reacts to genuine
// availability failures
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf(
			"%w: %s",
			federation.ErrRemoteNotFound,
			remoteError(body),
		)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf(
			"%w: %s",
			federation.ErrRemoteDenied,
			remoteError(body),
		)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf(
			"remote returned %d: %s",
			resp.StatusCode,
			remoteError(body),
		)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func remoteError(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return "unexpected response"
}

func rawEvents(resp eventsResponse) [][]byte {
	events := make([][]byte, len(resp.Events))
	for i, raw := range resp.Events {
		events[i] = raw
	}
	return events
}
