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

package tapestry

import (
	"crypto/ed25519"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tapestryhq/tapestry/federation"
)

// TrustedKey is a statically-configured public key for a remote server
type TrustedKey struct {
	ServerName string
	KeyID      string
	PublicKey  ed25519.PublicKey
}

type Config struct {
	promRegistry    prometheus.Registerer
	logger          *slog.Logger
	serverName      string
	dataDir         string
	keyFilePath     string
	listenAddress   string
	peerAddresses   map[string]string
	trustedKeys     []TrustedKey
	pushMode        federation.PushMode
	pushWorkers     int
	backfillLimit   int
	backfillRounds  int
	tracing         bool
	tracingStdout   bool
	shutdownTimeout time.Duration
}

// ConfigOptionFunc is a type that represents functions that modify the
// node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new tapestry config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding
// log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithServerName specifies the name this server signs and federates as.
// Required.
func WithServerName(serverName string) ConfigOptionFunc {
	return func(c *Config) {
		c.serverName = serverName
	}
}

// WithDataDir specifies the persistent data directory to use. The
// default is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithKeyFilePath specifies the signing key file. A missing file is
// populated with a freshly generated key on startup
func WithKeyFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.keyFilePath = path
	}
}

// WithFederationListenAddress specifies the listen address for the
// federation HTTP API. An empty string disables the server
func WithFederationListenAddress(addr string) ConfigOptionFunc {
	return func(c *Config) {
		c.listenAddress = addr
	}
}

// WithPeerAddress maps a remote server name to a base URL, overriding
// DNS-style resolution for that peer
func WithPeerAddress(serverName, baseURL string) ConfigOptionFunc {
	return func(c *Config) {
		if c.peerAddresses == nil {
			c.peerAddresses = make(map[string]string)
		}
		c.peerAddresses[serverName] = baseURL
	}
}

// WithTrustedKey registers a remote server's public key at startup.
// Keys can also be learned later via the federation key endpoint
func WithTrustedKey(key TrustedKey) ConfigOptionFunc {
	return func(c *Config) {
		c.trustedKeys = append(c.trustedKeys, key)
	}
}

// WithPushMode selects synchronous or asynchronous federation push
// scheduling. The default is asynchronous
func WithPushMode(mode federation.PushMode) ConfigOptionFunc {
	return func(c *Config) {
		c.pushMode = mode
	}
}

// WithPushWorkers bounds concurrent asynchronous pushes
func WithPushWorkers(workers int) ConfigOptionFunc {
	return func(c *Config) {
		c.pushWorkers = workers
	}
}

// WithBackfillLimit bounds the events fetched per backfill request
func WithBackfillLimit(limit int) ConfigOptionFunc {
	return func(c *Config) {
		c.backfillLimit = limit
	}
}

// WithBackfillRounds bounds fetch-and-replay passes per gap signal
func WithBackfillRounds(rounds int) ConfigOptionFunc {
	return func(c *Config) {
		c.backfillRounds = rounds
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to
// add metrics to. In most cases, prometheus.DefaultRegistry would be a
// good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithTracing enables tracing. By default, spans are submitted to a
// HTTP(s) endpoint using OTLP. This can be configured using the
// OTEL_EXPORTER_OTLP_* env vars documented in the README for
// [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also
// requires tracing to be enabled separately. This is mostly useful for
// debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The
// default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
