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

package node

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapestryhq/tapestry"
	"github.com/tapestryhq/tapestry/federation"
	"github.com/tapestryhq/tapestry/internal/config"
)

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}

	opts := []tapestry.ConfigOptionFunc{
		tapestry.WithLogger(logger),
		tapestry.WithServerName(cfg.ServerName),
		tapestry.WithDataDir(cfg.DataDir),
		tapestry.WithKeyFilePath(cfg.KeyFile),
		tapestry.WithFederationListenAddress(
			fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.FederationPort),
		),
		tapestry.WithPushMode(federation.PushMode(cfg.PushMode)),
		tapestry.WithPushWorkers(cfg.PushWorkers),
		tapestry.WithBackfillLimit(cfg.BackfillLimit),
		tapestry.WithBackfillRounds(cfg.BackfillRounds),
		tapestry.WithShutdownTimeout(shutdownTimeout),
		// Enable metrics with default prometheus registry
		tapestry.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		tapestry.WithTracing(cfg.Tracing),
		tapestry.WithTracingStdout(cfg.TracingStdout),
	}
	for _, peer := range cfg.Peers {
		if peer.URL != "" {
			opts = append(
				opts,
				tapestry.WithPeerAddress(peer.Name, peer.URL),
			)
		}
		if peer.PublicKey != "" {
			pub, err := base64.RawURLEncoding.DecodeString(peer.PublicKey)
			if err != nil {
				return fmt.Errorf(
					"invalid public key for peer %s: %w",
					peer.Name,
					err,
				)
			}
			opts = append(opts, tapestry.WithTrustedKey(tapestry.TrustedKey{
				ServerName: peer.Name,
				KeyID:      peer.KeyID,
				PublicKey:  pub,
			}))
		}
	}

	n, err := tapestry.New(tapestry.NewConfig(opts...))
	if err != nil {
		return err
	}

	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		//nolint:contextcheck
		err := n.Run(signalCtx)
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	shutdownMetrics := func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		shutdownMetrics()
		if err := n.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("node stopped")
			shutdownMetrics()
			if err := n.Stop(); err != nil {
				logger.Error("shutdown errors occurred", "error", err)
				return err
			}
			return nil
		}
		logger.Error("node error", "error", err)
		signalCtxStop()

		if stopErr := n.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}
		shutdownMetrics()
		return err
	}
}
