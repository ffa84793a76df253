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

// Package database is the event store: durable storage for events,
// state snapshots, extremities, memberships, aliases, and peer contact
// records. Metadata lives in a SQLite database via gorm; each event's
// raw signed JSON lives in a badger blob store keyed by event ID.
package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tapestryhq/tapestry/database/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on a duplicate insert for a unique key
	ErrConflict = errors.New("already exists")
)

type Config struct {
	Logger  *slog.Logger
	DataDir string
}

type Database struct {
	logger   *slog.Logger
	metadata *gorm.DB
	blob     *badger.DB
	dataDir  string
}

// New creates a new database instance with optional persistence using
// the provided data directory. An empty data directory keeps everything
// in memory, which is useful for testing.
func New(cfg Config) (*Database, error) {
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	metadataDb, err := openMetadata(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	blobDb, err := openBlob(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	d := &Database{
		logger:   logger.With("component", "database"),
		metadata: metadataDb,
		blob:     blobDb,
		dataDir:  cfg.DataDir,
	}
	for _, model := range models.MigrateModels {
		if err := d.metadata.AutoMigrate(model); err != nil {
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return d, nil
}

func openMetadata(dataDir string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		// Surface duplicate-key violations as gorm.ErrDuplicatedKey so
		// they can be mapped to ErrConflict
		TranslateError: true,
	}
	if dataDir == "" {
		// cache=shared allows multiple connections to share the same
		// in-memory database
		return gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			gormCfg,
		)
	}
	if err := ensureDir(dataDir); err != nil {
		return nil, err
	}
	metadataDbPath := filepath.Join(dataDir, "metadata.sqlite")
	connOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
	return gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?%s", metadataDbPath, connOpts)),
		gormCfg,
	)
}

func openBlob(dataDir string, logger *slog.Logger) (*badger.DB, error) {
	if dataDir == "" {
		opts := badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(newBadgerLogger(logger))
		return badger.Open(opts)
	}
	if err := ensureDir(dataDir); err != nil {
		return nil, err
	}
	blobDir := filepath.Join(dataDir, "blob")
	opts := badger.DefaultOptions(blobDir).
		WithLogger(newBadgerLogger(logger))
	return badger.Open(opts)
}

func ensureDir(dataDir string) error {
	if _, err := os.Stat(dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read data dir: %w", err)
		}
		if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	return nil
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	if sqlDb, sqlErr := d.metadata.DB(); sqlErr == nil {
		err = errors.Join(err, sqlDb.Close())
	}
	err = errors.Join(err, d.blob.Close())
	return err
}

// Txn bundles a metadata transaction with a blob transaction so that
// an event row and its raw JSON commit or roll back together
type Txn struct {
	metadata *gorm.DB
	blob     *badger.Txn
}

// Update runs fn inside a read-write transaction spanning both stores.
// The blob transaction commits only if the metadata transaction
// commits.
func (d *Database) Update(fn func(txn *Txn) error) error {
	return d.metadata.Transaction(func(gtx *gorm.DB) error {
		btx := d.blob.NewTransaction(true)
		defer btx.Discard()
		if err := fn(&Txn{metadata: gtx, blob: btx}); err != nil {
			return err
		}
		if err := btx.Commit(); err != nil {
			return fmt.Errorf("blob commit: %w", err)
		}
		return nil
	})
}

// View runs fn with read-only access to both stores
func (d *Database) View(fn func(txn *Txn) error) error {
	btx := d.blob.NewTransaction(false)
	defer btx.Discard()
	return fn(&Txn{metadata: d.metadata, blob: btx})
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}
