// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package blob is the content-addressed image store backed by BadgerDB.
//
// Keys are derived from the SHA-256 of the original upload plus a role
// suffix, e.g.
//
//	3a7bd3...e2f1.orig.png
//	3a7bd3...e2f1.thumb.jpg
//
// Because the key is a pure function of the content, writes are
// idempotent and stored assets are immutable: the byte string behind a
// key never changes, which lets the HTTP layer serve assets with
// far-future cache headers.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/gridplace/internal/config"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/metrics"
)

// Role suffixes carried in blob keys.
const (
	RoleOrig  = "orig"
	RoleThumb = "thumb"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("blob not found")

// Store is a BadgerDB-backed blob store.
type Store struct {
	db *badger.DB
}

// New opens (or creates) the blob database at cfg.Path. With cfg.InMemory
// set the store lives entirely in memory, which tests use.
func New(cfg *config.BlobConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob database: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Msg("Blob store opened")

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sum returns the lowercase hex SHA-256 of data. All keys start with it.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// OrigKey builds the key for an original upload with the given format
// ("png", "jpeg", "gif").
func OrigKey(sum, format string) string {
	return sum + "." + RoleOrig + "." + format
}

// ThumbKey builds the key for the derived thumbnail. Thumbnails are
// always JPEG regardless of the source format.
func ThumbKey(sum string) string {
	return sum + "." + RoleThumb + ".jpg"
}

// AssetURL returns the public serving path for a blob key, or "" for an
// empty key.
func AssetURL(key string) string {
	if key == "" {
		return ""
	}
	return "/assets/" + key
}

// ContentType maps a blob key to its MIME type by extension.
func ContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".gif"):
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// roleOf extracts the role segment from a key for metrics labeling.
func roleOf(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) >= 2 {
		return parts[1]
	}
	return "unknown"
}

// Put stores data under key. Re-putting an existing key is a no-op
// success: content-derived keys mean equal keys imply equal bytes.
func (s *Store) Put(key string, data []byte) error {
	if key == "" {
		return errors.New("empty blob key")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil // Already stored, identical by construction
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check blob: %w", err)
		}
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}

	metrics.BlobBytesWritten.WithLabelValues(roleOf(key)).Add(float64(len(data)))
	return nil
}

// Get returns the bytes stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get blob: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Has reports whether key exists without reading the value.
func (s *Store) Has(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blob %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is a no-op. This is the
// rollback path of the upload pipeline; nothing else deletes blobs.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}
