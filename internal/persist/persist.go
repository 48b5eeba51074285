// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package persist implements the optional on-disk persistence tier: an
// append-only byte-addressable KV sink the core can mirror records
// into, realized with go.etcd.io/bbolt (the embedded KV store named in
// the retrieval pack's manifests for exactly this role). The core only
// ever sees the narrow Adapter interface; everything bbolt-specific is
// contained here.
package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

// Strategy selects which operations the persistence adapter must
// support, modeled as a capability set rather than four unrelated
// types: every strategy shares the same Adapter, differing only in
// which of the core's call sites actually invoke it.
type Strategy int

const (
	// MemoryOnly never touches the adapter.
	MemoryOnly Strategy = iota
	// WriteAhead appends every upsert to the KV store but still serves
	// reads from the in-memory PrefixCHT.
	WriteAhead
	// PersistOnly redirects the read path to the KV store; the
	// in-memory PrefixCHT is not consulted for record bodies.
	PersistOnly
	// PersistHistory behaves like PersistOnly but can return every
	// persisted version of a (prefix, mui): reads that ask for history
	// get every ltime, all other reads are collapsed to the latest.
	PersistHistory
)

func (s Strategy) String() string {
	switch s {
	case WriteAhead:
		return "WriteAhead"
	case PersistOnly:
		return "PersistOnly"
	case PersistHistory:
		return "PersistHistory"
	default:
		return "MemoryOnly"
	}
}

// ReadsFromDisk reports whether the read path must consult the KV store
// rather than (only) the in-memory record map.
func (s Strategy) ReadsFromDisk() bool {
	return s == PersistOnly || s == PersistHistory
}

// KeepsHistory reports whether reads that ask for history may return
// every version instead of only the latest.
func (s Strategy) KeepsHistory() bool {
	return s == PersistHistory
}

// Adapter is the narrow trait the core consumes. Every key is an
// append-only, never-overwritten (prefix, mui, ltime) triple.
type Adapter interface {
	Put(bucket string, key, value []byte) error
	// RecordsForPrefix returns every stored value whose key begins with
	// prefixKeyPrefix, in unspecified order.
	RecordsForPrefix(bucket string, prefixKeyPrefix []byte) ([][]byte, error)
	Flush() error
	ApproxPersistedItems(bucket string) uint64
	DiskSpace() uint64
	Close() error
}

// FatalError wraps a persistence-layer failure the core cannot recover
// from locally: a decode failure or similar corruption. It is
// always returned, never panicked.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("persist: fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// BoltAdapter implements Adapter on top of a single bbolt database
// file, one top-level bucket per address family ("v4", "v6").
type BoltAdapter struct {
	db   *bbolt.DB
	path string
}

// OpenBolt opens (creating if necessary) a bbolt-backed adapter at path.
func OpenBolt(path string) (*BoltAdapter, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: opening bbolt db: %w", err)
	}

	for _, name := range []string{"v4", "v6"} {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("persist: creating bucket %s: %w", name, err)
		}
	}

	return &BoltAdapter{db: db, path: path}, nil
}

func (b *BoltAdapter) Put(bucket string, key, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return errors.New("persist: unknown bucket " + bucket)
		}
		return bk.Put(key, value)
	})
	if err != nil {
		return &FatalError{Err: err}
	}
	return nil
}

func (b *BoltAdapter) RecordsForPrefix(bucket string, prefixKeyPrefix []byte) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return errors.New("persist: unknown bucket " + bucket)
		}
		c := bk.Cursor()
		for k, v := c.Seek(prefixKeyPrefix); k != nil && bytes.HasPrefix(k, prefixKeyPrefix); k, v = c.Next() {
			val := make([]byte, len(v))
			copy(val, v)
			out = append(out, val)
		}
		return nil
	})
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	return out, nil
}

func (b *BoltAdapter) Flush() error {
	if err := b.db.Sync(); err != nil {
		return &FatalError{Err: err}
	}
	return nil
}

func (b *BoltAdapter) ApproxPersistedItems(bucket string) uint64 {
	var n uint64
	_ = b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk != nil {
			n = uint64(bk.Stats().KeyN)
		}
		return nil
	})
	return n
}

func (b *BoltAdapter) DiskSpace() uint64 {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

func (b *BoltAdapter) Close() error {
	return b.db.Close()
}

// EncodeKey builds the fixed-layout key prefix_bytes‖mui_be‖ltime_be.
func EncodeKey(prefixBytes []byte, mui uint32, ltime uint64) []byte {
	buf := make([]byte, len(prefixBytes)+4+8)
	n := copy(buf, prefixBytes)
	binary.BigEndian.PutUint32(buf[n:], mui)
	binary.BigEndian.PutUint64(buf[n+4:], ltime)
	return buf
}

// PrefixKeyPrefix builds the key prefix shared by every (mui, ltime)
// entry under prefixBytes.
func PrefixKeyPrefix(prefixBytes []byte) []byte {
	out := make([]byte, len(prefixBytes))
	copy(out, prefixBytes)
	return out
}
