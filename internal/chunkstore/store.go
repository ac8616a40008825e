// Package chunkstore is a thin, typed facade (§4.1) over a keyed blob
// store with a hard capacity. It is grounded on the teacher's
// internal/store/store.go: a write-ahead log for durability and an
// in-memory index for fast reads (no snapshotting) — generalised
// from string keys/values to overlay.DataId/overlay.Data and extended
// with the capacity accounting §3/§4.1 require, which the teacher's
// Store never needed.
package chunkstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vaultd/internal/overlay"
)

// ErrNotFound is returned by Get for a missing id.
var ErrNotFound = fmt.Errorf("chunkstore: not found")

// Store is the facade the Data Manager engine depends on (§4.1).
type Store interface {
	Has(id overlay.DataId) bool
	Get(id overlay.DataId) (overlay.Data, error)
	Put(id overlay.DataId, data overlay.Data) error
	Delete(id overlay.DataId) error
	Keys() []overlay.DataId
	UsedSpace() uint64
	MaxSpace() uint64
	Close() error
}

// walEntry is a single durable record: a put or a delete, keyed by id.
type walEntry struct {
	Op   string         `json:"op"`
	ID   overlay.DataId `json:"id"`
	Data overlay.Data   `json:"data,omitempty"`
}

const (
	opPut    = "PUT"
	opDelete = "DELETE"
)

// DirStore is a directory-backed Store: every mutation is appended to a
// write-ahead log before the in-memory index is updated (teacher's
// "WAL-first" rule, store.go's Put/Delete), and used-space accounting is
// maintained incrementally so ChunkStoreFull checks never need to
// re-scan the index.
type DirStore struct {
	mu        sync.RWMutex
	data      map[overlay.DataId]overlay.Data
	sizes     map[overlay.DataId]uint64
	usedBytes uint64
	maxBytes  uint64
	dataDir   string
	wal       *os.File
}

// New opens or creates a DirStore rooted at dataDir with the given
// capacity. Replays any existing write-ahead log before returning, the
// same recovery sequence as the teacher's store.New.
func New(dataDir string, maxBytes uint64) (*DirStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create data dir: %w", err)
	}

	s := &DirStore{
		data:     make(map[overlay.DataId]overlay.Data),
		sizes:    make(map[overlay.DataId]uint64),
		maxBytes: maxBytes,
		dataDir:  dataDir,
	}

	walPath := filepath.Join(dataDir, "chunks.wal")
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open wal: %w", err)
	}
	s.wal = f

	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("chunkstore: replay wal: %w", err)
	}
	return s, nil
}

func (s *DirStore) replay() error {
	if _, err := s.wal.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // corrupt trailing entry from an interrupted append; skip it
		}
		switch e.Op {
		case opPut:
			s.applyPutLocked(e.ID, e.Data)
		case opDelete:
			s.applyDeleteLocked(e.ID)
		}
	}
	if _, err := s.wal.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

func (s *DirStore) applyPutLocked(id overlay.DataId, data overlay.Data) {
	if old, ok := s.sizes[id]; ok {
		s.usedBytes -= old
	}
	size := uint64(data.Size())
	s.data[id] = data
	s.sizes[id] = size
	s.usedBytes += size
}

func (s *DirStore) applyDeleteLocked(id overlay.DataId) {
	if old, ok := s.sizes[id]; ok {
		s.usedBytes -= old
		delete(s.sizes, id)
	}
	delete(s.data, id)
}

func (s *DirStore) append(entry walEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.wal.Write(data); err != nil {
		return err
	}
	return s.wal.Sync()
}

// Has implements Store.
func (s *DirStore) Has(id overlay.DataId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[id]
	return ok
}

// Get implements Store.
func (s *DirStore) Get(id overlay.DataId) (overlay.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return overlay.Data{}, ErrNotFound
	}
	return d, nil
}

// Put implements Store. It overwrites any prior value for id, updating
// used-space accounting accordingly (§4.1).
func (s *DirStore) Put(id overlay.DataId, data overlay.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(walEntry{Op: opPut, ID: id, Data: data}); err != nil {
		return fmt.Errorf("chunkstore: append put: %w", err)
	}
	s.applyPutLocked(id, data)
	return nil
}

// Delete implements Store.
func (s *DirStore) Delete(id overlay.DataId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return nil
	}
	if err := s.append(walEntry{Op: opDelete, ID: id}); err != nil {
		return fmt.Errorf("chunkstore: append delete: %w", err)
	}
	s.applyDeleteLocked(id)
	return nil
}

// Keys implements Store. Iteration order is unspecified (§4.1).
func (s *DirStore) Keys() []overlay.DataId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]overlay.DataId, 0, len(s.data))
	for id := range s.data {
		keys = append(keys, id)
	}
	return keys
}

// UsedSpace implements Store.
func (s *DirStore) UsedSpace() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedBytes
}

// MaxSpace implements Store.
func (s *DirStore) MaxSpace() uint64 {
	return s.maxBytes
}

// Close implements Store.
func (s *DirStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

// DefaultMaxCapacity is the 2 GiB default of §6.
const DefaultMaxCapacity uint64 = 2 << 30
