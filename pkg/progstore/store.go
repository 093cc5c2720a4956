package progstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bootcode/internal/types"
	"github.com/fortiblox/bootcode/pkg/vm"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrNameNotFound is returned when no program carries the name.
	ErrNameNotFound = errors.New("name not found")

	// ErrNameTaken is returned when a name already labels another program.
	ErrNameTaken = errors.New("name already used by another program")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("progstore closed")

	// ErrReadOnly is returned for writes to a read-only store.
	ErrReadOnly = errors.New("progstore opened read-only")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores program records keyed by ID.
	bucketPrograms = []byte("programs")

	// bucketBySeq indexes IDs by insertion sequence.
	bucketBySeq = []byte("by_seq")

	// bucketNames indexes IDs by name.
	bucketNames = []byte("names")
)

// Config holds archive configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Store is a BoltDB-backed program archive.
type Store struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens an archive at the configured path.
func Open(config Config) (*Store, error) {
	// Ensure directory exists.
	if !config.ReadOnly {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{
		db:     db,
		config: config,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketBySeq, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) checkOpen(write bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if write && s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Put archives a program and returns its ID. Archiving a program that is
// already present keeps the original record; a non-empty name is attached
// if the program had none.
func (s *Store) Put(p vm.Program, name string) (types.ProgramID, error) {
	if err := s.checkOpen(true); err != nil {
		return types.ProgramID{}, err
	}

	listing := []byte(p.String())
	id := types.ComputeProgramID(listing)

	compressed, err := compressZstd(listing)
	if err != nil {
		return id, fmt.Errorf("compress listing: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		names := tx.Bucket(bucketNames)

		if name != "" {
			if owner := names.Get([]byte(name)); owner != nil && !bytes.Equal(owner, id[:]) {
				return fmt.Errorf("%w: %s", ErrNameTaken, name)
			}
		}

		if data := programs.Get(id[:]); data != nil {
			rec, err := decodeStored(data)
			if err != nil {
				return err
			}
			if rec.Name != "" || name == "" {
				return nil
			}
			rec.Name = name
			if err := putStored(programs, id, rec); err != nil {
				return err
			}
			return names.Put([]byte(name), id[:])
		}

		bySeq := tx.Bucket(bucketBySeq)
		seq, err := bySeq.NextSequence()
		if err != nil {
			return err
		}

		rec := &storedRecord{
			Name:         name,
			Sequence:     seq,
			Instructions: len(p),
			ControlFlow:  countControlFlow(p),
			StoredAt:     time.Now().UnixNano(),
			Listing:      compressed,
		}
		if err := putStored(programs, id, rec); err != nil {
			return err
		}
		if err := bySeq.Put(EncodeSeqKey(seq), id[:]); err != nil {
			return err
		}
		if name != "" {
			return names.Put([]byte(name), id[:])
		}
		return nil
	})
	if err != nil {
		return id, err
	}

	return id, nil
}

// Get retrieves an archived program by ID.
func (s *Store) Get(id types.ProgramID) (*Record, error) {
	if err := s.checkOpen(false); err != nil {
		return nil, err
	}

	var stored *storedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b == nil {
			return ErrProgramNotFound
		}
		data := b.Get(id[:])
		if data == nil {
			return ErrProgramNotFound
		}
		rec, err := decodeStored(data)
		if err != nil {
			return err
		}
		stored = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toRecord(id, stored)
}

// Lookup retrieves an archived program by name.
func (s *Store) Lookup(name string) (*Record, error) {
	if err := s.checkOpen(false); err != nil {
		return nil, err
	}

	var id types.ProgramID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		if b == nil {
			return ErrNameNotFound
		}
		v := b.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNameNotFound, name)
		}
		copy(id[:], v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(id)
}

// Has reports whether a program is archived.
func (s *Store) Has(id types.ProgramID) bool {
	if s.checkOpen(false) != nil {
		return false
	}

	var exists bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			exists = b.Get(id[:]) != nil
		}
		return nil
	})
	return exists
}

// Delete removes a program and its index entries.
func (s *Store) Delete(id types.ProgramID) error {
	if err := s.checkOpen(true); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		data := programs.Get(id[:])
		if data == nil {
			return ErrProgramNotFound
		}
		rec, err := decodeStored(data)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketBySeq).Delete(EncodeSeqKey(rec.Sequence)); err != nil {
			return err
		}
		if rec.Name != "" {
			if err := tx.Bucket(bucketNames).Delete([]byte(rec.Name)); err != nil {
				return err
			}
		}
		return programs.Delete(id[:])
	})
}

// List returns archived programs in insertion order. A limit <= 0 returns
// all of them.
func (s *Store) List(limit int) ([]Entry, error) {
	if err := s.checkOpen(false); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		bySeq := tx.Bucket(bucketBySeq)
		programs := tx.Bucket(bucketPrograms)
		if bySeq == nil || programs == nil {
			return nil
		}

		c := bySeq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			data := programs.Get(v)
			if data == nil {
				continue
			}
			rec, err := decodeStored(data)
			if err != nil {
				return err
			}

			var id types.ProgramID
			copy(id[:], v)
			entries = append(entries, Entry{
				ID:           id,
				Name:         rec.Name,
				Sequence:     DecodeSeqKey(k),
				Instructions: rec.Instructions,
				StoredAt:     time.Unix(0, rec.StoredAt),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetStats returns archive statistics.
func (s *Store) GetStats() (*Stats, error) {
	if err := s.checkOpen(false); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			stats.ProgramCount = uint64(b.Stats().KeyN)
		}
		if b := tx.Bucket(bucketNames); b != nil {
			stats.NamedCount = uint64(b.Stats().KeyN)
		}
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the archive.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func putStored(b *bolt.Bucket, id types.ProgramID, rec *storedRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return b.Put(id[:], buf.Bytes())
}

func decodeStored(data []byte) (*storedRecord, error) {
	var rec storedRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func toRecord(id types.ProgramID, stored *storedRecord) (*Record, error) {
	listing, err := decompressZstd(stored.Listing)
	if err != nil {
		return nil, fmt.Errorf("decompress listing: %w", err)
	}
	prog, err := vm.Decode(bytes.NewReader(listing))
	if err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	return &Record{
		ID:           id,
		Name:         stored.Name,
		Sequence:     stored.Sequence,
		Instructions: stored.Instructions,
		ControlFlow:  stored.ControlFlow,
		StoredAt:     time.Unix(0, stored.StoredAt),
		Program:      prog,
	}, nil
}
