package reports

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/bootcode/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixReport is the prefix for reports.
	// Key format: prefixReport + program ID (32 bytes) + kind (1 byte)
	prefixReport = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// metaReportCount is the key for storing the report count.
	metaReportCount = append(append([]byte{}, prefixMeta...), []byte("count")...)
)

// Config contains configuration for the report store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       false,
		ValueLogFileSize: 16 << 20, // 16MB
	}
}

// Store is a BadgerDB-backed report memo.
type Store struct {
	db *badger.DB

	// count is cached in memory
	count atomic.Uint64

	// mu serializes writes that change the count
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates the report store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	return s, nil
}

// loadMetadata loads the report count from disk.
func (s *Store) loadMetadata() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaReportCount)
		if err == badger.ErrKeyNotFound {
			s.count.Store(0)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				s.count.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

// reportKey returns the BadgerDB key for a report.
func reportKey(id types.ProgramID, kind Kind) []byte {
	key := make([]byte, 1+types.ProgramIDSize+1)
	key[0] = prefixReport[0]
	copy(key[1:], id[:])
	key[len(key)-1] = byte(kind)
	return key
}

func programPrefix(id types.ProgramID) []byte {
	key := make([]byte, 1+types.ProgramIDSize)
	key[0] = prefixReport[0]
	copy(key[1:], id[:])
	return key
}

func countBytes(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

// Get retrieves the report of the given kind for a program.
func (s *Store) Get(id types.ProgramID, kind Kind) (*Report, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var report *Report
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reportKey(id, kind))
		if err == badger.ErrKeyNotFound {
			return ErrReportNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := DeserializeReport(val)
			if err != nil {
				return err
			}
			report = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Put stores a report, replacing any earlier report of the same kind.
func (s *Store) Put(r *Report) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if r.Program.IsZero() {
		return ErrMissingProgram
	}
	if r.Kind != KindRun && r.Kind != KindRepair {
		return fmt.Errorf("%w: %d", ErrInvalidKind, r.Kind)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	data, err := r.Serialize()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reportKey(r.Program, r.Kind)
	var isNew bool
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		isNew = err == badger.ErrKeyNotFound
		if err != nil && !isNew {
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		if !isNew {
			return nil
		}
		return txn.Set(metaReportCount, countBytes(s.count.Load()+1))
	})
	if err != nil {
		return err
	}

	if isNew {
		s.count.Add(1)
	}
	return nil
}

// ForProgram returns all reports stored for a program, ordered by kind.
func (s *Store) ForProgram(id types.ProgramID) ([]*Report, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var out []*Report
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = programPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := DeserializeReport(val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every report for a program.
func (s *Store) Delete(id types.ProgramID) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		removed = 0
		for _, kind := range []Kind{KindRun, KindRepair} {
			key := reportKey(id, kind)
			_, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		if removed == 0 {
			return nil
		}
		return txn.Set(metaReportCount, countBytes(s.count.Load()-removed))
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		s.count.Add(^(removed - 1)) // Decrement
	}
	return nil
}

// Count returns the number of stored reports.
func (s *Store) Count() (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.count.Load(), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
