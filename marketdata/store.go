package marketdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/web3guy0/polymaker/internal/fsutil"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED STORE - single writer, many readers, atomic replace
// ═══════════════════════════════════════════════════════════════════════════════

// StoreVersion is bumped whenever the file layout changes.
const StoreVersion = 1

// StoreFile is the on-disk layout of the shared price store.
type StoreFile struct {
	Version     int                       `json:"version"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Instruments map[string]types.Snapshot `json:"instruments"`
}

// Store publishes snapshot sets to one path. Write is safe for concurrent use
// but there must be a single writing process per path.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store bound to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the published location.
func (s *Store) Path() string { return s.path }

// Write encodes the set and atomically replaces the published file. Readers
// see either the old file or the new one. The encoded bytes are returned for
// further publication.
func (s *Store) Write(set map[string]types.Snapshot, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := StoreFile{
		Version:     StoreVersion,
		UpdatedAt:   now.UTC(),
		Instruments: set,
	}
	if file.Instruments == nil {
		file.Instruments = map[string]types.Snapshot{}
	}
	data, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("encode store: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.path, data, 0644); err != nil {
		return nil, fmt.Errorf("publish store: %w", err)
	}
	return data, nil
}

// Read loads the published file.
func (s *Store) Read() (*StoreFile, error) {
	return ReadStore(s.path)
}

// ReadStore loads and decodes a store file. A missing file wraps
// types.ErrStoreMissing.
func ReadStore(path string) (*StoreFile, error) {
	if path == "" {
		return nil, types.ErrStoreMissing
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", types.ErrStoreMissing, path)
		}
		return nil, fmt.Errorf("read store: %w", err)
	}

	var file StoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	if file.Version > StoreVersion {
		return nil, fmt.Errorf("store version %d is newer than supported %d", file.Version, StoreVersion)
	}
	for id, snap := range file.Instruments {
		snap.InstrumentID = id
		file.Instruments[id] = snap
	}
	return &file, nil
}

// Fresh reports whether the file was written within maxAge of now.
func (f *StoreFile) Fresh(now time.Time, maxAge time.Duration) bool {
	if f == nil || f.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(f.UpdatedAt) <= maxAge
}
