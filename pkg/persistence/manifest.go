package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const (
	ManifestFileName = "MANIFEST"
	manifestVersion  = 1
)

// ManifestData is the persisted catalog of live tables.
type ManifestData struct {
	Version    int         `json:"version"`
	DBID       string      `json:"db_id"`
	NextFileID uint64      `json:"next_file_id"`
	LastSeq    types.SeqN  `json:"last_seq"`
	LogNumber  uint64      `json:"log_number"`
	Tables     []TableMeta `json:"tables"`
}

// VersionEdit is one atomic change to the catalog. Zero counters leave the
// stored value unchanged; counters never move backwards.
type VersionEdit struct {
	Added      []TableMeta
	Removed    []uint64
	NextFileID uint64
	LastSeq    types.SeqN
	LogNumber  uint64
}

// Catalog is a loaded manifest grouped by level.
type Catalog struct {
	DBID       string
	NextFileID uint64
	LastSeq    types.SeqN
	LogNumber  uint64
	Levels     [][]TableMeta
}

// Manifest manages metadata about SSTables and levels. Every change rewrites
// the file through a temporary file and a rename.
type Manifest struct {
	mu       sync.Mutex
	dir      string
	filePath string
	data     ManifestData
}

// OpenManifest loads the manifest in dir, creating it on first use.
func OpenManifest(dir string) (*Manifest, error) {
	m := &Manifest{
		dir:      dir,
		filePath: filepath.Join(dir, ManifestFileName),
	}

	data, err := os.ReadFile(m.filePath)
	switch {
	case os.IsNotExist(err):
		m.data = ManifestData{
			Version:    manifestVersion,
			DBID:       uuid.NewString(),
			NextFileID: 1,
		}
		if err := m.save(m.data); err != nil {
			return nil, err
		}
		slog.Info("created manifest", "path", m.filePath, "db_id", m.data.DBID)
		return m, nil
	case err != nil:
		return nil, dberrors.IO("read manifest", err)
	}

	if err := json.Unmarshal(data, &m.data); err != nil {
		return nil, dberrors.Corruption(m.filePath, 0, "failed to parse manifest: %v", err)
	}
	if m.data.Version != manifestVersion {
		return nil, dberrors.Corruption(m.filePath, 0, "unsupported manifest version %d", m.data.Version)
	}
	return m, nil
}

// Load returns the catalog.
func (m *Manifest) Load() Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := Catalog{
		DBID:       m.data.DBID,
		NextFileID: m.data.NextFileID,
		LastSeq:    m.data.LastSeq,
		LogNumber:  m.data.LogNumber,
	}
	for _, t := range m.data.Tables {
		for len(c.Levels) <= t.Level {
			c.Levels = append(c.Levels, nil)
		}
		c.Levels[t.Level] = append(c.Levels[t.Level], t)
	}
	return c
}

// NewFileID reserves a file number. The reservation becomes durable with the
// next applied edit.
func (m *Manifest) NewFileID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.data.NextFileID
	m.data.NextFileID++
	return id
}

func (m *Manifest) DBID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DBID
}

func (m *Manifest) LogNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LogNumber
}

func (m *Manifest) LastSeq() types.SeqN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LastSeq
}

// RecordSSTableAdded registers a table at level.
func (m *Manifest) RecordSSTableAdded(level int, meta TableMeta) error {
	meta.Level = level
	return m.Apply(VersionEdit{Added: []TableMeta{meta}})
}

// RecordSSTableRemoved unregisters a table.
func (m *Manifest) RecordSSTableRemoved(fileID uint64) error {
	return m.Apply(VersionEdit{Removed: []uint64{fileID}})
}

// Apply persists edit. Either the whole edit is durable or nothing changes.
func (m *Manifest) Apply(edit VersionEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.data
	next.Tables = slices.Clone(m.data.Tables)

	for _, id := range edit.Removed {
		i := slices.IndexFunc(next.Tables, func(t TableMeta) bool { return t.FileID == id })
		if i < 0 {
			return fmt.Errorf("%w: table %d is not in the manifest", dberrors.ErrInvalidArgument, id)
		}
		next.Tables = slices.Delete(next.Tables, i, i+1)
	}
	for _, t := range edit.Added {
		if slices.ContainsFunc(next.Tables, func(o TableMeta) bool { return o.FileID == t.FileID }) {
			return fmt.Errorf("%w: table %d is already in the manifest", dberrors.ErrInvalidArgument, t.FileID)
		}
		if t.Level < 0 {
			return fmt.Errorf("%w: negative level for table %d", dberrors.ErrInvalidArgument, t.FileID)
		}
		next.Tables = append(next.Tables, t)
		next.NextFileID = max(next.NextFileID, t.FileID+1)
	}
	next.NextFileID = max(next.NextFileID, edit.NextFileID)
	next.LastSeq = max(next.LastSeq, edit.LastSeq)
	next.LogNumber = max(next.LogNumber, edit.LogNumber)

	if err := m.save(next); err != nil {
		return err
	}
	m.data = next
	return nil
}

func (m *Manifest) save(data ManifestData) error {
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmpPath := m.filePath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return dberrors.IO("create manifest", err)
	}

	_, werr := f.Write(buf)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return dberrors.IO("write manifest", err)
	}

	if err := os.Rename(tmpPath, m.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return dberrors.IO("install manifest", err)
	}
	return syncDir(m.dir)
}
