package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/data/source"
	"devloop/internal/shared/observability"
	"devloop/internal/shared/util"
)

const formatVersion = 1

type document struct {
	Format int          `json:"format"`
	Root   string       `json:"root"`
	Files  []FileRecord `json:"files"`
}

// Store is the in-memory manifest plus its on-disk location. Only Flush
// writes to disk.
type Store struct {
	path string
	root string

	mu      sync.RWMutex
	records map[string]*FileRecord
}

func NewStore(path, root string) *Store {
	return &Store{
		path:    path,
		root:    root,
		records: make(map[string]*FileRecord),
	}
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory records with the persisted manifest. A missing
// file returns an error satisfying os.IsNotExist; anything unreadable is
// CORRUPT_MANIFEST and callers rebuild from scratch.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return corrupt(s.path, err)
	}
	if doc.Format != formatVersion {
		return corrupt(s.path, fmt.Errorf("unsupported manifest format %d", doc.Format))
	}
	if doc.Root != s.root {
		return corrupt(s.path, fmt.Errorf("manifest root %q does not match project root %q", doc.Root, s.root))
	}

	records := make(map[string]*FileRecord, len(doc.Files))
	for i := range doc.Files {
		rec := doc.Files[i]
		if rec.Path == "" {
			return corrupt(s.path, fmt.Errorf("record %d has no path", i))
		}
		if _, dup := records[rec.Path]; dup {
			return corrupt(s.path, fmt.Errorf("duplicate record %q", rec.Path))
		}
		if rec.Version < 1 || rec.Hash == "" {
			return corrupt(s.path, fmt.Errorf("record %q has no identity", rec.Path))
		}
		rec.normalize()
		records[rec.Path] = &rec
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	observability.ManifestRecords.Set(float64(len(records)))
	return nil
}

func corrupt(path string, err error) error {
	return domainerrors.AddContext(
		domainerrors.Wrap(err, domainerrors.CodeCorruptManifest, "manifest unreadable"),
		domainerrors.CtxPath, path,
	)
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]*FileRecord)
	s.mu.Unlock()
	observability.ManifestRecords.Set(0)
}

func (s *Store) Get(path string) (FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	if !ok {
		return FileRecord{}, false
	}
	return rec.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upsert stores rec. The version is assigned here: 1 for a new path, bumped
// when the hash differs from the stored one, unchanged otherwise.
func (s *Store) Upsert(rec FileRecord) FileRecord {
	rec = rec.Clone()
	rec.normalize()
	rec.Dependencies = util.SortedUnique(rec.Dependencies)
	rec.Dependents = util.SortedUnique(rec.Dependents)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[rec.Path]; ok {
		rec.Version = prev.Version
		if prev.Hash != rec.Hash {
			rec.Version++
		}
	} else {
		rec.Version = 1
	}
	s.records[rec.Path] = &rec
	observability.ManifestRecords.Set(float64(len(s.records)))
	return rec.Clone()
}

// Update mutates the derived fields of an existing record in place. The
// callback must not change Path, Hash or Version.
func (s *Store) Update(path string, fn func(*FileRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[path]
	if !ok {
		return false
	}
	path, hash, version := rec.Path, rec.Hash, rec.Version
	fn(rec)
	rec.Path, rec.Hash, rec.Version = path, hash, version
	rec.Dependencies = util.SortedUnique(rec.Dependencies)
	rec.Dependents = util.SortedUnique(rec.Dependents)
	rec.normalize()
	return true
}

func (s *Store) Remove(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[path]; !ok {
		return false
	}
	delete(s.records, path)
	observability.ManifestRecords.Set(float64(len(s.records)))
	return true
}

// Records returns copies of every record sorted by path.
func (s *Store) Records() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Marshal renders the deterministic on-disk form.
func (s *Store) Marshal() ([]byte, error) {
	doc := document{Format: formatVersion, Root: s.root, Files: s.Records()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Flush persists the manifest atomically.
func (s *Store) Flush() error {
	start := time.Now()
	defer func() {
		observability.ManifestFlushDuration.Observe(time.Since(start).Seconds())
	}()

	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", s.path, err)
	}
	return nil
}

// Lister is the view of the source tree the disk diff needs.
type Lister interface {
	List(ctx context.Context) ([]source.File, error)
	Read(rel string) ([]byte, time.Time, error)
}

// Diff classifies the difference between the manifest and the disk. Every
// slice is sorted.
type Diff struct {
	Added    []string
	Modified []string
	Removed  []string
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// DiffAgainstDisk compares the records with the current tree. Files whose
// modification time matches the record are assumed unchanged; the rest are
// hashed so a touch without an edit is not reported.
func (s *Store) DiffAgainstDisk(ctx context.Context, tree Lister) (Diff, error) {
	files, err := tree.List(ctx)
	if err != nil {
		return Diff{}, err
	}

	s.mu.RLock()
	known := make(map[string]FileRecord, len(s.records))
	for path, rec := range s.records {
		known[path] = *rec
	}
	s.mu.RUnlock()

	var diff Diff
	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.Path] = true
		rec, ok := known[f.Path]
		if !ok {
			diff.Added = append(diff.Added, f.Path)
			continue
		}
		if rec.LastModified.Equal(f.ModTime) {
			continue
		}
		data, _, err := tree.Read(f.Path)
		if err != nil {
			if os.IsNotExist(err) {
				onDisk[f.Path] = false
				continue
			}
			return Diff{}, err
		}
		if util.ContentHash(data) != rec.Hash {
			diff.Modified = append(diff.Modified, f.Path)
		}
	}
	for path := range known {
		if !onDisk[path] {
			diff.Removed = append(diff.Removed, path)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Removed)
	return diff, nil
}
