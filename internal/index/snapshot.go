package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bull/ragsworth/internal/domain"
)

// Snapshot layout: a directory holding manifest.json (index configuration)
// and records.json (every record). The manifest is written last, so a
// directory with a manifest always holds a complete record set.
const (
	ManifestFile    = "manifest.json"
	RecordsFile     = "records.json"
	SnapshotVersion = 1
)

// Manifest describes a persisted index.
type Manifest struct {
	Kind      string    `json:"kind"`
	Version   int       `json:"version"`
	Dimension int       `json:"dimension"`
	Metric    Metric    `json:"metric"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteSnapshot writes records and their manifest into dir.
func WriteSnapshot(dir string, m Manifest, records []domain.IndexRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	if records == nil {
		records = []domain.IndexRecord{}
	}
	m.Version = SnapshotVersion
	m.Count = len(records)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if err := writeJSONAtomic(filepath.Join(dir, RecordsFile), records); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, ManifestFile), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest of a snapshot directory.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	if err := readJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}

// ReadSnapshot loads a snapshot written for an index of the given kind and
// dimension. A different kind or a newer version is a configuration error;
// a different dimension is a dimension mismatch.
func ReadSnapshot(dir, kind string, dim int) (Manifest, []domain.IndexRecord, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return Manifest{}, nil, err
	}

	if m.Kind != kind {
		return Manifest{}, nil, fmt.Errorf("%w: snapshot kind %q, index kind %q",
			domain.ErrConfiguration, m.Kind, kind)
	}
	if m.Version > SnapshotVersion {
		return Manifest{}, nil, fmt.Errorf("%w: snapshot version %d is newer than %d",
			domain.ErrConfiguration, m.Version, SnapshotVersion)
	}
	if m.Dimension != dim {
		return Manifest{}, nil, fmt.Errorf("%w: snapshot dimension %d, configured %d",
			domain.ErrDimensionMismatch, m.Dimension, dim)
	}
	if _, err := ParseMetric(string(m.Metric)); err != nil {
		return Manifest{}, nil, err
	}

	var records []domain.IndexRecord
	if err := readJSON(filepath.Join(dir, RecordsFile), &records); err != nil {
		return Manifest{}, nil, fmt.Errorf("read records: %w", err)
	}
	if len(records) != m.Count {
		return Manifest{}, nil, fmt.Errorf("%w: manifest lists %d records, found %d",
			domain.ErrConfiguration, m.Count, len(records))
	}
	for _, r := range records {
		if len(r.Vector) != dim {
			return Manifest{}, nil, fmt.Errorf("%w: record %s has %d dimensions, expected %d",
				domain.ErrDimensionMismatch, r.ChunkID, len(r.Vector), dim)
		}
	}

	return m, records, nil
}

func writeJSONAtomic(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return err
	}
	return json.Unmarshal(data, v)
}
