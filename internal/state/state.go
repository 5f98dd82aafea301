package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// MarkerFile is the name of the last-run marker inside the state directory.
const MarkerFile = "last_ran"

const markerLayout = "2006-01-02 15:04:05.999999"

// Checkpoint is the resumption state of one listing stream.
//
// A nil ContinuationToken means the listing of Bucket is complete. That is
// a valid persisted state: resuming moves on to the next bucket. Tokens are
// opaque bytes and are stored base64 encoded.
type Checkpoint struct {
	Stream            string    `json:"stream"`
	Bucket            string    `json:"bucket_name"`
	ContinuationToken []byte    `json:"continuation_token"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Exhausted reports whether the checkpoint marks its bucket as fully listed.
func (c *Checkpoint) Exhausted() bool {
	return c.ContinuationToken == nil
}

// Store persists checkpoints and the last-run marker as small files in one
// directory. Each file is replaced atomically.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir}
}

func (s *Store) checkpointPath(stream string) string {
	return filepath.Join(s.dir, stream+".checkpoint.json")
}

// Load returns the checkpoint of stream, or nil if none was saved.
func (s *Store) Load(stream string) (*Checkpoint, error) {
	data, err := afero.ReadFile(s.fs, s.checkpointPath(stream))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read checkpoint %s: %w", stream, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("state: unmarshal checkpoint %s: %w", stream, err)
	}
	if cp.Stream == "" {
		cp.Stream = stream
	}
	return &cp, nil
}

// Save overwrites the checkpoint of cp.Stream.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.Stream == "" {
		return errors.New("state: checkpoint without stream name")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal checkpoint %s: %w", cp.Stream, err)
	}
	if err := s.writeAtomic(s.checkpointPath(cp.Stream), data); err != nil {
		return fmt.Errorf("state: save checkpoint %s: %w", cp.Stream, err)
	}
	return nil
}

// Clear removes the checkpoint of stream. A missing checkpoint is not an
// error.
func (s *Store) Clear(stream string) error {
	err := s.fs.Remove(s.checkpointPath(stream))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("state: clear checkpoint %s: %w", stream, err)
	}
	return nil
}

// LoadMarker returns the start time of the last successful run, or nil if
// no run completed yet.
func (s *Store) LoadMarker() (*time.Time, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, MarkerFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read marker: %w", err)
	}

	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	t, err := time.ParseInLocation(markerLayout, line, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("state: parse marker %q: %w", line, err)
	}
	return &t, nil
}

// SaveMarker records t as the start time of the last successful run.
func (s *Store) SaveMarker(t time.Time) error {
	data := []byte(t.UTC().Format(markerLayout) + "\n")
	if err := s.writeAtomic(filepath.Join(s.dir, MarkerFile), data); err != nil {
		return fmt.Errorf("state: save marker: %w", err)
	}
	return nil
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place, so readers only ever see a complete file.
func (s *Store) writeAtomic(path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	return nil
}
