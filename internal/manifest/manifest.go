package manifest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ORCID/public-data-sync/internal/shard"
)

// Timestamp layouts accepted in the last-modified column, tried in order.
const (
	TimestampLayout           = "2006-01-02 15:04:05.999999"
	TimestampLayoutNoFraction = "2006-01-02 15:04:05"
)

// DefaultWindow is how far back the cutoff reaches when neither a days
// override nor a last-run marker is available.
const DefaultWindow = 30 * 24 * time.Hour

// Record is one row of the change manifest.
type Record struct {
	EntityID     string
	LastModified time.Time
}

// RowError is returned by Reader.Next for a row that cannot be used. It is
// recoverable: the caller skips the row and keeps reading.
type RowError struct {
	Line  int
	Value string
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("manifest: line %d: %q: %v", e.Line, e.Value, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// ErrMissingColumn is wrapped by a RowError when a row is too short.
var ErrMissingColumn = errors.New("missing column")

// Option configures a Reader.
type Option func(*Reader)

// WithIDColumn sets the zero-based column holding the entity id.
func WithIDColumn(n int) Option {
	return func(r *Reader) {
		r.idColumn = n
	}
}

// WithModifiedColumn sets the zero-based column holding the last-modified
// timestamp.
func WithModifiedColumn(n int) Option {
	return func(r *Reader) {
		r.modifiedColumn = n
	}
}

// Reader parses a change manifest. The header row is skipped.
type Reader struct {
	csv            *csv.Reader
	idColumn       int
	modifiedColumn int
	headerRead     bool
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	mr := &Reader{
		csv:            cr,
		idColumn:       0,
		modifiedColumn: 3,
	}
	for _, opt := range opts {
		opt(mr)
	}
	return mr
}

// Next returns the next record. It returns io.EOF at the end of the
// manifest and a *RowError for a row that cannot be parsed, including one
// whose entity id fails shard.ValidateID.
func (r *Reader) Next() (Record, error) {
	if !r.headerRead {
		r.headerRead = true
		if _, err := r.csv.Read(); err != nil {
			return Record{}, r.wrap(err)
		}
	}

	row, err := r.csv.Read()
	if err != nil {
		return Record{}, r.wrap(err)
	}
	line, _ := r.csv.FieldPos(0)

	if len(row) <= r.idColumn || len(row) <= r.modifiedColumn {
		return Record{}, &RowError{Line: line, Err: ErrMissingColumn}
	}

	id := row[r.idColumn]
	if err := shard.ValidateID(id); err != nil {
		return Record{}, &RowError{Line: line, Value: id, Err: err}
	}

	raw := row[r.modifiedColumn]
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return Record{}, &RowError{Line: line, Value: raw, Err: err}
	}

	return Record{EntityID: id, LastModified: ts}, nil
}

func (r *Reader) wrap(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &RowError{Line: pe.Line, Err: pe.Err}
	}
	return fmt.Errorf("manifest: read: %w", err)
}

// ParseTimestamp parses a last-modified value with or without sub-second
// precision. Values are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range []string{TimestampLayout, TimestampLayoutNoFraction} {
		ts, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return ts, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// FormatTimestamp renders t in the layout ParseTimestamp accepts first.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Cutoff returns the threshold below which records are considered already
// synchronized. A positive daysBack wins over the marker, which wins over
// DefaultWindow.
func Cutoff(now time.Time, daysBack int, marker *time.Time) time.Time {
	switch {
	case daysBack > 0:
		return now.AddDate(0, 0, -daysBack)
	case marker != nil:
		return *marker
	default:
		return now.Add(-DefaultWindow)
	}
}

// Stats summarizes a Select scan.
type Stats struct {
	Rows           int
	Selected       int
	Skipped        int
	ShortCircuited bool
}

// Select scans the manifest in order and calls fn for every record modified
// at or after cutoff.
//
// The manifest must be sorted by last-modified time, newest first. The scan
// stops at the first successfully parsed record older than cutoff, even if a
// later row would qualify. Rows that cannot be parsed are logged and skipped
// and never stop the scan.
func Select(ctx context.Context, r *Reader, cutoff time.Time, log logrus.FieldLogger, fn func(Record) error) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := r.Next()
		if err == io.EOF {
			return stats, nil
		}

		var rowErr *RowError
		if errors.As(err, &rowErr) {
			stats.Rows++
			stats.Skipped++
			log.WithError(rowErr).WithField("line", rowErr.Line).Warn("Skipping manifest row")
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.Rows++

		if rec.LastModified.Before(cutoff) {
			stats.ShortCircuited = true
			log.WithFields(logrus.Fields{
				"entity":        rec.EntityID,
				"last_modified": FormatTimestamp(rec.LastModified),
			}).Debug("Reached records older than the cutoff")
			return stats, nil
		}

		log.WithFields(logrus.Fields{
			"entity":        rec.EntityID,
			"last_modified": FormatTimestamp(rec.LastModified),
		}).Debug("Selected record")
		stats.Selected++
		if err := fn(rec); err != nil {
			return stats, err
		}
	}
}
