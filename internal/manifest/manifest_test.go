package manifest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ORCID/public-data-sync/internal/shard"
)

const header = "orcid,created,status,last_modified\n"

func row(id, ts string) string {
	return id + ",2015-01-01 00:00:00,active," + ts + "\n"
}

func selectIDs(t *testing.T, data string, cutoff time.Time) ([]string, Stats) {
	t.Helper()
	log, _ := test.NewNullLogger()

	var ids []string
	stats, err := Select(context.Background(), NewReader(strings.NewReader(data)), cutoff, log, func(r Record) error {
		ids = append(ids, r.EntityID)
		return nil
	})
	require.NoError(t, err)
	return ids, stats
}

func TestSelectStopsAtCutoff(t *testing.T) {
	data := header +
		row("A", "2024-01-10 00:00:00.000000") +
		row("B", "2024-01-08 00:00:00") +
		row("C", "2024-01-03 00:00:00")

	cutoff := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	ids, stats := selectIDs(t, data, cutoff)

	assert.Equal(t, []string{"A", "B"}, ids)
	assert.True(t, stats.ShortCircuited)
	assert.Equal(t, 2, stats.Selected)
}

func TestSelectShortCircuitIgnoresLaterRows(t *testing.T) {
	// D is out of order: its timestamp qualifies, but it comes after the
	// first row below the cutoff and must not be selected.
	data := header +
		row("A", "2024-01-10 00:00:00") +
		row("B", "2024-01-08 00:00:00") +
		row("C", "2024-01-03 00:00:00") +
		row("D", "2024-02-01 00:00:00")

	cutoff := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	ids, stats := selectIDs(t, data, cutoff)

	assert.Equal(t, []string{"A", "B"}, ids)
	assert.NotContains(t, ids, "D")
	assert.Equal(t, 3, stats.Rows)
}

func TestSelectIncludesCutoffInstant(t *testing.T) {
	data := header + row("A", "2024-01-05 00:00:00")
	ids, stats := selectIDs(t, data, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, []string{"A"}, ids)
	assert.False(t, stats.ShortCircuited)
}

func TestSelectSkipsBadRows(t *testing.T) {
	// A malformed timestamp is skipped and does not trigger the short-circuit.
	data := header +
		row("A", "2024-01-10 00:00:00") +
		row("B", "10/01/2024") +
		"short,row\n" +
		row("C", "2024-01-09 12:30:00.5") +
		row("D", "2024-01-01 00:00:00")

	log, hook := test.NewNullLogger()
	var ids []string
	stats, err := Select(context.Background(), NewReader(strings.NewReader(data)),
		time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), log, func(r Record) error {
			ids = append(ids, r.EntityID)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, ids)
	assert.Equal(t, 2, stats.Skipped)
	assert.True(t, stats.ShortCircuited)

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestSelectCallbackError(t *testing.T) {
	data := header + row("A", "2024-01-10 00:00:00") + row("B", "2024-01-09 00:00:00")
	log, _ := test.NewNullLogger()
	stop := errors.New("stop")

	calls := 0
	_, err := Select(context.Background(), NewReader(strings.NewReader(data)), time.Time{}, log, func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestSelectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log, _ := test.NewNullLogger()

	_, err := Select(ctx, NewReader(strings.NewReader(header+row("A", "2024-01-10 00:00:00"))), time.Time{}, log,
		func(Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaderColumns(t *testing.T) {
	data := "last_modified,id\n2024-01-10 00:00:00,X\n"
	r := NewReader(strings.NewReader(data), WithIDColumn(1), WithModifiedColumn(0))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "X", rec.EntityID)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), rec.LastModified)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderRowError(t *testing.T) {
	r := NewReader(strings.NewReader(header + row("A", "yesterday")))
	_, err := r.Next()

	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 2, rowErr.Line)
	assert.Equal(t, "yesterday", rowErr.Value)
}

func TestReaderRejectsUnsafeIDs(t *testing.T) {
	for _, id := range []string{"", "..", "../../summaries", "097/0000-0002-1825-0097", `..\activities`} {
		r := NewReader(strings.NewReader(header + row(id, "2024-01-10 00:00:00")))
		_, err := r.Next()

		var rowErr *RowError
		require.ErrorAs(t, err, &rowErr, "id %q", id)
		assert.ErrorIs(t, err, shard.ErrInvalidID, "id %q", id)
		assert.Equal(t, id, rowErr.Value)
	}
}

func TestSelectSkipsUnsafeIDs(t *testing.T) {
	data := header +
		row("", "2024-01-10 00:00:00") +
		row("../../summaries", "2024-01-09 00:00:00") +
		row("A", "2024-01-08 00:00:00") +
		row("B", "2024-01-01 00:00:00")

	ids, stats := selectIDs(t, data, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"A"}, ids)
	assert.Equal(t, 2, stats.Skipped)
	assert.True(t, stats.ShortCircuited)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2024-03-01 10:11:12.123456")
	require.NoError(t, err)
	assert.Equal(t, 123456000, ts.Nanosecond())

	ts, err = ParseTimestamp("2024-03-01 10:11:12")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC), ts)

	_, err = ParseTimestamp("2024-03-01T10:11:12Z")
	assert.Error(t, err)

	round, err := ParseTimestamp(FormatTimestamp(ts))
	require.NoError(t, err)
	assert.True(t, round.Equal(ts))
}

func TestCutoff(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	marker := time.Date(2024, 6, 20, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, now.AddDate(0, 0, -2), Cutoff(now, 2, &marker))
	assert.Equal(t, marker, Cutoff(now, 0, &marker))
	assert.Equal(t, now.Add(-30*24*time.Hour), Cutoff(now, 0, nil))
}

func TestOpenPlainAndTar(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := header + row("A", "2024-01-10 00:00:00")
	require.NoError(t, afero.WriteFile(fs, "/m/last_modified.csv", []byte(data), 0644))

	var tarBuf bytes.Buffer
	gz := gzip.NewWriter(&tarBuf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "last_modified.csv", Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, afero.WriteFile(fs, "/m/last_modified.csv.tar", tarBuf.Bytes(), 0644))

	for _, name := range []string{"/m/last_modified.csv", "/m/last_modified.csv.tar"} {
		rc, err := Open(context.Background(), fs, name)
		require.NoError(t, err, name)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, data, string(got), name)
	}

	_, err = Open(context.Background(), fs, "/m/missing.csv")
	assert.Error(t, err)
}
