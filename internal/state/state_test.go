package state

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/state")

	cp, err := store.Load("summaries")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.Save(&Checkpoint{Stream: "summaries", Bucket: "v3.0-summaries", ContinuationToken: []byte("abc")}))
	cp, err = store.Load("summaries")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "v3.0-summaries", cp.Bucket)
	assert.Equal(t, []byte("abc"), cp.ContinuationToken)
	assert.False(t, cp.Exhausted())

	// Overwritten, not appended; a nil token is persisted as null.
	require.NoError(t, store.Save(&Checkpoint{Stream: "summaries", Bucket: "v3.0-summaries"}))
	cp, err = store.Load("summaries")
	require.NoError(t, err)
	assert.True(t, cp.Exhausted())

	raw, err := afero.ReadFile(fs, "/state/summaries.checkpoint.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"continuation_token": null`)
	assert.Contains(t, string(raw), `"bucket_name": "v3.0-summaries"`)

	// No temporary files are left behind.
	entries, err := afero.ReadDir(fs, "/state")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, store.Clear("summaries"))
	require.NoError(t, store.Clear("summaries"))
	cp, err = store.Load("summaries")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointStreamsAreIndependent(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/state")
	require.NoError(t, store.Save(&Checkpoint{Stream: "summaries", Bucket: "s", ContinuationToken: []byte("1")}))
	require.NoError(t, store.Save(&Checkpoint{Stream: "activities", Bucket: "a-b", ContinuationToken: []byte("2")}))

	s, err := store.Load("summaries")
	require.NoError(t, err)
	a, err := store.Load("activities")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), s.ContinuationToken)
	assert.Equal(t, "a-b", a.Bucket)
}

func TestCheckpointBinaryToken(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/state")
	token := []byte{0x00, 0xff, 0xfe, 'k', 0x80, '/', 0xc3}

	require.NoError(t, store.Save(&Checkpoint{Stream: "activities", Bucket: "v3.0-activities-b", ContinuationToken: token}))
	cp, err := store.Load("activities")
	require.NoError(t, err)
	assert.Equal(t, token, cp.ContinuationToken)
	assert.False(t, cp.Exhausted())

	raw, err := afero.ReadFile(fs, "/state/activities.checkpoint.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"continuation_token": "AP/+a4Avww=="`)
}

func TestCheckpointCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/summaries.checkpoint.json", []byte("{not json"), 0644))

	_, err := NewStore(fs, "/state").Load("summaries")
	assert.Error(t, err)
}

func TestSaveFailsOnReadOnlyFs(t *testing.T) {
	store := NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/state")
	err := store.Save(&Checkpoint{Stream: "summaries", Bucket: "b"})
	assert.Error(t, err)
}

func TestMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/state")

	m, err := store.LoadMarker()
	require.NoError(t, err)
	assert.Nil(t, m)

	start := time.Date(2024, 5, 1, 13, 14, 15, 123456000, time.UTC)
	require.NoError(t, store.SaveMarker(start))

	m, err = store.LoadMarker()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, start.Equal(*m))

	// Markers without a fraction are accepted too.
	require.NoError(t, afero.WriteFile(fs, "/state/last_ran", []byte("2024-05-01 13:14:15"), 0644))
	m, err = store.LoadMarker()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 13, 14, 15, 0, time.UTC), *m)

	require.NoError(t, afero.WriteFile(fs, "/state/last_ran", []byte("garbage"), 0644))
	_, err = store.LoadMarker()
	assert.Error(t, err)
}
