package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSnapshotterLoadAllReturnsNilWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSnapshotter(filepath.Join(dir, "sub", "state.json"))
	require.NoError(t, err)

	data, err := s.LoadAll()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestFileSnapshotterPersistThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := NewFileSnapshotter(path)
	require.NoError(t, err)

	require.NoError(t, s.Persist([]byte(`{"hello":"world"}`)))

	got, err := s.LoadAll()
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(got))
}

func TestFileSnapshotterPersistLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := NewFileSnapshotter(path)
	require.NoError(t, err)

	require.NoError(t, s.Persist([]byte(`{}`)))
	require.NoError(t, s.Persist([]byte(`{"a":1}`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "state.json", entries[0].Name())
}

type jsonPayload struct {
	Count int    `json:"count"`
	Name  string `json:"name"`
}

func TestLoadJSONPersistJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSnapshotter(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	require.NoError(t, PersistJSON(s, jsonPayload{Count: 3, Name: "x"}))

	var got jsonPayload
	require.NoError(t, LoadJSON(s, &got))
	require.Equal(t, jsonPayload{Count: 3, Name: "x"}, got)
}

func TestLoadJSONLeavesTargetUntouchedWhenNoSnapshotExists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSnapshotter(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	got := jsonPayload{Count: 9, Name: "unchanged"}
	require.NoError(t, LoadJSON(s, &got))
	require.Equal(t, jsonPayload{Count: 9, Name: "unchanged"}, got)
}
