package sessionstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetLatestMissingGroupReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	_, ok := s.GetLatest("demo")
	require.False(t, ok)
}

func TestSaveThenGetLatestRoundTrips(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("demo", "session-1"))

	got, ok := s.GetLatest("demo")
	require.True(t, ok)
	require.Equal(t, "session-1", got)
}

func TestSaveOverwritesPriorSession(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("demo", "session-1"))
	require.NoError(t, s.Save("demo", "session-2"))

	got, ok := s.GetLatest("demo")
	require.True(t, ok)
	require.Equal(t, "session-2", got)
}

func TestGroupsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("demo-a", "session-a"))
	require.NoError(t, s.Save("demo-b", "session-b"))

	gotA, ok := s.GetLatest("demo-a")
	require.True(t, ok)
	require.Equal(t, "session-a", gotA)

	gotB, ok := s.GetLatest("demo-b")
	require.True(t, ok)
	require.Equal(t, "session-b", gotB)
}

func TestReopenPersistsAcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.sqlite")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Save("demo", "session-1"))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, ok := s2.GetLatest("demo")
	require.True(t, ok)
	require.Equal(t, "session-1", got)
}
