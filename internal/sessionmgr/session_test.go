package sessionmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/internal/transport"
)

func TestCreateAndLookupAllThreeMaps(t *testing.T) {
	m := New()
	s, err := m.Create("container-1", "demo", transport.ConnIdentity("conn-1"))
	require.NoError(t, err)

	bySession, ok := m.GetBySessionID(s.SessionID)
	require.True(t, ok)
	require.Same(t, s, bySession)

	byContainer, ok := m.GetByContainerID("container-1")
	require.True(t, ok)
	require.Same(t, s, byContainer)

	byConn, ok := m.GetByConnectionIdentity("conn-1")
	require.True(t, ok)
	require.Same(t, s, byConn)
}

func TestDeleteRemovesFromAllMaps(t *testing.T) {
	m := New()
	s, err := m.Create("container-1", "demo", transport.ConnIdentity("conn-1"))
	require.NoError(t, err)

	m.Delete(s.SessionID)

	_, ok := m.GetBySessionID(s.SessionID)
	require.False(t, ok)
	_, ok = m.GetByContainerID("container-1")
	require.False(t, ok)
	_, ok = m.GetByConnectionIdentity("conn-1")
	require.False(t, ok)
}

func TestCountByGroup(t *testing.T) {
	m := New()
	_, err := m.Create("c1", "demo", transport.ConnIdentity("conn-1"))
	require.NoError(t, err)
	_, err = m.Create("c2", "demo", transport.ConnIdentity("conn-2"))
	require.NoError(t, err)
	_, err = m.Create("c3", "other", transport.ConnIdentity("conn-3"))
	require.NoError(t, err)

	require.Equal(t, 2, m.CountByGroup("demo"))
	require.Equal(t, 1, m.CountByGroup("other"))
	require.Equal(t, 0, m.CountByGroup("nonexistent"))
}
