package taskpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntime_SpawnAndQueryByID(t *testing.T) {
	rt := NewRuntime()
	p, err := rt.SpawnPool(twoWorkerConfig())
	require.NoError(t, err)
	defer p.Close()

	found, ok := rt.QueryPoolByID(p.ID())
	require.True(t, ok)
	require.Same(t, p, found)
}

func TestRuntime_QueryPoolByID_Unknown(t *testing.T) {
	rt := NewRuntime()
	_, ok := rt.QueryPoolByID(999999)
	require.False(t, ok)
}

func TestRuntime_QueryAllPoolsRespectsIsPublic(t *testing.T) {
	rt := NewRuntime()
	cfg := twoWorkerConfig()
	cfg.IsPublic = false
	priv, err := rt.SpawnPool(cfg)
	require.NoError(t, err)
	defer priv.Close()

	cfg.IsPublic = true
	pub, err := rt.SpawnPool(cfg)
	require.NoError(t, err)
	defer pub.Close()

	all := rt.QueryAllPools()
	var found bool
	for _, p := range all {
		if p.ID() == pub.ID() {
			found = true
		}
		require.NotEqual(t, priv.ID(), p.ID())
	}
	require.True(t, found)
}
