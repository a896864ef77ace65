package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hookline/hookline/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestWatcherHotReloadsTeamConfig(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry(store)
	dir := t.TempDir()

	w, err := NewWatcher(registry, dir)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)

	path := filepath.Join(dir, "eng.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
team_id: eng
fallback_channel: "#eng"
`), 0644))

	require.Eventually(t, func() bool {
		snap, err := registry.Load("eng")
		return err == nil && snap.Config.FallbackChannel == "#eng"
	}, 3*time.Second, 50*time.Millisecond)

	// A second write publishes a new version
	require.NoError(t, os.WriteFile(path, []byte(`
team_id: eng
fallback_channel: "#eng-next"
`), 0644))

	require.Eventually(t, func() bool {
		snap, err := registry.Load("eng")
		return err == nil && snap.Config.FallbackChannel == "#eng-next" && snap.Version == 2
	}, 3*time.Second, 50*time.Millisecond)

	// An invalid write keeps the prior snapshot active
	require.NoError(t, os.WriteFile(path, []byte(`
team_id: eng
fallback_channel: "NOT A CHANNEL"
`), 0644))

	time.Sleep(time.Second)
	snap, err := registry.Load("eng")
	require.NoError(t, err)
	require.Equal(t, "#eng-next", snap.Config.FallbackChannel)
}
