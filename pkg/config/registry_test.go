package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hookline/hookline/pkg/rules"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store), store
}

func validConfig() *TeamConfig {
	return &TeamConfig{
		TeamID:            "eng",
		FallbackChannel:   "#eng",
		EscalationChannel: "#eng-alerts",
		Timezone:          "UTC",
		Hooks:             []Hook{{ID: "hook-1", Enabled: true}},
		Rules: []*rules.Rule{{
			ID:       "blockers",
			Priority: 10,
			Enabled:  true,
			Action:   rules.ActionRoute,
			Channels: []string{"#eng-alerts"},
			HookID:   "hook-1",
			Condition: &rules.Node{
				Field:    "payload.labels",
				Operator: rules.OpContains,
				Value:    "blocker",
			},
		}},
	}
}

func TestUpdateThenLoadReturnsSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap, result, err := r.Update("eng", validConfig(), "tester")
	require.NoError(t, err)
	require.True(t, result.OK())
	assert.Equal(t, 1, snap.Version)

	loaded, err := r.Load("eng")
	require.NoError(t, err)
	assert.Equal(t, snap.Version, loaded.Version)
	assert.Equal(t, "#eng", loaded.Config.FallbackChannel)
	require.NotNil(t, loaded.Ruleset)
	assert.Len(t, loaded.Ruleset.Rules(), 1)
}

func TestUpdateBumpsVersionAndKeepsHistory(t *testing.T) {
	r, store := newTestRegistry(t)

	_, _, err := r.Update("eng", validConfig(), "tester")
	require.NoError(t, err)

	second := validConfig()
	second.FallbackChannel = "#eng-v2"
	snap, result, err := r.Update("eng", second, "tester")
	require.NoError(t, err)
	require.True(t, result.OK())
	assert.Equal(t, 2, snap.Version)

	versions, err := store.ListTeamVersions("eng")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	audits, err := store.ListAudit("eng")
	require.NoError(t, err)
	assert.Len(t, audits, 2)
}

func TestInvalidUpdateRejectedAndPriorKept(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, _, err := r.Update("eng", validConfig(), "tester")
	require.NoError(t, err)

	bad := validConfig()
	bad.Timezone = "Mars/Olympus"
	snap, result, err := r.Update("eng", bad, "tester")
	require.NoError(t, err)
	assert.Nil(t, snap)
	require.NotNil(t, result)
	assert.False(t, result.OK())

	loaded, err := r.Load("eng")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version, "prior snapshot stays active")
}

func TestValidationCatches(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		name   string
		mutate func(*TeamConfig)
		errors bool
	}{
		{name: "valid", mutate: func(c *TeamConfig) {}, errors: false},
		{name: "bad channel name", mutate: func(c *TeamConfig) { c.FallbackChannel = "NOT A CHANNEL" }, errors: true},
		{name: "unknown rule field", mutate: func(c *TeamConfig) { c.Rules[0].Condition.Field = "bogus.path" }, errors: true},
		{name: "bad regex", mutate: func(c *TeamConfig) {
			c.Rules[0].Condition.Operator = rules.OpRegex
			c.Rules[0].Condition.Value = "(unclosed"
		}, errors: true},
		{name: "non-numeric gt", mutate: func(c *TeamConfig) {
			c.Rules[0].Condition.Operator = rules.OpGt
			c.Rules[0].Condition.Value = "many"
		}, errors: true},
		{name: "unknown hook reference", mutate: func(c *TeamConfig) { c.Rules[0].HookID = "ghost" }, errors: true},
		{name: "route without channels", mutate: func(c *TeamConfig) { c.Rules[0].Channels = nil }, errors: true},
		{name: "bad quiet hours", mutate: func(c *TeamConfig) { c.QuietHours = &QuietHours{Start: "25:99", End: "08:00"} }, errors: true},
		{name: "bad holiday date", mutate: func(c *TeamConfig) { c.WorkHours.Holidays = []string{"soonish"} }, errors: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := r.Validate(cfg)
			if tt.errors {
				assert.NotEmpty(t, result.Errors)
			} else {
				assert.Empty(t, result.Errors)
			}
		})
	}
}

func TestRollback(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, _, err := r.Update("eng", validConfig(), "tester")
	require.NoError(t, err)
	second := validConfig()
	second.FallbackChannel = "#eng-v2"
	_, _, err = r.Update("eng", second, "tester")
	require.NoError(t, err)

	snap, err := r.Rollback("eng", 1, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)

	loaded, err := r.Load("eng")
	require.NoError(t, err)
	assert.Equal(t, "#eng", loaded.Config.FallbackChannel)
}

func TestSubscribeNotifiedOnPublish(t *testing.T) {
	r, _ := newTestRegistry(t)

	var got []*Snapshot
	r.Subscribe("eng", func(s *Snapshot) { got = append(got, s) })

	_, _, err := r.Update("eng", validConfig(), "tester")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Version)
}

func TestRestoreRepublishesActiveSnapshots(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	r := NewRegistry(store)
	_, _, err = r.Update("eng", validConfig(), "tester")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	r2 := NewRegistry(store2)
	require.NoError(t, r2.Restore())
	loaded, err := r2.Load("eng")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)
	assert.NotNil(t, loaded.Ruleset)
}

func TestLoadUnknownTeam(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Load("ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.CategoryOf(err))
}

func TestDurationYAML(t *testing.T) {
	cfg, err := LoadFile(writeTempYAML(t, `
team_id: eng
fallback_channel: "#eng"
batching:
  max_wait: 3m
  hard_ceiling: 30m
`))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, cfg.Batching.MaxWait.Std())
	assert.Equal(t, 30*time.Minute, cfg.Batching.HardCeiling.Std())
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "team.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
