package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/rules"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Registry holds the active config snapshot per team. Reads are lock-free
// against an atomically-published pointer; writes are serialised per team.
type Registry struct {
	store     storage.Store
	validator *Validator
	logger    zerolog.Logger

	mu        sync.Mutex                          // guards teams/writeLock/subs maps
	teams     map[string]*atomic.Pointer[Snapshot] // teamID -> active snapshot
	writeLock map[string]*sync.Mutex               // per-team write serialisation
	subs      map[string][]func(*Snapshot)
}

// NewRegistry creates a config registry backed by the given store
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:     store,
		validator: NewValidator(),
		logger:    log.WithComponent("config"),
		teams:     make(map[string]*atomic.Pointer[Snapshot]),
		writeLock: make(map[string]*sync.Mutex),
		subs:      make(map[string][]func(*Snapshot)),
	}
}

func (r *Registry) pointer(teamID string) *atomic.Pointer[Snapshot] {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.teams[teamID]
	if !ok {
		p = &atomic.Pointer[Snapshot]{}
		r.teams[teamID] = p
	}
	return p
}

func (r *Registry) teamWriteLock(teamID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.writeLock[teamID]
	if !ok {
		l = &sync.Mutex{}
		r.writeLock[teamID] = l
	}
	return l
}

// Load returns the active snapshot for a team
func (r *Registry) Load(teamID string) (*Snapshot, error) {
	snap := r.pointer(teamID).Load()
	if snap == nil {
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("no config for team %s", teamID), nil)
	}
	return snap, nil
}

// Teams returns the team ids with an active snapshot
func (r *Registry) Teams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, p := range r.teams {
		if p.Load() != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Validate runs validation without committing anything
func (r *Registry) Validate(cfg *TeamConfig) *ValidationResult {
	clone := *cfg
	clone.ApplyDefaults()
	return r.validator.Validate(&clone)
}

// Update validates cfg and, when valid, commits it as a new immutable
// snapshot with the next version id, persists it, appends an audit record
// and publishes the new active pointer. Prior snapshots remain in the store
// for rollback.
func (r *Registry) Update(teamID string, cfg *TeamConfig, actor string) (*Snapshot, *ValidationResult, error) {
	if cfg.TeamID == "" {
		cfg.TeamID = teamID
	}
	if cfg.TeamID != teamID {
		return nil, nil, types.NewError(types.ErrConfig,
			fmt.Sprintf("config team id %q does not match %q", cfg.TeamID, teamID), nil)
	}
	cfg.ApplyDefaults()

	result := r.validator.Validate(cfg)
	if !result.OK() {
		metrics.ConfigReloads.WithLabelValues("invalid").Inc()
		return nil, result, nil
	}

	lock := r.teamWriteLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	version := 1
	prev := r.pointer(teamID).Load()
	if prev != nil {
		version = prev.Version + 1
	} else if stored, err := r.store.GetActiveVersion(teamID); err == nil {
		version = stored + 1
	}
	// After a rollback the active version is not the newest stored one
	if versions, err := r.store.ListTeamVersions(teamID); err == nil && len(versions) > 0 {
		if latest := versions[len(versions)-1]; latest >= version {
			version = latest + 1
		}
	}

	blob, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := r.store.PutTeamSnapshot(teamID, version, blob); err != nil {
		return nil, nil, fmt.Errorf("failed to persist config snapshot: %w", err)
	}
	if err := r.store.SetActiveVersion(teamID, version); err != nil {
		return nil, nil, fmt.Errorf("failed to activate config snapshot: %w", err)
	}

	audit := &types.AuditRecord{
		TeamID:  teamID,
		Version: version,
		Action:  "update",
		Actor:   actor,
		At:      time.Now(),
	}
	if prev != nil {
		audit.OldValue = fmt.Sprintf("v%d", prev.Version)
	}
	audit.NewValue = fmt.Sprintf("v%d", version)
	if err := r.store.AppendAudit(audit); err != nil {
		r.logger.Error().Err(err).Str("team_id", teamID).Msg("Failed to append audit record")
	}

	snap := r.publish(teamID, version, cfg)
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	r.logger.Info().Str("team_id", teamID).Int("version", version).Msg("Published team config")
	return snap, result, nil
}

// Rollback re-activates a previously stored snapshot version
func (r *Registry) Rollback(teamID string, version int, actor string) (*Snapshot, error) {
	lock := r.teamWriteLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	blob, err := r.store.GetTeamSnapshot(teamID, version)
	if err != nil {
		return nil, types.NewError(types.ErrConfig, "snapshot not found", err)
	}
	var cfg TeamConfig
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	cfg.ApplyDefaults()
	if err := r.store.SetActiveVersion(teamID, version); err != nil {
		return nil, fmt.Errorf("failed to activate snapshot: %w", err)
	}

	prev := r.pointer(teamID).Load()
	audit := &types.AuditRecord{
		TeamID:  teamID,
		Version: version,
		Action:  "rollback",
		Actor:   actor,
		At:      time.Now(),
		NewValue: fmt.Sprintf("v%d", version),
	}
	if prev != nil {
		audit.OldValue = fmt.Sprintf("v%d", prev.Version)
	}
	if err := r.store.AppendAudit(audit); err != nil {
		r.logger.Error().Err(err).Str("team_id", teamID).Msg("Failed to append audit record")
	}

	snap := r.publish(teamID, version, &cfg)
	r.logger.Info().Str("team_id", teamID).Int("version", version).Msg("Rolled back team config")
	return snap, nil
}

// Versions lists the stored snapshot versions for a team
func (r *Registry) Versions(teamID string) ([]int, error) {
	return r.store.ListTeamVersions(teamID)
}

// Subscribe registers fn to run on every newly published snapshot for the
// team. Callbacks run synchronously on the publishing goroutine.
func (r *Registry) Subscribe(teamID string, fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[teamID] = append(r.subs[teamID], fn)
}

func (r *Registry) publish(teamID string, version int, cfg *TeamConfig) *Snapshot {
	snap := &Snapshot{
		TeamID:    teamID,
		Version:   version,
		Config:    cfg,
		Ruleset:   rules.Compile(teamID, version, cfg.Rules),
		CreatedAt: time.Now(),
	}
	r.pointer(teamID).Store(snap)

	r.mu.Lock()
	subs := append([]func(*Snapshot){}, r.subs[teamID]...)
	subs = append(subs, r.subs[""]...) // wildcard subscribers
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// Restore loads every team's active snapshot from the store at startup
func (r *Registry) Restore() error {
	teamIDs, err := r.store.ListTeamIDs()
	if err != nil {
		return fmt.Errorf("failed to list teams: %w", err)
	}
	for _, teamID := range teamIDs {
		version, err := r.store.GetActiveVersion(teamID)
		if err != nil {
			r.logger.Error().Err(err).Str("team_id", teamID).Msg("No active config version")
			continue
		}
		blob, err := r.store.GetTeamSnapshot(teamID, version)
		if err != nil {
			r.logger.Error().Err(err).Str("team_id", teamID).Int("version", version).Msg("Missing config snapshot")
			continue
		}
		var cfg TeamConfig
		if err := json.Unmarshal(blob, &cfg); err != nil {
			r.logger.Error().Err(err).Str("team_id", teamID).Msg("Failed to decode config snapshot")
			continue
		}
		cfg.ApplyDefaults()
		r.publish(teamID, version, &cfg)
	}
	return nil
}

// LoadFile parses one YAML team config file
func LoadFile(path string) (*TeamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg TeamConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.TeamID == "" {
		base := filepath.Base(path)
		cfg.TeamID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &cfg, nil
}

// LoadDir loads every *.yaml/*.yml team config in dir and commits the ones
// that validate. Files that fail validation are logged and skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read config dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cfg, err := LoadFile(path)
		if err != nil {
			r.logger.Error().Err(err).Str("path", path).Msg("Failed to load config file")
			continue
		}
		_, result, err := r.Update(cfg.TeamID, cfg, "file:"+entry.Name())
		if err != nil {
			r.logger.Error().Err(err).Str("path", path).Msg("Failed to commit config")
			continue
		}
		if result != nil && !result.OK() {
			r.logger.Error().Strs("errors", result.Errors).Str("path", path).Msg("Config failed validation")
		}
	}
	return nil
}
