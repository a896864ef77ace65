package config

import (
	"fmt"
	"time"

	"github.com/hookline/hookline/pkg/rules"
	"github.com/hookline/hookline/pkg/types"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML/JSON string forms like "30s"
type Duration time.Duration

// UnmarshalYAML parses a Go duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the native time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Interval is one daily work interval in HH:MM local time
type Interval struct {
	Start string `yaml:"start" json:"start" validate:"required"`
	End   string `yaml:"end" json:"end" validate:"required"`
}

// DateRange is an inclusive date span (YYYY-MM-DD)
type DateRange struct {
	From string `yaml:"from" json:"from" validate:"required"`
	To   string `yaml:"to" json:"to" validate:"required"`
}

// WorkHours is a weekly schedule for one recipient
type WorkHours struct {
	Timezone     string                `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Days         map[string][]Interval `yaml:"days,omitempty" json:"days,omitempty"`
	Holidays     []string              `yaml:"holidays,omitempty" json:"holidays,omitempty"`
	PTO          []DateRange           `yaml:"pto,omitempty" json:"pto,omitempty"`
	UrgentBypass bool                  `yaml:"urgent_bypass" json:"urgent_bypass"`
}

// QuietHours is a daily do-not-disturb window in HH:MM local time. Windows
// may span midnight (start 22:00, end 08:00).
type QuietHours struct {
	Start string `yaml:"start" json:"start" validate:"required"`
	End   string `yaml:"end" json:"end" validate:"required"`
}

// Batching tunes the smart batcher for the team's channels
type Batching struct {
	MaxBatchSize         int      `yaml:"max_batch_size" json:"max_batch_size"`
	MaxWait              Duration `yaml:"max_wait" json:"max_wait"`
	MinInterArrivalGrace Duration `yaml:"min_inter_arrival_grace" json:"min_inter_arrival_grace"`
	HardCeiling          Duration `yaml:"hard_ceiling" json:"hard_ceiling"`
	SimilarityThreshold  int      `yaml:"similarity_threshold" json:"similarity_threshold"` // max simhash Hamming distance
	BurstThreshold       int      `yaml:"burst_threshold" json:"burst_threshold"`           // arrivals per minute
	BurstBackoffFactor   float64  `yaml:"burst_backoff_factor" json:"burst_backoff_factor"`
	PerMinuteCap         int      `yaml:"per_minute_cap" json:"per_minute_cap"`
	PerHourCap           int      `yaml:"per_hour_cap" json:"per_hour_cap"`
}

// Hook is a registered handler owned by the team
type Hook struct {
	ID         string       `yaml:"id" json:"id" validate:"required"`
	Kinds      []types.Kind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	RenderType string       `yaml:"render_type,omitempty" json:"render_type,omitempty"`
	Enabled    bool         `yaml:"enabled" json:"enabled"`
}

// Ownership maps source artifacts to this team for classification
type Ownership struct {
	ProjectKeys   []string `yaml:"project_keys,omitempty" json:"project_keys,omitempty"`
	Components    []string `yaml:"components,omitempty" json:"components,omitempty"`
	LabelPrefixes []string `yaml:"label_prefixes,omitempty" json:"label_prefixes,omitempty"`
	Members       []string `yaml:"members,omitempty" json:"members,omitempty"`
}

// Capacity is the configured workload capacity for one assignee
type Capacity struct {
	SprintPoints float64 `yaml:"sprint_points" json:"sprint_points"`
	MaxOpen      int     `yaml:"max_open" json:"max_open"`
}

// TeamConfig is the full typed configuration for one team. Instances are
// treated as immutable once published in a Snapshot.
type TeamConfig struct {
	TeamID                 string                `yaml:"team_id" json:"team_id" validate:"required"`
	DefaultChannels        map[types.Kind]string `yaml:"default_channels,omitempty" json:"default_channels,omitempty"`
	FallbackChannel        string                `yaml:"fallback_channel" json:"fallback_channel" validate:"required"`
	EscalationChannel      string                `yaml:"escalation_channel,omitempty" json:"escalation_channel,omitempty"`
	WorkloadWarningChannel string                `yaml:"workload_warning_channel,omitempty" json:"workload_warning_channel,omitempty"`
	Timezone               string                `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	QuietHours             *QuietHours           `yaml:"quiet_hours,omitempty" json:"quiet_hours,omitempty"`
	WeekendPolicy          string                `yaml:"weekend_policy,omitempty" json:"weekend_policy,omitempty"` // defer | deliver
	Batching               Batching              `yaml:"batching,omitempty" json:"batching,omitempty"`
	Rules                  []*rules.Rule         `yaml:"rules,omitempty" json:"rules,omitempty"`
	Hooks                  []Hook                `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Ownership              Ownership             `yaml:"ownership,omitempty" json:"ownership,omitempty"`
	UrgencyKeywords        []string              `yaml:"urgency_keywords,omitempty" json:"urgency_keywords,omitempty"`
	WorkHours              WorkHours             `yaml:"work_hours,omitempty" json:"work_hours,omitempty"`
	Recipients             map[string]WorkHours  `yaml:"recipients,omitempty" json:"recipients,omitempty"`
	Capacities             map[string]Capacity   `yaml:"capacities,omitempty" json:"capacities,omitempty"`
}

// ApplyDefaults fills unset tunables with their defaults
func (c *TeamConfig) ApplyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.WeekendPolicy == "" {
		c.WeekendPolicy = "defer"
	}
	if c.Batching.MaxBatchSize == 0 {
		c.Batching.MaxBatchSize = 50
	}
	if c.Batching.MaxWait == 0 {
		c.Batching.MaxWait = Duration(5 * time.Minute)
	}
	if c.Batching.MinInterArrivalGrace == 0 {
		c.Batching.MinInterArrivalGrace = Duration(30 * time.Second)
	}
	if c.Batching.HardCeiling == 0 {
		c.Batching.HardCeiling = Duration(30 * time.Minute)
	}
	if c.Batching.SimilarityThreshold == 0 {
		c.Batching.SimilarityThreshold = 10
	}
	if c.Batching.BurstThreshold == 0 {
		c.Batching.BurstThreshold = 10
	}
	if c.Batching.BurstBackoffFactor == 0 {
		c.Batching.BurstBackoffFactor = 1.5
	}
	if c.Batching.PerMinuteCap == 0 {
		c.Batching.PerMinuteCap = 6
	}
	if c.Batching.PerHourCap == 0 {
		c.Batching.PerHourCap = 60
	}
}

// ChannelFor returns the team's channel for an event kind, falling back to
// the team fallback channel
func (c *TeamConfig) ChannelFor(kind types.Kind) string {
	if ch, ok := c.DefaultChannels[kind]; ok {
		return ch
	}
	return c.FallbackChannel
}

// HookByID looks up a hook definition
func (c *TeamConfig) HookByID(id string) (Hook, bool) {
	for _, h := range c.Hooks {
		if h.ID == id {
			return h, true
		}
	}
	return Hook{}, false
}

// Snapshot is an immutable published version of a team's config with its
// compiled ruleset. Readers obtain snapshots lock-free via the registry.
type Snapshot struct {
	TeamID    string
	Version   int
	Config    *TeamConfig
	Ruleset   *rules.Ruleset
	CreatedAt time.Time
}
