package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hookline/hookline/pkg/rules"
)

var channelNameRe = regexp.MustCompile(`^#?[a-z0-9][a-z0-9_.-]*$`)

// ValidationResult carries the outcome of validating a team config
type ValidationResult struct {
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// OK reports whether the config may be committed
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) suggestf(format string, args ...interface{}) {
	r.Suggestions = append(r.Suggestions, fmt.Sprintf(format, args...))
}

// Validator validates team configs structurally, semantically and
// referentially
type Validator struct {
	structural *validator.Validate
}

// NewValidator creates a config validator
func NewValidator() *Validator {
	return &Validator{structural: validator.New()}
}

// Validate checks cfg and returns errors, warnings and suggestions.
// Structural checks come first; semantic and referential checks run even
// when structural validation fails so the caller sees everything at once.
func (v *Validator) Validate(cfg *TeamConfig) *ValidationResult {
	result := &ValidationResult{}

	if err := v.structural.Struct(cfg); err != nil {
		if invalid, ok := err.(*validator.InvalidValidationError); ok {
			result.errorf("invalid config value: %v", invalid)
			return result
		}
		for _, fe := range err.(validator.ValidationErrors) {
			result.errorf("field %s failed %s validation", fe.Namespace(), fe.Tag())
		}
	}

	v.validateChannels(cfg, result)
	v.validateTimezones(cfg, result)
	v.validateWorkHours("team", cfg.WorkHours, result)
	for user, wh := range cfg.Recipients {
		v.validateWorkHours("recipient "+user, wh, result)
	}
	v.validateQuietHours(cfg, result)
	v.validateRules(cfg, result)
	v.validateBatching(cfg, result)

	return result
}

func (v *Validator) validateChannels(cfg *TeamConfig, result *ValidationResult) {
	check := func(name, ch string, required bool) {
		if ch == "" {
			if required {
				result.errorf("%s channel is required", name)
			}
			return
		}
		if !channelNameRe.MatchString(ch) {
			result.errorf("%s channel %q is not a valid channel name", name, ch)
		}
	}
	check("fallback", cfg.FallbackChannel, true)
	check("escalation", cfg.EscalationChannel, false)
	check("workload warning", cfg.WorkloadWarningChannel, false)
	for kind, ch := range cfg.DefaultChannels {
		check(fmt.Sprintf("default[%s]", kind), ch, false)
	}
	if cfg.EscalationChannel == "" {
		result.warnf("no escalation channel configured; escalations fall back to %s", cfg.FallbackChannel)
	}
}

func (v *Validator) validateTimezones(cfg *TeamConfig, result *ValidationResult) {
	zones := map[string]string{"team": cfg.Timezone}
	if cfg.WorkHours.Timezone != "" {
		zones["work_hours"] = cfg.WorkHours.Timezone
	}
	for user, wh := range cfg.Recipients {
		if wh.Timezone != "" {
			zones["recipient "+user] = wh.Timezone
		}
	}
	for name, tz := range zones {
		if tz == "" {
			continue
		}
		if _, err := time.LoadLocation(tz); err != nil {
			result.errorf("%s timezone %q is unknown", name, tz)
		}
	}
}

func (v *Validator) validateWorkHours(scope string, wh WorkHours, result *ValidationResult) {
	validDays := map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	}
	for day, intervals := range wh.Days {
		if !validDays[day] {
			result.errorf("%s work hours: unknown day %q", scope, day)
		}
		for _, iv := range intervals {
			if !validClock(iv.Start) || !validClock(iv.End) {
				result.errorf("%s work hours: invalid interval %s-%s on %s", scope, iv.Start, iv.End, day)
			}
		}
	}
	for _, h := range wh.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			result.errorf("%s work hours: invalid holiday date %q", scope, h)
		}
	}
	for _, r := range wh.PTO {
		if _, err := time.Parse("2006-01-02", r.From); err != nil {
			result.errorf("%s work hours: invalid pto start %q", scope, r.From)
		}
		if _, err := time.Parse("2006-01-02", r.To); err != nil {
			result.errorf("%s work hours: invalid pto end %q", scope, r.To)
		}
	}
}

func (v *Validator) validateQuietHours(cfg *TeamConfig, result *ValidationResult) {
	if cfg.QuietHours == nil {
		return
	}
	if !validClock(cfg.QuietHours.Start) || !validClock(cfg.QuietHours.End) {
		result.errorf("quiet hours window %s-%s is invalid", cfg.QuietHours.Start, cfg.QuietHours.End)
	}
}

func (v *Validator) validateRules(cfg *TeamConfig, result *ValidationResult) {
	seen := map[string]bool{}
	for _, rule := range cfg.Rules {
		if rule == nil {
			continue
		}
		if rule.ID == "" {
			result.errorf("rule without id")
			continue
		}
		if seen[rule.ID] {
			result.errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true

		switch rule.Action {
		case rules.ActionRoute:
			if len(rule.Channels) == 0 {
				result.errorf("rule %s routes to no channels", rule.ID)
			}
			for _, ch := range rule.Channels {
				if !channelNameRe.MatchString(ch) {
					result.errorf("rule %s channel %q is not a valid channel name", rule.ID, ch)
				}
			}
		case rules.ActionBlock:
			if len(rule.Channels) > 0 {
				result.warnf("rule %s is a block rule; its channels are ignored", rule.ID)
			}
		default:
			result.errorf("rule %s has unknown action %q", rule.ID, rule.Action)
		}

		if rule.HookID != "" {
			if _, ok := cfg.HookByID(rule.HookID); !ok {
				result.errorf("rule %s references unknown hook %q", rule.ID, rule.HookID)
			}
		}

		v.validateNode(rule.ID, rule.Condition, result)

		if !rule.Enabled {
			result.suggestf("rule %s is disabled", rule.ID)
		}
	}
}

func (v *Validator) validateNode(ruleID string, n *rules.Node, result *ValidationResult) {
	if n == nil {
		return
	}
	switch n.Op {
	case "and", "or":
		if len(n.Children) == 0 {
			result.errorf("rule %s: %s node has no children", ruleID, n.Op)
		}
	case "not":
		if len(n.Children) != 1 {
			result.errorf("rule %s: not node requires exactly one child", ruleID)
		}
	case "":
		v.validateLeaf(ruleID, n, result)
	default:
		result.errorf("rule %s: unknown node op %q", ruleID, n.Op)
	}
	for _, c := range n.Children {
		v.validateNode(ruleID, c, result)
	}
}

func (v *Validator) validateLeaf(ruleID string, n *rules.Node, result *ValidationResult) {
	if !rules.ValidPath(n.Field) {
		result.errorf("rule %s: field path %q does not resolve to a known field", ruleID, n.Field)
	}
	switch n.Operator {
	case rules.OpEq, rules.OpNeq, rules.OpContains:
		if n.Value == "" {
			result.warnf("rule %s: %s comparison against empty value", ruleID, n.Operator)
		}
	case rules.OpIn, rules.OpNotIn:
		if len(n.Values) == 0 {
			result.errorf("rule %s: %s operator requires values", ruleID, n.Operator)
		}
	case rules.OpRegex:
		if _, err := regexp.Compile(n.Value); err != nil {
			result.errorf("rule %s: invalid regex %q: %v", ruleID, n.Value, err)
		}
	case rules.OpGt, rules.OpLt:
		if _, err := strconv.ParseFloat(n.Value, 64); err != nil {
			result.errorf("rule %s: %s operator requires a numeric value, got %q", ruleID, n.Operator, n.Value)
		}
	default:
		result.errorf("rule %s: unknown operator %q", ruleID, n.Operator)
	}
}

func (v *Validator) validateBatching(cfg *TeamConfig, result *ValidationResult) {
	b := cfg.Batching
	if b.MaxBatchSize < 0 {
		result.errorf("batching max_batch_size must not be negative")
	}
	if b.HardCeiling != 0 && b.MaxWait != 0 && b.HardCeiling < b.MaxWait {
		result.errorf("batching hard_ceiling %s is shorter than max_wait %s", b.HardCeiling.Std(), b.MaxWait.Std())
	}
	if b.BurstBackoffFactor != 0 && b.BurstBackoffFactor < 1 {
		result.errorf("batching burst_backoff_factor must be >= 1")
	}
	if b.PerMinuteCap > 0 && b.PerHourCap > 0 && b.PerHourCap < b.PerMinuteCap {
		result.warnf("per_hour_cap %d is below per_minute_cap %d", b.PerHourCap, b.PerMinuteCap)
	}
}

func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}
