// Package config declares the static, file-based configuration surface of
// the platform: Plugin descriptors, plugin groups, schedules and arena
// tuning. It follows the teacher repo's pkg/config idiom (YAML + validator
// tags, a thread-safe read-mostly registry with defensive copies) applied
// to a different declaration shape.
package config

import "time"

// Role classifies a plugin's place in the dependency graph (spec §3).
type Role string

const (
	RolePrimary   Role = "primary"
	RoleBasic     Role = "basic"
	RoleDerived   Role = "derived"
	RoleAuxiliary Role = "auxiliary"
)

// Frequency is the cadence a plugin's cron trigger runs at.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyManual Frequency = "manual"
)

// Schedule is a plugin's declared cron trigger.
type Schedule struct {
	Frequency Frequency `yaml:"frequency" validate:"required,oneof=daily weekly manual"`
	// Time is a wall-clock "HH:MM" the trigger fires at, in the scheduler's
	// configured timezone. Unused for Frequency=manual.
	Time string `yaml:"time,omitempty"`
	// DayOfWeek is required when Frequency=weekly (time.Monday, ...).
	DayOfWeek *time.Weekday `yaml:"day_of_week,omitempty"`
	// TradingCalendarBound plugins are skipped by the cron trigger on
	// non-trading days.
	TradingCalendarBound bool `yaml:"trading_calendar_bound,omitempty"`
}

// ParameterDecl declares one parameter an extractor accepts. DateParam
// marks the subset the scheduler iterates dates over when decomposing a
// BatchExecution into SubTasks.
type ParameterDecl struct {
	Name      string `yaml:"name" validate:"required"`
	Type      string `yaml:"type" validate:"required,oneof=string int float bool date"`
	DateParam bool   `yaml:"date_param,omitempty"`
	Required  bool   `yaml:"required,omitempty"`
}

// Plugin is the static, file-declared descriptor for one data source: its
// extraction entry point, destination table, rate budget and schedule
// (spec §3 "Plugin (static, from config)").
type Plugin struct {
	Name                string          `yaml:"name" validate:"required"`
	Table               string          `yaml:"table" validate:"required"`
	Role                Role            `yaml:"role" validate:"required,oneof=primary basic derived auxiliary"`
	Category            string          `yaml:"category"`
	RateLimitPerMinute  int             `yaml:"rate_limit_per_minute" validate:"required,min=1"`
	Schedule            Schedule        `yaml:"schedule"`
	ScheduleEnabled     bool            `yaml:"schedule_enabled"`
	Dependencies        []string        `yaml:"dependencies,omitempty"`
	Parameters          []ParameterDecl `yaml:"parameters,omitempty"`
	Enabled             bool            `yaml:"enabled"`
	ExpectedCallsPerDate int            `yaml:"expected_calls_per_date,omitempty"`
	ExtractTimeout      time.Duration   `yaml:"extract_timeout,omitempty"`
	OrderKey            string          `yaml:"order_key" validate:"required"`
	PartitionKey        string          `yaml:"partition_key" validate:"required"`
	Engine              string          `yaml:"engine,omitempty"`
}

// DateParameterNames returns the names of parameters flagged as date
// parameters, in declaration order.
func (p Plugin) DateParameterNames() []string {
	var names []string
	for _, param := range p.Parameters {
		if param.DateParam {
			names = append(names, param.Name)
		}
	}
	return names
}

// EffectiveExtractTimeout returns the plugin's configured extractor timeout,
// defaulting to 30s per spec §5.
func (p Plugin) EffectiveExtractTimeout() time.Duration {
	if p.ExtractTimeout > 0 {
		return p.ExtractTimeout
	}
	return 30 * time.Second
}

// EffectiveExpectedCallsPerDate defaults to 1 when undeclared, used to size
// a SubTask's inner fan-out (spec §4.3).
func (p Plugin) EffectiveExpectedCallsPerDate() int {
	if p.ExpectedCallsPerDate > 0 {
		return p.ExpectedCallsPerDate
	}
	return 1
}

// Group is a named bundle of plugin names with a default task type (spec §4.3).
type Group struct {
	Name            string   `yaml:"name" validate:"required"`
	Plugins         []string `yaml:"plugins" validate:"required,min=1"`
	DefaultTaskType string   `yaml:"default_task_type" validate:"required,oneof=incremental full backfill"`
}
