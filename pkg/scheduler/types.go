// Package scheduler runs cron/manual/group triggers, decomposes each into a
// BatchExecution's SubTasks, and dispatches them to a bounded worker pool
// that respects both the global outer concurrency cap and each plugin's
// RateGovernor-derived inner concurrency (spec §4.3, §5).
package scheduler

import (
	"context"

	"github.com/marketcore/platform/pkg/store"
)

// ExtractResult is the extractor's successful outcome: zero or more raw
// records plus whatever field map they contain. Zero records with a nil
// error is the explicit "no data" outcome the spec requires to be
// distinguishable from an error (spec §9 "disambiguate with an explicit
// extract outcome variant").
type ExtractResult struct {
	Records []map[string]any
}

// Extractor is a plugin's per-(plugin, parameters) callable. It must itself
// call the RateGovernor before issuing any provider request.
type Extractor func(ctx context.Context, params map[string]any) (ExtractResult, error)

// TriggerRequest describes a manual or group trigger (spec §4.3, §6
// `POST /datasource/sync`).
type TriggerRequest struct {
	PluginNames    []string
	GroupName      string
	TaskType       store.TaskType
	TradeDates     []string
	ForceOverwrite bool
}
