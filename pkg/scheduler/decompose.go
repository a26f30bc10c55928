package scheduler

import (
	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/store"
)

// forceOverwriteKey is stashed in a SubTask's Parameters so the worker pool's
// skip-policy check (existing data + !force_overwrite → skipped) survives
// the round trip through JSONB without widening the SubTask schema itself.
const forceOverwriteKey = "_force_overwrite"

// Decompose builds one SubTask per (plugin, date) pair for every plugin in
// plugins, wiring DependsOn to the same-date SubTask of each declared
// dependency that is also present in the set (spec §4.3 "A backfill over N
// dates for M plugins emits N × M SubTasks ... topologically ordered").
//
// An empty dates slice means the plugins take no date parameter at all: one
// SubTask per plugin is emitted instead.
func Decompose(plugins []config.Plugin, dates []string, taskType store.TaskType, forceOverwrite bool) []store.SubTask {
	if len(dates) == 0 {
		dates = []string{""}
	}

	type key struct {
		plugin string
		date   string
	}
	taskIDs := make(map[key]string, len(plugins)*len(dates))
	for _, date := range dates {
		for _, p := range plugins {
			taskIDs[key{p.Name, date}] = store.NewTaskID()
		}
	}

	tasks := make([]store.SubTask, 0, len(plugins)*len(dates))
	for _, date := range dates {
		for _, p := range plugins {
			params := make(map[string]any)
			if date != "" {
				for _, name := range p.DateParameterNames() {
					params[name] = date
				}
			}
			if forceOverwrite {
				params[forceOverwriteKey] = true
			}

			var deps []string
			for _, depName := range p.Dependencies {
				if id, ok := taskIDs[key{depName, date}]; ok {
					deps = append(deps, id)
				}
			}

			tasks = append(tasks, store.SubTask{
				TaskID:     taskIDs[key{p.Name, date}],
				PluginName: p.Name,
				TaskType:   taskType,
				Parameters: params,
				DependsOn:  deps,
				Status:     store.SubTaskPending,
			})
		}
	}
	return tasks
}

// InnerConcurrency bounds how many SubTasks of one plugin may fan out
// concurrently, derived from the plugin's per-minute rate budget (spec
// §4.3): `clamp(floor(rate_limit_per_minute / expected_calls_per_date), 1,
// outerConcurrencyCap)`.
func InnerConcurrency(p config.Plugin, outerConcurrencyCap int) int {
	calls := p.EffectiveExpectedCallsPerDate()
	if calls <= 0 {
		calls = 1
	}
	n := p.RateLimitPerMinute / calls
	if n < 1 {
		n = 1
	}
	if n > outerConcurrencyCap {
		n = outerConcurrencyCap
	}
	return n
}
