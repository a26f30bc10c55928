package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/store"
)

func datePlugin(name string, deps ...string) config.Plugin {
	return config.Plugin{
		Name:                name,
		RateLimitPerMinute:  60,
		Dependencies:        deps,
		Parameters:          []config.ParameterDecl{{Name: "trade_date", DateParam: true}},
		ExpectedCallsPerDate: 1,
	}
}

func TestDecomposeOnePerPluginDate(t *testing.T) {
	plugins := []config.Plugin{datePlugin("daily_bar"), datePlugin("adj_factor", "daily_bar")}
	dates := []string{"2026-01-09", "2026-01-12"}

	tasks := Decompose(plugins, dates, store.TaskBackfill, false)
	require.Len(t, tasks, 4, "N dates x M plugins")

	byPluginDate := make(map[string]store.SubTask)
	for _, task := range tasks {
		d, _ := task.Parameters["trade_date"].(string)
		byPluginDate[task.PluginName+"|"+d] = task
	}

	adj1 := byPluginDate["adj_factor|2026-01-09"]
	bar1 := byPluginDate["daily_bar|2026-01-09"]
	require.Len(t, adj1.DependsOn, 1)
	assert.Equal(t, bar1.TaskID, adj1.DependsOn[0], "dependency wired to the same-date sibling, not a cross-date task")

	adj2 := byPluginDate["adj_factor|2026-01-12"]
	assert.NotEqual(t, adj1.DependsOn[0], adj2.DependsOn[0])
}

func TestDecomposeNoDependencyOutsideSet(t *testing.T) {
	plugins := []config.Plugin{datePlugin("adj_factor", "daily_bar")}
	tasks := Decompose(plugins, []string{"2026-01-09"}, store.TaskIncremental, false)
	require.Len(t, tasks, 1)
	assert.Empty(t, tasks[0].DependsOn, "dependency not in the triggered set is silently dropped, not fabricated")
}

func TestDecomposeNoDateParameter(t *testing.T) {
	plugins := []config.Plugin{datePlugin("static_ref")}
	tasks := Decompose(plugins, nil, store.TaskFull, false)
	require.Len(t, tasks, 1)
	assert.Empty(t, tasks[0].Parameters)
}

func TestInnerConcurrencyClamp(t *testing.T) {
	p := config.Plugin{RateLimitPerMinute: 120, ExpectedCallsPerDate: 10}
	assert.Equal(t, 12, InnerConcurrency(p, 20))
	assert.Equal(t, 10, InnerConcurrency(p, 10), "clamped to outer cap")

	zero := config.Plugin{RateLimitPerMinute: 1, ExpectedCallsPerDate: 10}
	assert.Equal(t, 1, InnerConcurrency(zero, 20), "floor of 1")
}
