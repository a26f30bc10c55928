package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlugin(name string, enabled bool, deps ...string) Plugin {
	return Plugin{
		Name:               name,
		Table:              "ods_" + name,
		Role:               RolePrimary,
		RateLimitPerMinute: 60,
		Schedule:           Schedule{Frequency: FrequencyDaily, Time: "06:00"},
		ScheduleEnabled:    true,
		Dependencies:       deps,
		Enabled:            enabled,
		OrderKey:           "trade_date",
		PartitionKey:       "trade_date",
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("rejects duplicate plugin names", func(t *testing.T) {
		plugins := []Plugin{samplePlugin("quotes", true), samplePlugin("quotes", true)}
		_, err := NewRegistry(plugins, nil, NewOverrideStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicatePlugin)
	})

	t.Run("rejects missing dependency", func(t *testing.T) {
		plugins := []Plugin{samplePlugin("derived", true, "missing")}
		_, err := NewRegistry(plugins, nil, NewOverrideStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingDependency)
	})

	t.Run("rejects disabled dependency", func(t *testing.T) {
		plugins := []Plugin{
			samplePlugin("base", false),
			samplePlugin("derived", true, "base"),
		}
		_, err := NewRegistry(plugins, nil, NewOverrideStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDisabledDependency)
	})

	t.Run("filters disabled plugins from List", func(t *testing.T) {
		plugins := []Plugin{samplePlugin("quotes", true), samplePlugin("dark", false)}
		reg, err := NewRegistry(plugins, nil, NewOverrideStore())
		require.NoError(t, err)
		assert.Len(t, reg.List(), 1)
		_, err = reg.Get("dark")
		assert.ErrorIs(t, err, ErrPluginNotFound)
	})

	t.Run("rejects group referencing unregistered plugin", func(t *testing.T) {
		plugins := []Plugin{samplePlugin("quotes", true)}
		groups := []Group{{Name: "eod", Plugins: []string{"quotes", "ghost"}, DefaultTaskType: "incremental"}}
		_, err := NewRegistry(plugins, groups, NewOverrideStore())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPluginNotFound)
	})
}

func TestRegistryDependencies(t *testing.T) {
	plugins := []Plugin{
		samplePlugin("base", true),
		samplePlugin("derived", true, "base"),
	}
	reg, err := NewRegistry(plugins, nil, NewOverrideStore())
	require.NoError(t, err)

	deps, err := reg.Dependencies("derived")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "base", deps[0].Name)
}

func TestRegistryOverride(t *testing.T) {
	overrides := NewOverrideStore()
	plugins := []Plugin{samplePlugin("quotes", true)}
	reg, err := NewRegistry(plugins, nil, overrides)
	require.NoError(t, err)

	p, err := reg.Get("quotes")
	require.NoError(t, err)
	assert.True(t, p.ScheduleEnabled)

	overrides.Set("quotes", false)
	p, err = reg.Get("quotes")
	require.NoError(t, err)
	assert.False(t, p.ScheduleEnabled)

	enabled, err := reg.EffectiveScheduleEnabled("quotes")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestRegistryThreadSafety(_ *testing.T) {
	plugins := []Plugin{samplePlugin("quotes", true)}
	reg, err := NewRegistry(plugins, nil, NewOverrideStore())
	if err != nil {
		panic(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Get("quotes")
			_ = reg.List()
		}()
	}
	wg.Wait()
}
