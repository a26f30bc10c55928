package competition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
)

// fakeMetricsProvider returns a scripted StageMetrics for every call,
// recording the (strategyID, stage) pairs it was asked about.
type fakeMetricsProvider struct {
	metrics StageMetrics
	err     error
	calls   []arena.Stage
}

func (f *fakeMetricsProvider) StageMetrics(_ context.Context, _ string, stage arena.Stage) (StageMetrics, error) {
	f.calls = append(f.calls, stage)
	if f.err != nil {
		return StageMetrics{}, f.err
	}
	return f.metrics, nil
}

func newEngineHarness(t *testing.T, provider MetricsProvider) (*Engine, *arena.Manager) {
	t.Helper()
	client := newCompetitionTestClient(t)
	manager := arena.NewManager(client.Pool, clock.Real{})
	return New(manager, provider), manager
}

func strongMetrics() StageMetrics {
	return StageMetrics{
		DailyReturns: []float64{0.01, 0.015, 0.008, 0.02, 0.012},
		MaxDrawdown:  0.03,
		LossRatio:    0.1,
		RegimeReturns: map[string]float64{
			"bull": 0.012,
			"bear": 0.009,
			"flat": 0.011,
		},
	}
}

func TestAdvanceStrategyScoresAndAdvancesStage(t *testing.T) {
	provider := &fakeMetricsProvider{metrics: strongMetrics()}
	engine, manager := newEngineHarness(t, provider)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "competition-arena", arena.Config{
		AgentCount: 5, MinActiveStrategies: 2,
		ScoringWeights: arena.ScoringWeights{Profitability: 0.25, RiskControl: 0.25, Stability: 0.25, Adaptability: 0.25},
	})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	strategies, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	require.NotEmpty(t, strategies)
	target := strategies[0]
	require.Equal(t, arena.StageBacktest, target.Stage)

	require.NoError(t, engine.AdvanceStrategy(ctx, a.ArenaID, target.StrategyID))

	updated, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	var found arena.Strategy
	for _, s := range updated {
		if s.StrategyID == target.StrategyID {
			found = s
		}
	}
	assert.Equal(t, arena.StageSimulated, found.Stage)
	assert.Greater(t, found.CurrentScore, 0.0)
	assert.Equal(t, []arena.Stage{arena.StageBacktest}, provider.calls)
}

func TestAdvanceStrategyDoesNotAdvancePastLive(t *testing.T) {
	provider := &fakeMetricsProvider{metrics: strongMetrics()}
	engine, manager := newEngineHarness(t, provider)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "live-arena", arena.Config{
		AgentCount: 3, MinActiveStrategies: 1,
		ScoringWeights: arena.ScoringWeights{Profitability: 0.25, RiskControl: 0.25, Stability: 0.25, Adaptability: 0.25},
	})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	strategies, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	target := strategies[0]

	require.NoError(t, manager.UpdateStrategyStage(ctx, target.StrategyID, arena.StageLive))
	require.NoError(t, engine.AdvanceStrategy(ctx, a.ArenaID, target.StrategyID))

	updated, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	for _, s := range updated {
		if s.StrategyID == target.StrategyID {
			assert.Equal(t, arena.StageLive, s.Stage)
		}
	}
}

func TestAdvanceStrategyUnknownStrategyReturnsNotFound(t *testing.T) {
	provider := &fakeMetricsProvider{metrics: strongMetrics()}
	engine, manager := newEngineHarness(t, provider)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "missing-strategy-arena", arena.Config{AgentCount: 3, MinActiveStrategies: 1})
	require.NoError(t, err)

	err = engine.AdvanceStrategy(ctx, a.ArenaID, "does-not-exist")
	assert.ErrorIs(t, err, arena.ErrStrategyNotFound)
}

func TestAdvanceArenaSkipsInactiveStrategiesAndContinuesOnError(t *testing.T) {
	provider := &fakeMetricsProvider{err: ErrNoMarketData}
	engine, manager := newEngineHarness(t, provider)
	ctx := context.Background()

	// 6 agents wrap the role round-robin back to the generator, seeding two strategies
	a, err := manager.CreateArena(ctx, "sweep-arena", arena.Config{AgentCount: 6, MinActiveStrategies: 2})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	strategies, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	require.NotEmpty(t, strategies)

	require.NoError(t, manager.EliminateStrategy(ctx, strategies[0].StrategyID, a.ArenaID, "underperforming", arena.PeriodDaily))

	err = engine.AdvanceArena(ctx, a.ArenaID)
	assert.ErrorIs(t, err, ErrNoMarketData)
	assert.Equal(t, len(strategies)-1, len(provider.calls))
}

func TestScoreDimensionsPenalizesDrawdownAndVolatility(t *testing.T) {
	weak := scoreDimensions(StageMetrics{
		DailyReturns: []float64{-0.05, 0.01, -0.08, 0.02, -0.1},
		MaxDrawdown:  0.4,
		LossRatio:    0.6,
		RegimeReturns: map[string]float64{
			"bull": 0.08,
			"bear": -0.1,
		},
	})
	strong := scoreDimensions(strongMetrics())

	assert.Less(t, weak.RiskControl, strong.RiskControl)
	assert.Less(t, weak.Stability, strong.Stability)
	assert.Less(t, weak.Adaptability, strong.Adaptability)
}

func TestNextStageProgression(t *testing.T) {
	assert.Equal(t, arena.StageSimulated, NextStage(arena.StageBacktest))
	assert.Equal(t, arena.StageLive, NextStage(arena.StageSimulated))
	assert.Equal(t, arena.StageLive, NextStage(arena.StageLive))
}
