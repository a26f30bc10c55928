package evaluator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/database"
)

func newEvaluatorHarness(t *testing.T) (*Evaluator, *arena.Manager, *database.Client) {
	t.Helper()
	client := newEvaluatorTestClient(t)
	manager := arena.NewManager(client.Pool, clock.Real{})
	return New(manager, clock.Real{}), manager, client
}

// seedStrategy inserts an extra active Strategy directly (Manager exposes no
// ad-hoc strategy creation outside of Start's round-robin seeding), then
// gives it the requested score so evaluation-pass tests can exercise ranking
// across more strategies than one arena's agent roster would otherwise seed.
func seedStrategy(t *testing.T, client *database.Client, manager *arena.Manager, arenaID string, score float64) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	_, err := client.Pool.Exec(ctx, `
		INSERT INTO strategies (strategy_id, arena_id, name, agent_id, agent_role, stage, is_active, current_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, now())`,
		id, arenaID, "seeded-"+id[:8], "seed-agent-"+id[:8], arena.RoleStrategyGenerator, arena.StageBacktest, score)
	require.NoError(t, err)
	_, err = client.Pool.Exec(ctx, `UPDATE arenas SET total_strategies = total_strategies + 1, active_strategies = active_strategies + 1 WHERE arena_id = $1`, arenaID)
	require.NoError(t, err)
	return id
}

func TestEvaluateArenaRanksAndCullsWeeklyTail(t *testing.T) {
	e, manager, client := newEvaluatorHarness(t)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "weekly-arena", arena.Config{
		AgentCount:          3,
		MinActiveStrategies: 1,
		EliminationRatios:   arena.EliminationRatios{Daily: 0, Weekly: 0.2, Monthly: 0.1},
	})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	scores := []float64{90, 80, 70, 60, 50}
	for _, s := range scores {
		seedStrategy(t, client, manager, a.ArenaID, s)
	}

	require.NoError(t, e.EvaluateArena(ctx, a.ArenaID, arena.PeriodWeekly))

	strategies, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)

	activeCount, inactiveCount := 0, 0
	for _, s := range strategies {
		if s.IsActive {
			activeCount++
		} else {
			inactiveCount++
		}
	}
	assert.Equal(t, 1, inactiveCount, "6 strategies (1 seeded by Start + 5) * 0.2 weekly ratio = 1.2, rounds to 1 eliminated")
	assert.Equal(t, len(strategies)-1, activeCount)

	for _, s := range strategies {
		if s.CurrentScore == 0 {
			assert.False(t, s.IsActive, "lowest-scoring strategy should be the one culled")
		}
	}
}

func TestEvaluateArenaDailyRatioZeroEliminatesNothing(t *testing.T) {
	e, manager, client := newEvaluatorHarness(t)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "daily-arena", arena.Config{
		AgentCount:          3,
		MinActiveStrategies: 1,
		EliminationRatios:   arena.EliminationRatios{Daily: 0, Weekly: 0.2, Monthly: 0.1},
	})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)
	seedStrategy(t, client, manager, a.ArenaID, 40)
	seedStrategy(t, client, manager, a.ArenaID, 30)

	require.NoError(t, e.EvaluateArena(ctx, a.ArenaID, arena.PeriodDaily))

	strategies, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	for _, s := range strategies {
		assert.True(t, s.IsActive)
	}
}

func TestEvaluateArenaRespectsMinActiveFloor(t *testing.T) {
	e, manager, client := newEvaluatorHarness(t)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "floor-arena", arena.Config{
		AgentCount:          3,
		MinActiveStrategies: 2,
		EliminationRatios:   arena.EliminationRatios{Daily: 0, Weekly: 0.9, Monthly: 0.1},
	})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)
	seedStrategy(t, client, manager, a.ArenaID, 10)

	require.NoError(t, e.EvaluateArena(ctx, a.ArenaID, arena.PeriodWeekly))

	strategies, err := manager.GetStrategies(ctx, a.ArenaID)
	require.NoError(t, err)
	active := 0
	for _, s := range strategies {
		if s.IsActive {
			active++
		}
	}
	assert.GreaterOrEqual(t, active, 2, "min_active_strategies floor must not be breached")
}

func TestEvaluateArenaRecordsSummary(t *testing.T) {
	e, manager, client := newEvaluatorHarness(t)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "summary-arena", arena.Config{
		AgentCount:          3,
		MinActiveStrategies: 1,
		EliminationRatios:   arena.EliminationRatios{Daily: 0, Weekly: 0.2, Monthly: 0.1},
	})
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)
	seedStrategy(t, client, manager, a.ArenaID, 99)
	seedStrategy(t, client, manager, a.ArenaID, 1)

	require.NoError(t, e.EvaluateArena(ctx, a.ArenaID, arena.PeriodMonthly))

	var count int
	err = client.Pool.QueryRow(ctx, `SELECT count(*) FROM evaluation_summaries WHERE arena_id = $1`, a.ArenaID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEvaluateArenaNoActiveStrategiesIsNoop(t *testing.T) {
	e, manager, _ := newEvaluatorHarness(t)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "empty-arena", arena.Config{AgentCount: 3, MinActiveStrategies: 1})
	require.NoError(t, err)

	assert.NoError(t, e.EvaluateArena(ctx, a.ArenaID, arena.PeriodDaily))
}

func TestRegisterUnregisterArena(t *testing.T) {
	e, _, _ := newEvaluatorHarness(t)
	e.RegisterArena("arena-1")
	assert.True(t, e.arenaIDs["arena-1"])
	e.UnregisterArena("arena-1")
	assert.False(t, e.arenaIDs["arena-1"])
}
