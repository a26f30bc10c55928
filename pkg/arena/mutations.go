package arena

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// scoreDeltaMin and scoreDeltaMax bound a human AdjustScore request
// (spec §4.8 "adjust_score adds a bounded delta ∈ [-50, +50]").
const (
	scoreDeltaMin = -50.0
	scoreDeltaMax = 50.0
)

// AdjustScore applies a bounded human-intervention delta to a Strategy's
// current_score, clamped to [0,100] after the delta (spec §3 current_score
// domain). CAS on (strategy_id, version) guards against a concurrent
// Evaluator/CompetitionEngine recompute landing mid-adjustment.
func (m *Manager) AdjustScore(ctx context.Context, strategyID string, delta float64) error {
	if delta < scoreDeltaMin || delta > scoreDeltaMax {
		return fmt.Errorf("%w: delta %.2f outside [%.0f,%.0f]", ErrScoreDeltaOutOfRange, delta, scoreDeltaMin, scoreDeltaMax)
	}
	for {
		var current float64
		var version int
		err := m.pool.QueryRow(ctx, `SELECT current_score, version FROM strategies WHERE strategy_id = $1`, strategyID).
			Scan(&current, &version)
		if err != nil {
			return fmt.Errorf("reading strategy score: %w", err)
		}
		next := clamp100(current + delta)
		tag, err := m.pool.Exec(ctx, `
			UPDATE strategies SET current_score = $1, version = version + 1
			WHERE strategy_id = $2 AND version = $3`, next, strategyID, version)
		if err != nil {
			return fmt.Errorf("adjusting strategy score: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// lost the race to a concurrent writer; retry against the fresh row
	}
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// EliminateStrategy marks a Strategy inactive and records an
// EliminationEvent (spec §4.8 "eliminate_strategy sets is_active = false").
func (m *Manager) EliminateStrategy(ctx context.Context, strategyID, arenaID, reason string, period ElimPeriod) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning elimination transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var score float64
	if err := tx.QueryRow(ctx, `
		UPDATE strategies SET is_active = false, version = version + 1
		WHERE strategy_id = $1 RETURNING current_score`, strategyID).Scan(&score); err != nil {
		return fmt.Errorf("eliminating strategy: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO elimination_events (event_id, arena_id, period, strategy_id, score, reason, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), arenaID, period, strategyID, score, reason, m.clock.Now()); err != nil {
		return fmt.Errorf("recording elimination event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE arenas SET active_strategies = active_strategies - 1, version = version + 1 WHERE arena_id = $1`,
		arenaID); err != nil {
		return fmt.Errorf("updating active strategy count: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateStrategyScores records a CompetitionEngine stage-transition score
// recompute (spec §4.9), setting the composite and all four dimensions.
func (m *Manager) UpdateStrategyScores(ctx context.Context, strategyID string, scores DimensionScores, composite float64) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE strategies
		SET profitability_score = $1, risk_control_score = $2, stability_score = $3, adaptability_score = $4,
		    current_score = $5, version = version + 1
		WHERE strategy_id = $6`,
		scores.Profitability, scores.RiskControl, scores.Stability, scores.Adaptability, composite, strategyID)
	if err != nil {
		return fmt.Errorf("updating strategy scores: %w", err)
	}
	return nil
}

// UpdateStrategyStage advances a Strategy to the next competition stage
// (spec §4.9 backtest → simulated → live).
func (m *Manager) UpdateStrategyStage(ctx context.Context, strategyID string, stage Stage) error {
	_, err := m.pool.Exec(ctx, `UPDATE strategies SET stage = $1, version = version + 1 WHERE strategy_id = $2`, stage, strategyID)
	if err != nil {
		return fmt.Errorf("updating strategy stage: %w", err)
	}
	return nil
}

// UpdateStrategyRules applies a DiscussionRound-derived edit to a Strategy's
// logic/rules (spec §4.8 "derived strategy edits are applied to Strategy
// aggregates").
func (m *Manager) UpdateStrategyRules(ctx context.Context, strategyID, logic, rules string) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE strategies SET logic = $1, rules = $2, version = version + 1 WHERE strategy_id = $3`,
		logic, rules, strategyID)
	if err != nil {
		return fmt.Errorf("updating strategy rules: %w", err)
	}
	return nil
}

// RecordEvaluationSummary persists one Evaluator pass over an Arena
// (spec §4.10). TopScore is zero-valued when rankedStrategies is zero.
func (m *Manager) RecordEvaluationSummary(ctx context.Context, summary EvaluationSummary) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO evaluation_summaries (summary_id, arena_id, period, ranked_strategies, eliminated_count, top_score, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), summary.ArenaID, summary.Period, summary.RankedStrategies, summary.EliminatedCount, summary.TopScore, m.clock.Now())
	if err != nil {
		return fmt.Errorf("recording evaluation summary: %w", err)
	}
	return nil
}

// SetRanks assigns current_rank in the order given (lowest index = rank 1),
// used by the Evaluator after each scoring pass (spec §4.10 tie-break on
// current_rank favors the earlier-assigned rank, so ties are not
// reassigned here; callers pre-sort with a stable comparator).
func (m *Manager) SetRanks(ctx context.Context, strategyIDs []string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rank update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, id := range strategyIDs {
		if _, err := tx.Exec(ctx, `UPDATE strategies SET current_rank = $1 WHERE strategy_id = $2`, i+1, id); err != nil {
			return fmt.Errorf("setting rank for strategy %s: %w", id, err)
		}
	}
	return tx.Commit(ctx)
}
