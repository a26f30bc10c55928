// Package competition implements the CompetitionEngine (spec §4.9):
// stage-wise progression of each Strategy through backtest -> simulated ->
// live, with a four-dimension composite score recomputed at every stage
// transition.
package competition

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"github.com/marketcore/platform/pkg/arena"
)

// stageOrder is the fixed pipeline a Strategy advances through (spec §3).
var stageOrder = []arena.Stage{arena.StageBacktest, arena.StageSimulated, arena.StageLive}

// StageMetrics is the raw performance sample a MetricsProvider hands the
// engine for one Strategy's stage window. Exact backtest/simulation math is
// out of scope (spec §1 non-goal "correctness of downstream analytics");
// the engine only needs these aggregate figures to score the four
// dimensions.
type StageMetrics struct {
	// DailyReturns is the stage window's per-period return series, used for
	// profitability and stability scoring.
	DailyReturns []float64
	// MaxDrawdown is the largest peak-to-trough decline observed, as a
	// positive fraction (e.g. 0.12 for a 12% drawdown).
	MaxDrawdown float64
	// LossRatio is the fraction of periods with a negative return.
	LossRatio float64
	// RegimeReturns maps a market-regime label to the Strategy's mean
	// return under that regime, used for adaptability scoring.
	RegimeReturns map[string]float64
}

// MetricsProvider supplies the performance sample backing one Strategy's
// stage-transition score recompute. Its implementation (reading from the
// columnar store ODS tables written by the ingestion side) is outside
// this package's concern.
type MetricsProvider interface {
	StageMetrics(ctx context.Context, strategyID string, stage arena.Stage) (StageMetrics, error)
}

// Engine recomputes composite scores and advances Strategy stages.
type Engine struct {
	manager  *arena.Manager
	provider MetricsProvider
}

// New constructs an Engine.
func New(manager *arena.Manager, provider MetricsProvider) *Engine {
	return &Engine{manager: manager, provider: provider}
}

// NextStage returns the stage after s, or s itself if already terminal
// (live has no successor).
func NextStage(s arena.Stage) arena.Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return s
}

// scoreDimensions converts one stage's raw metrics into the four weighted
// dimensions (spec §4.9):
//   - Profitability: mean return, scaled to [0,100] assuming a 2%/period
//     mean return earns the full 100.
//   - Risk control: penalizes max drawdown and loss ratio.
//   - Stability: inverse of return volatility.
//   - Adaptability: inverse of variance across market-regime returns — a
//     strategy performing consistently across regimes scores higher than
//     one that only works in one regime.
func scoreDimensions(m StageMetrics) arena.DimensionScores {
	var meanReturn, volatility float64
	if len(m.DailyReturns) > 0 {
		meanReturn = stat.Mean(m.DailyReturns, nil)
		volatility = stat.StdDev(m.DailyReturns, nil)
	}

	profitability := clamp100(50 + meanReturn*2500)
	riskControl := clamp100(100 - m.MaxDrawdown*100 - m.LossRatio*50)
	stability := clamp100(100 - volatility*1000)

	adaptability := 100.0
	if len(m.RegimeReturns) > 1 {
		regimeValues := make([]float64, 0, len(m.RegimeReturns))
		for _, v := range m.RegimeReturns {
			regimeValues = append(regimeValues, v)
		}
		regimeVariance := stat.Variance(regimeValues, nil)
		adaptability = clamp100(100 - regimeVariance*2500)
	}

	return arena.DimensionScores{
		Profitability: profitability,
		RiskControl:   riskControl,
		Stability:     stability,
		Adaptability:  adaptability,
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

// AdvanceStrategy scores strategyID against its current stage's metrics and
// advances it to the next stage (spec §4.9). Terminal (live) strategies are
// scored but not advanced further.
func (e *Engine) AdvanceStrategy(ctx context.Context, arenaID, strategyID string) error {
	a, err := e.manager.GetArena(ctx, arenaID)
	if err != nil {
		return fmt.Errorf("loading arena: %w", err)
	}
	strategies, err := e.manager.GetStrategies(ctx, arenaID)
	if err != nil {
		return fmt.Errorf("loading strategies: %w", err)
	}

	var strat arena.Strategy
	found := false
	for _, s := range strategies {
		if s.StrategyID == strategyID {
			strat = s
			found = true
			break
		}
	}
	if !found {
		return arena.ErrStrategyNotFound
	}

	metrics, err := e.provider.StageMetrics(ctx, strategyID, strat.Stage)
	if err != nil {
		return fmt.Errorf("loading stage metrics: %w", err)
	}

	scores := scoreDimensions(metrics)
	composite := scores.Composite(a.Config.ScoringWeights)

	if err := e.manager.UpdateStrategyScores(ctx, strategyID, scores, composite); err != nil {
		return fmt.Errorf("recording scores: %w", err)
	}

	next := NextStage(strat.Stage)
	if next != strat.Stage {
		if err := e.manager.UpdateStrategyStage(ctx, strategyID, next); err != nil {
			return fmt.Errorf("advancing stage: %w", err)
		}
	}

	slog.Info("strategy stage scored", "arena_id", arenaID, "strategy_id", strategyID,
		"from_stage", strat.Stage, "to_stage", next, "composite_score", composite)
	return nil
}

// AdvanceArena scores and advances every active Strategy in an Arena.
// Failures on one Strategy do not block the others (spec §7 propagation
// policy: a failure never poisons sibling units).
func (e *Engine) AdvanceArena(ctx context.Context, arenaID string) error {
	strategies, err := e.manager.GetStrategies(ctx, arenaID)
	if err != nil {
		return fmt.Errorf("loading strategies: %w", err)
	}
	var firstErr error
	for _, s := range strategies {
		if !s.IsActive {
			continue
		}
		if err := e.AdvanceStrategy(ctx, arenaID, s.StrategyID); err != nil {
			slog.Error("advancing strategy failed", "strategy_id", s.StrategyID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
