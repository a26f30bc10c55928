// Package evaluator implements the Evaluator (spec §4.10): independent
// daily/weekly/monthly timers that rank an Arena's active Strategies and
// cull a configured tail fraction.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
)

// Evaluator owns the three independent cron timers (spec §4.10 "independent
// timers") and the ranking/elimination pass each one fires. Grounded on this
// module's pkg/scheduler.Scheduler, which holds the same shape of
// robfig/cron entry map for its own plugin triggers.
type Evaluator struct {
	manager *arena.Manager
	clk     clock.Clock

	cron    *cron.Cron
	entries map[arena.ElimPeriod]cron.EntryID

	// arenaIDs lists the Arenas under evaluation. A closure over a live
	// *arena.Manager cannot discover "all arenas" on its own without an
	// extra store method, so callers register/unregister as Arenas start
	// and complete (mirrors the teacher's registry of per-plugin cron
	// entries, one level up).
	arenaIDs map[string]bool
}

// New constructs an Evaluator. Call Start to begin firing the three cadence
// timers.
func New(manager *arena.Manager, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Evaluator{
		manager:  manager,
		clk:      clk,
		cron:     cron.New(),
		entries:  make(map[arena.ElimPeriod]cron.EntryID),
		arenaIDs: make(map[string]bool),
	}
}

// RegisterArena adds arenaID to the set evaluated on every cadence fire.
func (e *Evaluator) RegisterArena(arenaID string) {
	e.arenaIDs[arenaID] = true
}

// UnregisterArena removes arenaID, e.g. once its Arena reaches a terminal
// state and no longer needs periodic culling.
func (e *Evaluator) UnregisterArena(arenaID string) {
	delete(e.arenaIDs, arenaID)
}

// Start registers the three cadence entries and starts the cron loop.
// Daily fires at midnight; weekly on Monday midnight; monthly on the 1st.
func (e *Evaluator) Start(ctx context.Context) error {
	specs := map[arena.ElimPeriod]string{
		arena.PeriodDaily:   "0 0 * * *",
		arena.PeriodWeekly:  "0 0 * * 1",
		arena.PeriodMonthly: "0 0 1 * *",
	}
	for period, spec := range specs {
		p := period
		id, err := e.cron.AddFunc(spec, func() { e.fireAll(ctx, p) })
		if err != nil {
			return fmt.Errorf("scheduling %s evaluation: %w", p, err)
		}
		e.entries[p] = id
	}
	e.cron.Start()
	return nil
}

// Stop halts the cron loop, letting any in-flight evaluation pass finish.
func (e *Evaluator) Stop() {
	cronCtx := e.cron.Stop()
	<-cronCtx.Done()
}

// fireAll runs one cadence's evaluation pass across every registered Arena.
// One Arena's failure never blocks the others (spec §7 propagation policy).
func (e *Evaluator) fireAll(ctx context.Context, period arena.ElimPeriod) {
	for arenaID := range e.arenaIDs {
		if err := e.EvaluateArena(ctx, arenaID, period); err != nil {
			slog.Error("evaluation pass failed", "arena_id", arenaID, "period", period, "error", err)
		}
	}
}

// ratioFor selects the configured elimination fraction for period.
func ratioFor(ratios arena.EliminationRatios, period arena.ElimPeriod) float64 {
	switch period {
	case arena.PeriodDaily:
		return ratios.Daily
	case arena.PeriodWeekly:
		return ratios.Weekly
	case arena.PeriodMonthly:
		return ratios.Monthly
	default:
		return 0
	}
}

// byScoreThenRank orders Strategies by composite score desc, tie-broken by
// the lower (earlier-assigned) current_rank (spec §4.10 "tie-break: lower
// current_rank wins; deterministic").
type byScoreThenRank []arena.Strategy

func (b byScoreThenRank) Len() int      { return len(b) }
func (b byScoreThenRank) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byScoreThenRank) Less(i, j int) bool {
	if b[i].CurrentScore != b[j].CurrentScore {
		return b[i].CurrentScore > b[j].CurrentScore
	}
	return b[i].CurrentRank < b[j].CurrentRank
}

// EvaluateArena runs one ranking/elimination pass for arenaID at the given
// cadence (spec §4.10): sorts active Strategies by composite score
// descending, re-assigns current_rank in that order, computes the
// eliminated count from the cadence's configured ratio bounded by
// min_active_strategies, marks the tail inactive, and records an
// EvaluationSummary.
func (e *Evaluator) EvaluateArena(ctx context.Context, arenaID string, period arena.ElimPeriod) error {
	a, err := e.manager.GetArena(ctx, arenaID)
	if err != nil {
		return fmt.Errorf("loading arena: %w", err)
	}
	strategies, err := e.manager.GetStrategies(ctx, arenaID)
	if err != nil {
		return fmt.Errorf("loading strategies: %w", err)
	}

	active := make([]arena.Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s.IsActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}

	sort.Stable(byScoreThenRank(active))

	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.StrategyID
	}
	if err := e.manager.SetRanks(ctx, ids); err != nil {
		return fmt.Errorf("updating ranks: %w", err)
	}

	ratio := ratioFor(a.Config.EliminationRatios, period)
	eliminateCount := int(math.Round(float64(len(active)) * ratio))
	if floor := a.Config.MinActiveStrategies; floor > 0 && len(active)-eliminateCount < floor {
		eliminateCount = len(active) - floor
	}
	if eliminateCount < 0 {
		eliminateCount = 0
	}

	eliminated := 0
	for i := len(active) - 1; i >= len(active)-eliminateCount && i >= 0; i-- {
		loser := active[i]
		if err := e.manager.EliminateStrategy(ctx, loser.StrategyID, arenaID, "evaluator tail cull", period); err != nil {
			return fmt.Errorf("eliminating strategy %s: %w", loser.StrategyID, err)
		}
		eliminated++
	}

	return e.manager.RecordEvaluationSummary(ctx, arena.EvaluationSummary{
		ArenaID:          arenaID,
		Period:           period,
		RankedStrategies: len(active),
		EliminatedCount:  eliminated,
		TopScore:         active[0].CurrentScore,
	})
}
