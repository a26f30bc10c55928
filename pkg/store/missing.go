package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/calendar"
	"github.com/marketcore/platform/pkg/config"
)

// MissingDataDetector intersects each daily, schedule-enabled plugin's
// present dates against the trading calendar over a window and reports
// gaps (spec §4.6).
type MissingDataDetector struct {
	pool     *pgxpool.Pool
	registry *config.Registry
	calendar calendar.Calendar
}

// NewMissingDataDetector constructs a MissingDataDetector.
func NewMissingDataDetector(pool *pgxpool.Pool, registry *config.Registry, cal calendar.Calendar) *MissingDataDetector {
	return &MissingDataDetector{pool: pool, registry: registry, calendar: cal}
}

// DefaultWindow is the detector's default lookback, per spec §4.6.
const DefaultWindow = 1825 * 24 * time.Hour

// Report maps plugin name to its list of missing trading-day dates
// ("YYYY-MM-DD"), sorted ascending.
type Report map[string][]string

// Detect computes missing dates for every daily-frequency,
// schedule_enabled plugin, or only pluginFilter if non-empty (spec §4.6:
// "Non-daily plugins are excluded").
func (d *MissingDataDetector) Detect(ctx context.Context, window time.Duration, pluginFilter string) (Report, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	var candidates []config.Plugin
	if pluginFilter != "" {
		p, err := d.registry.Get(pluginFilter)
		if err != nil {
			return nil, err
		}
		candidates = []config.Plugin{p}
	} else {
		candidates = d.registry.List()
	}

	now := time.Now()
	from := now.Add(-window)
	expected := d.calendar.TradingDays(from, now)

	report := make(Report)
	for _, p := range candidates {
		if p.Schedule.Frequency != config.FrequencyDaily || !p.ScheduleEnabled {
			continue
		}

		present, err := PresentDates(ctx, d.pool, p.Table, p.OrderKey)
		if err != nil {
			return nil, fmt.Errorf("loading present dates for %s: %w", p.Name, err)
		}

		var missing []string
		for _, day := range expected {
			key := day.Format("2006-01-02")
			if _, ok := present[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			report[p.Name] = missing
		}
	}
	return report, nil
}
