package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/marketcore/platform/pkg/calendar"
	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/ratelimit"
	"github.com/marketcore/platform/pkg/store"
)

// Scheduler owns the cron trigger loop, manual/group trigger entry points,
// the claim-and-dispatch WorkerPool, and the periodic retention sweep. It is
// the single composition point the spec calls out in §4.3/§4.6.
type Scheduler struct {
	registry  *config.Registry
	execStore *store.ExecutionStore
	cal       calendar.Calendar
	clk       clock.Clock

	pool   *WorkerPool
	cron   *cron.Cron
	cronEntries map[string]cron.EntryID

	retentionPeriod time.Duration
	retentionTicker clock.Ticker
	stopRetention   chan struct{}
}

// Config bundles the dependencies Scheduler needs beyond the registry.
type Config struct {
	DB              *pgxpool.Pool
	Registry        *config.Registry
	ExecutionStore  *store.ExecutionStore
	Loader          *store.Loader
	Governor        *ratelimit.Governor
	Calendar        calendar.Calendar
	Clock           clock.Clock
	WorkerCount     int
	RetentionPeriod time.Duration // defaults to 30 days, spec §4.3
}

// New constructs a Scheduler and its underlying WorkerPool, wiring cron
// entries for every enabled plugin with a non-manual schedule.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 30 * 24 * time.Hour
	}

	wp := NewWorkerPool(cfg.DB, cfg.Registry, cfg.ExecutionStore, cfg.Loader, cfg.Governor, cfg.Clock, cfg.WorkerCount)

	s := &Scheduler{
		registry:        cfg.Registry,
		execStore:       cfg.ExecutionStore,
		cal:             cfg.Calendar,
		clk:             cfg.Clock,
		pool:            wp,
		cron:            cron.New(),
		cronEntries:     make(map[string]cron.EntryID),
		retentionPeriod: cfg.RetentionPeriod,
	}

	if err := s.registerCronEntries(); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterExtractor exposes the WorkerPool's extractor registration so
// callers (cmd/marketcore) can wire every plugin's extraction function.
func (s *Scheduler) RegisterExtractor(pluginName string, fn Extractor) {
	s.pool.RegisterExtractor(pluginName, fn)
}

// Start recovers any executions interrupted by an unclean shutdown, then
// starts the cron loop, the worker pool, and the retention sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if n, err := s.execStore.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recovering interrupted executions: %w", err)
	} else if n > 0 {
		slog.Warn("recovered interrupted executions on startup", "count", n)
	}

	s.cron.Start()
	s.pool.Start(ctx)
	s.startRetentionSweep(ctx)
	return nil
}

// Stop halts the cron loop and drains the worker pool (workers finish their
// current subtask before returning).
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.stopRetentionSweep()
	s.pool.Stop()
}

// Status reports the worker pool's configured and currently-busy worker
// counts, for the readiness endpoint.
func (s *Scheduler) Status() (totalWorkers, activeWorkers int) {
	return s.pool.Status()
}

// registerCronEntries adds one cron entry per enabled, non-manual plugin
// schedule (spec §4.1). TradingCalendarBound plugins check the calendar at
// fire time and silently no-op on non-trading days.
func (s *Scheduler) registerCronEntries() error {
	for _, p := range s.registry.List() {
		if p.Schedule.Frequency == config.FrequencyManual {
			continue
		}
		spec, err := cronSpec(p.Schedule)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}

		plugin := p
		id, err := s.cron.AddFunc(spec, func() { s.fireCron(plugin) })
		if err != nil {
			return fmt.Errorf("scheduling plugin %s: %w", p.Name, err)
		}
		s.cronEntries[p.Name] = id
	}
	return nil
}

// cronSpec translates a declarative Schedule into a robfig/cron expression.
func cronSpec(sch config.Schedule) (string, error) {
	hour, minute := 0, 0
	if sch.Time != "" {
		var err error
		hour, minute, err = parseHHMM(sch.Time)
		if err != nil {
			return "", err
		}
	}
	switch sch.Frequency {
	case config.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case config.FrequencyWeekly:
		dow := time.Monday
		if sch.DayOfWeek != nil {
			dow = *sch.DayOfWeek
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, int(dow)), nil
	default:
		return "", fmt.Errorf("%w: unsupported frequency %q", ErrInvalidTrigger, sch.Frequency)
	}
}

func parseHHMM(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q: %w", s, err)
	}
	return hour, minute, nil
}

// fireCron runs one plugin's scheduled trigger, skipping non-trading days
// for calendar-bound plugins and honoring the effective schedule_enabled
// override (spec §5).
func (s *Scheduler) fireCron(p config.Plugin) {
	ctx := context.Background()

	enabled, err := s.registry.EffectiveScheduleEnabled(p.Name)
	if err != nil {
		slog.Error("checking effective schedule state", "plugin", p.Name, "error", err)
		return
	}
	if !enabled {
		return
	}
	if p.Schedule.TradingCalendarBound && s.cal != nil && !s.cal.IsTradingDay(s.clk.Now()) {
		slog.Info("skipping scheduled trigger on non-trading day", "plugin", p.Name)
		return
	}

	date := s.clk.Now().Format("2006-01-02")
	if _, err := s.trigger(ctx, TriggerRequest{
		PluginNames: []string{p.Name},
		TaskType:    store.TaskIncremental,
		TradeDates:  []string{date},
	}, store.TriggerScheduled); err != nil {
		slog.Error("scheduled trigger failed", "plugin", p.Name, "error", err)
	}
}

// TriggerManual decomposes and starts a BatchExecution for an explicit set
// of plugins (spec §6 `POST /datasource/sync`).
func (s *Scheduler) TriggerManual(ctx context.Context, req TriggerRequest) (store.BatchExecution, error) {
	return s.trigger(ctx, req, store.TriggerManual)
}

// TriggerGroup decomposes and starts a BatchExecution for every plugin in a
// named group, using the group's default task type if req.TaskType is unset.
func (s *Scheduler) TriggerGroup(ctx context.Context, groupName string, tradeDates []string, forceOverwrite bool) (store.BatchExecution, error) {
	group, err := s.registry.GetGroup(groupName)
	if err != nil {
		return store.BatchExecution{}, err
	}
	taskType := store.TaskType(group.DefaultTaskType)
	return s.trigger(ctx, TriggerRequest{
		PluginNames:    group.Plugins,
		GroupName:      groupName,
		TaskType:       taskType,
		TradeDates:     tradeDates,
		ForceOverwrite: forceOverwrite,
	}, store.TriggerGroup)
}

func (s *Scheduler) trigger(ctx context.Context, req TriggerRequest, trigger store.TriggerType) (store.BatchExecution, error) {
	if len(req.PluginNames) == 0 {
		return store.BatchExecution{}, fmt.Errorf("%w: no plugins named", ErrInvalidTrigger)
	}

	plugins := make([]config.Plugin, 0, len(req.PluginNames))
	for _, name := range req.PluginNames {
		p, err := s.registry.Get(name)
		if err != nil {
			return store.BatchExecution{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		plugins = append(plugins, p)
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = store.TaskIncremental
	}

	tasks := Decompose(plugins, req.TradeDates, taskType, req.ForceOverwrite)

	exec := store.BatchExecution{
		ExecutionID: store.NewExecutionID(),
		TriggerType: trigger,
		GroupName:   req.GroupName,
		DateRange:   req.TradeDates,
	}
	if err := s.execStore.CreateExecution(ctx, exec, tasks); err != nil {
		return store.BatchExecution{}, fmt.Errorf("creating batch execution: %w", err)
	}
	if err := s.execStore.StartExecution(ctx, exec.ExecutionID); err != nil {
		return store.BatchExecution{}, fmt.Errorf("starting batch execution: %w", err)
	}

	got, _, err := s.execStore.GetExecution(ctx, exec.ExecutionID)
	return got, err
}

func (s *Scheduler) startRetentionSweep(ctx context.Context) {
	s.stopRetention = make(chan struct{})
	ticker := s.clk.NewTicker(6 * time.Hour)
	s.retentionTicker = ticker

	go func() {
		for {
			select {
			case <-s.stopRetention:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C():
				if n, err := s.execStore.RetentionSweep(ctx, s.retentionPeriod); err != nil {
					slog.Error("retention sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("retention sweep removed executions", "count", n)
				}
			}
		}
	}()
}

func (s *Scheduler) stopRetentionSweep() {
	if s.stopRetention != nil {
		close(s.stopRetention)
	}
}
