package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/ratelimit"
	"github.com/marketcore/platform/pkg/store"
)

// pollInterval and its jitter bound how eagerly idle workers recheck the
// queue (grounded on the teacher's Worker.pollInterval jitter).
const (
	pollInterval       = 500 * time.Millisecond
	pollIntervalJitter = 200 * time.Millisecond
)

// WorkerPool dispatches SubTasks claimed from Postgres to a bounded set of
// goroutines, honoring each plugin's inner concurrency cap (spec §4.3) on
// top of the pool's own outer concurrency cap. Grounded on the teacher's
// pkg/queue.WorkerPool/Worker (FOR UPDATE SKIP LOCKED claim loop, graceful
// per-worker Stop, poll-with-jitter backoff).
type WorkerPool struct {
	pool      *pgxpool.Pool
	registry  *config.Registry
	execStore *store.ExecutionStore
	loader    *store.Loader
	governor  *ratelimit.Governor
	clk       clock.Clock

	workerCount int
	active      atomic.Int32

	extractorsMu sync.RWMutex
	extractors   map[string]Extractor

	pluginSemsMu sync.Mutex
	pluginSems   map[string]chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool constructs a WorkerPool. workerCount also doubles as the
// outer concurrency cap used to size each plugin's inner semaphore.
func NewWorkerPool(pool *pgxpool.Pool, registry *config.Registry, execStore *store.ExecutionStore, loader *store.Loader, governor *ratelimit.Governor, clk clock.Clock, workerCount int) *WorkerPool {
	if clk == nil {
		clk = clock.Real{}
	}
	if workerCount <= 0 {
		workerCount = 4
	}
	return &WorkerPool{
		pool:        pool,
		registry:    registry,
		execStore:   execStore,
		loader:      loader,
		governor:    governor,
		clk:         clk,
		workerCount: workerCount,
		extractors:  make(map[string]Extractor),
		pluginSems:  make(map[string]chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// RegisterExtractor binds a plugin name to its extraction callable.
func (p *WorkerPool) RegisterExtractor(pluginName string, fn Extractor) {
	p.extractorsMu.Lock()
	defer p.extractorsMu.Unlock()
	p.extractors[pluginName] = fn
}

func (p *WorkerPool) extractorFor(pluginName string) (Extractor, bool) {
	p.extractorsMu.RLock()
	defer p.extractorsMu.RUnlock()
	fn, ok := p.extractors[pluginName]
	return fn, ok
}

// Start spawns workerCount goroutines, each independently polling for
// claimable subtasks.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.run(ctx, id)
	}
}

// Stop signals every worker to finish its current subtask and exit, then
// waits for them all to return.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id string) {
	defer p.wg.Done()
	log := slog.With("worker_id", id)
	log.Info("scheduler worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("scheduler worker stopping")
			return
		case <-ctx.Done():
			return
		default:
			if err := p.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTaskAvailable) {
					p.sleep(p.jitteredPoll())
					continue
				}
				log.Error("error processing subtask", "error", err)
				p.sleep(time.Second)
			}
		}
	}
}

func (p *WorkerPool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func (p *WorkerPool) jitteredPoll() time.Duration {
	offset := time.Duration(rand.Int64N(int64(2 * pollIntervalJitter)))
	return pollInterval - pollIntervalJitter + offset
}

// pollAndProcess claims the next ready subtask and runs it to completion
// (or a terminal failure/skip/cancellation), updating the store throughout.
func (p *WorkerPool) pollAndProcess(ctx context.Context) error {
	task, err := claimNext(ctx, p.pool)
	if err != nil {
		return err
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	log := slog.With("task_id", task.TaskID, "plugin", task.PluginName, "execution_id", task.ExecutionID)

	plugin, err := p.registry.Get(task.PluginName)
	if err != nil {
		log.Error("claimed subtask for unknown/removed plugin", "error", err)
		return p.fail(ctx, task.TaskID, &ExtractError{Plugin: task.PluginName, Err: fmt.Errorf("%w: %s", ErrUnknownExtractor, task.PluginName)})
	}

	if stopping, err := p.executionStopping(ctx, task.ExecutionID); err != nil {
		log.Error("checking execution status before run", "error", err)
	} else if stopping {
		return p.cancel(ctx, task.TaskID)
	}

	sem := p.semaphoreFor(plugin, p.workerCount)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return p.cancel(ctx, task.TaskID)
	}
	defer func() { <-sem }()

	if skip, err := p.shouldSkip(ctx, task, plugin); err != nil {
		log.Warn("skip-policy check failed, proceeding with extraction", "error", err)
	} else if skip {
		log.Info("skipping subtask, data already present")
		return p.completeSkipped(ctx, task.TaskID)
	}

	fn, ok := p.extractorFor(plugin.Name)
	if !ok {
		return p.fail(ctx, task.TaskID, &ExtractError{Plugin: plugin.Name, Err: ErrUnknownExtractor})
	}

	calls := plugin.EffectiveExpectedCallsPerDate()
	if err := p.governor.Acquire(ctx, plugin.Name, calls); err != nil {
		return p.fail(ctx, task.TaskID, &ExtractError{Plugin: plugin.Name, Err: err})
	}

	extractCtx, cancel := context.WithTimeout(ctx, plugin.EffectiveExtractTimeout())
	defer cancel()

	result, err := fn(extractCtx, task.Parameters)
	if err != nil {
		return p.fail(ctx, task.TaskID, &ExtractError{Plugin: plugin.Name, Err: err})
	}

	// The extracted batch is not loaded yet: this is the safe point at which
	// a stopping execution cancels its in-flight subtask.
	if stopping, err := p.executionStopping(ctx, task.ExecutionID); err == nil && stopping {
		if err := p.cancel(ctx, task.TaskID); err != nil {
			return err
		}
		return p.finalizeIfStopping(ctx, task.ExecutionID)
	}

	written, err := p.loader.Write(ctx, plugin.Name, plugin.Table, plugin.PartitionKey, plugin.OrderKey, plugin.Engine, store.ExtractedBatch{Records: result.Records})
	if err != nil {
		return p.fail(ctx, task.TaskID, &ExtractError{Plugin: plugin.Name, Err: err})
	}

	if err := p.execStore.UpdateSubTaskProgress(ctx, task.TaskID, 100, written, 0); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	if err := p.execStore.SetSubTaskStatus(ctx, task.TaskID, store.SubTaskCompleted, ""); err != nil {
		return fmt.Errorf("marking subtask completed: %w", err)
	}
	return p.finalizeIfStopping(ctx, task.ExecutionID)
}

func (p *WorkerPool) fail(ctx context.Context, taskID string, cause error) error {
	if err := p.execStore.SetSubTaskStatus(ctx, taskID, store.SubTaskFailed, cause.Error()); err != nil {
		return fmt.Errorf("marking subtask failed: %w", err)
	}
	return nil
}

func (p *WorkerPool) cancel(ctx context.Context, taskID string) error {
	if err := p.execStore.SetSubTaskStatus(ctx, taskID, store.SubTaskCancelled, "execution stopping"); err != nil {
		return fmt.Errorf("cancelling subtask: %w", err)
	}
	return nil
}

func (p *WorkerPool) completeSkipped(ctx context.Context, taskID string) error {
	if err := p.execStore.UpdateSubTaskProgress(ctx, taskID, 100, 0, 0); err != nil {
		return err
	}
	return p.execStore.SetSubTaskStatus(ctx, taskID, store.SubTaskCompleted, "")
}

// shouldSkip implements spec §4.3's skip policy: an incremental subtask
// whose date is already present in the destination table and was not
// explicitly force-overwritten is skipped rather than re-extracted.
func (p *WorkerPool) shouldSkip(ctx context.Context, task store.SubTask, plugin config.Plugin) (bool, error) {
	if task.TaskType != store.TaskIncremental {
		return false, nil
	}
	if forced, _ := task.Parameters[forceOverwriteKey].(bool); forced {
		return false, nil
	}
	date, _ := task.Parameters[plugin.OrderKey].(string)
	if date == "" {
		return false, nil
	}
	present, err := store.PresentDates(ctx, p.pool, plugin.Table, plugin.OrderKey)
	if err != nil {
		return false, err
	}
	_, ok := present[date]
	return ok, nil
}

func (p *WorkerPool) executionStopping(ctx context.Context, executionID string) (bool, error) {
	exec, _, err := p.execStore.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return exec.Status == store.ExecutionStopping, nil
}

func (p *WorkerPool) finalizeIfStopping(ctx context.Context, executionID string) error {
	stopping, err := p.executionStopping(ctx, executionID)
	if err != nil || !stopping {
		return err
	}
	done, err := p.execStore.AllSubTasksTerminal(ctx, executionID)
	if err != nil || !done {
		return err
	}
	return p.execStore.FinalizeStop(ctx, executionID)
}

// Status reports total configured workers and how many are currently
// processing a claimed subtask, for the readiness endpoint.
func (p *WorkerPool) Status() (total, activeCount int) {
	return p.workerCount, int(p.active.Load())
}

func (p *WorkerPool) semaphoreFor(plugin config.Plugin, outerCap int) chan struct{} {
	p.pluginSemsMu.Lock()
	defer p.pluginSemsMu.Unlock()
	sem, ok := p.pluginSems[plugin.Name]
	if !ok {
		sem = make(chan struct{}, InnerConcurrency(plugin, outerCap))
		p.pluginSems[plugin.Name] = sem
	}
	return sem
}
