package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/clock"
)

// ExecutionStore persists BatchExecution and SubTask rows and serves the
// history/detail/retry/stop APIs (spec §4.3, §6). Counter updates use
// optimistic concurrency on (execution_id, version) so concurrent workers
// updating sibling SubTasks never lose an update (spec §5).
type ExecutionStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewExecutionStore constructs an ExecutionStore over an existing pool.
func NewExecutionStore(pool *pgxpool.Pool, clk clock.Clock) *ExecutionStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ExecutionStore{pool: pool, clock: clk}
}

// CreateExecution inserts a new BatchExecution in pending status along with
// its decomposed SubTasks, all within one transaction.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec BatchExecution, tasks []SubTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dateRange, err := json.Marshal(exec.DateRange)
	if err != nil {
		return fmt.Errorf("marshalling date_range: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO batch_executions
			(execution_id, trigger_type, group_name, date_range, status, total_plugins, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ExecutionID, exec.TriggerType, nullString(exec.GroupName), dateRange,
		ExecutionPending, len(tasks), s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("inserting batch_execution: %w", err)
	}

	for _, t := range tasks {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("marshalling subtask parameters: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO subtasks
				(task_id, execution_id, plugin_name, task_type, parameters, status, depends_on, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.TaskID, exec.ExecutionID, t.PluginName, t.TaskType, params, SubTaskPending, t.DependsOn, s.clock.Now(),
		)
		if err != nil {
			return fmt.Errorf("inserting subtask: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetExecution fetches one BatchExecution with its SubTasks.
func (s *ExecutionStore) GetExecution(ctx context.Context, executionID string) (BatchExecution, []SubTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT execution_id, trigger_type, COALESCE(group_name, ''), date_range, started_at, completed_at,
		       status, total_plugins, completed_plugins, failed_plugins, cancelled_plugins, skipped_plugins,
		       COALESCE(error_summary, ''), version, created_at
		FROM batch_executions WHERE execution_id = $1`, executionID)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BatchExecution{}, nil, ErrNotFound
		}
		return BatchExecution{}, nil, fmt.Errorf("querying batch_execution: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT task_id, execution_id, plugin_name, task_type, parameters, status, progress,
		       records_processed, records_failed, started_at, completed_at, COALESCE(error_message, ''),
		       depends_on, version, created_at
		FROM subtasks WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return exec, nil, fmt.Errorf("querying subtasks: %w", err)
	}
	defer rows.Close()

	var tasks []SubTask
	for rows.Next() {
		t, err := scanSubTask(rows)
		if err != nil {
			return exec, nil, fmt.Errorf("scanning subtask: %w", err)
		}
		tasks = append(tasks, t)
	}
	return exec, tasks, rows.Err()
}

// ListExecutionsFilter narrows ListExecutions by status/trigger_type (spec §6).
type ListExecutionsFilter struct {
	Status      ExecutionStatus
	TriggerType TriggerType
	Limit       int
}

// ListExecutions returns BatchExecutions newest-first, optionally filtered.
func (s *ExecutionStore) ListExecutions(ctx context.Context, f ListExecutionsFilter) ([]BatchExecution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT execution_id, trigger_type, COALESCE(group_name, ''), date_range, started_at, completed_at,
		status, total_plugins, completed_plugins, failed_plugins, cancelled_plugins, skipped_plugins,
		COALESCE(error_summary, ''), version, created_at
		FROM batch_executions WHERE ($1 = '' OR status = $1) AND ($2 = '' OR trigger_type = $2)
		ORDER BY created_at DESC LIMIT $3`

	rows, err := s.pool.Query(ctx, query, string(f.Status), string(f.TriggerType), limit)
	if err != nil {
		return nil, fmt.Errorf("listing batch_executions: %w", err)
	}
	defer rows.Close()

	var out []BatchExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch_execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartExecution marks an execution running and stamps started_at.
func (s *ExecutionStore) StartExecution(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batch_executions SET status = $1, started_at = $2, version = version + 1
		WHERE execution_id = $3`, ExecutionRunning, s.clock.Now(), executionID)
	return err
}

// UpdateSubTaskProgress advances a SubTask's progress/records after a
// completed Loader batch (spec §4.3 "Progress"). It uses CAS on
// (task_id, version) and retries on conflict, since multiple inner-fanout
// goroutines for the same plugin never touch the same SubTask concurrently
// in practice, but the scheduler's dependency-completion poll can race a
// status write.
func (s *ExecutionStore) UpdateSubTaskProgress(ctx context.Context, taskID string, progress, recordsProcessed, recordsFailed int) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var version int
		err := s.pool.QueryRow(ctx, `SELECT version FROM subtasks WHERE task_id = $1`, taskID).Scan(&version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("reading subtask version: %w", err)
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE subtasks
			SET progress = $1, records_processed = $2, records_failed = $3, version = version + 1
			WHERE task_id = $4 AND version = $5`, progress, recordsProcessed, recordsFailed, taskID, version)
		if err != nil {
			return fmt.Errorf("updating subtask progress: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		// lost the race to a concurrent writer; retry against the fresh row
	}
	return ErrConcurrentModification
}

// SetSubTaskStatus transitions a SubTask to a terminal or running status,
// optionally attaching an error message, then recomputes the parent
// BatchExecution's counters from its children (spec §7: "errors ...
// aggregated upward").
func (s *ExecutionStore) SetSubTaskStatus(ctx context.Context, taskID string, status SubTaskStatus, errMsg string) error {
	now := s.clock.Now()
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	var executionID string
	err := s.pool.QueryRow(ctx, `
		UPDATE subtasks
		SET status = $1, error_message = NULLIF($2, ''), completed_at = $3, version = version + 1
		WHERE task_id = $4
		RETURNING execution_id`, status, errMsg, completedAt, taskID).Scan(&executionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("updating subtask status: %w", err)
	}

	return s.recomputeCounters(ctx, executionID)
}

// recomputeCounters derives the BatchExecution's counters from its children
// and, if every child is terminal, finalizes the execution's own status
// (spec §3 invariant, §7 propagation policy).
func (s *ExecutionStore) recomputeCounters(ctx context.Context, executionID string) error {
	row := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'cancelled'),
			count(*) FILTER (WHERE status IN ('pending', 'running')),
			count(*),
			(SELECT version FROM batch_executions WHERE execution_id = $1)
		FROM subtasks WHERE execution_id = $1`, executionID)

	var completed, failed, cancelled, pending, total, version int
	if err := row.Scan(&completed, &failed, &cancelled, &pending, &total, &version); err != nil {
		return fmt.Errorf("aggregating subtask counters: %w", err)
	}

	skipped := 0 // skipped SubTasks are recorded as `completed` with records_processed=0; see WorkerPool.completeSkipped

	var currentStatus ExecutionStatus
	if err := s.pool.QueryRow(ctx, `SELECT status FROM batch_executions WHERE execution_id = $1`, executionID).Scan(&currentStatus); err != nil {
		return fmt.Errorf("reading current execution status: %w", err)
	}

	// While stopping, the status is left untouched here: only FinalizeStop
	// may transition it to stopped, once the worker pool has observed every
	// in-flight subtask reach a terminal state.
	if currentStatus == ExecutionStopping {
		tag, err := s.pool.Exec(ctx, `
			UPDATE batch_executions
			SET completed_plugins = $1, failed_plugins = $2, cancelled_plugins = $3, skipped_plugins = $4, version = version + 1
			WHERE execution_id = $5 AND version = $6`,
			completed, failed, cancelled, skipped, executionID, version)
		if err != nil || tag.RowsAffected() > 0 {
			return err
		}
		return s.recomputeCounters(ctx, executionID) // lost the race to a concurrent writer
	}

	var status ExecutionStatus
	var completedAt any
	if pending > 0 {
		status = ExecutionRunning
	} else if failed > 0 {
		status = ExecutionFailed
		completedAt = s.clock.Now()
	} else {
		status = ExecutionCompleted
		completedAt = s.clock.Now()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_executions
		SET completed_plugins = $1, failed_plugins = $2, cancelled_plugins = $3, skipped_plugins = $4,
		    status = $5, completed_at = COALESCE($6, completed_at), version = version + 1
		WHERE execution_id = $7 AND version = $8`,
		completed, failed, cancelled, skipped, status, completedAt, executionID, version)
	if err != nil {
		return fmt.Errorf("updating batch_execution counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.recomputeCounters(ctx, executionID) // lost the race to a concurrent writer
	}
	return nil
}

// AllSubTasksTerminal reports whether every subtask of an execution has
// reached a terminal status, used by the worker pool to decide when a
// stopping execution may be finalized.
func (s *ExecutionStore) AllSubTasksTerminal(ctx context.Context, executionID string) (bool, error) {
	var pending int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM subtasks WHERE execution_id = $1 AND status IN ('pending', 'running')`,
		executionID).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("checking subtask terminality: %w", err)
	}
	return pending == 0, nil
}

// Stop transitions a running BatchExecution to stopping: pending SubTasks
// are cancelled immediately; in-flight ones are left for the worker pool to
// notice at its next batch boundary (spec §4.3 "Stop").
func (s *ExecutionStore) Stop(ctx context.Context, executionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_executions SET status = $1, version = version + 1
		WHERE execution_id = $2 AND status = $3`,
		ExecutionStopping, executionID, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("marking execution stopping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotStoppable
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE subtasks SET status = $1, completed_at = $2, version = version + 1
		WHERE execution_id = $3 AND status = $4`,
		SubTaskCancelled, s.clock.Now(), executionID, SubTaskPending)
	if err != nil {
		return fmt.Errorf("cancelling pending subtasks: %w", err)
	}
	return nil
}

// FinalizeStop is called by the worker pool once every in-flight SubTask for
// a stopping execution has exited at its safe point, moving the execution to
// its stopped terminal status.
func (s *ExecutionStore) FinalizeStop(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batch_executions SET status = $1, completed_at = $2, version = version + 1
		WHERE execution_id = $3 AND status = $4`,
		ExecutionStopped, s.clock.Now(), executionID, ExecutionStopping)
	return err
}

// Retry re-queues only the failed/cancelled SubTasks of a terminal execution
// in place — the execution_id is unchanged (spec §4.3 "Partial retry").
func (s *ExecutionStore) Retry(ctx context.Context, executionID string) error {
	exec, _, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !exec.CanRetry() {
		return ErrNotRetryable
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE subtasks
		SET status = $1, progress = 0, records_processed = 0, records_failed = 0,
		    error_message = NULL, started_at = NULL, completed_at = NULL, version = version + 1
		WHERE execution_id = $2 AND status IN ($3, $4)`,
		SubTaskPending, executionID, SubTaskFailed, SubTaskCancelled)
	if err != nil {
		return fmt.Errorf("resetting failed/cancelled subtasks: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRetryable
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE batch_executions
		SET status = $1, completed_at = NULL, error_summary = NULL, version = version + 1
		WHERE execution_id = $2`, ExecutionRunning, executionID)
	return err
}

// Delete removes a BatchExecution and its SubTasks (cascades), refusing
// while the execution is still running (spec §6).
func (s *ExecutionStore) Delete(ctx context.Context, executionID string) error {
	var status ExecutionStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM batch_executions WHERE execution_id = $1`, executionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checking execution status: %w", err)
	}
	if status == ExecutionRunning || status == ExecutionStopping {
		return ErrDeleteWhileRunning
	}

	_, err = s.pool.Exec(ctx, `DELETE FROM batch_executions WHERE execution_id = $1`, executionID)
	return err
}

// RetentionSweep prunes BatchExecution (and cascading SubTask) rows older
// than the given age, returning the number of executions removed (spec §4.3
// "History retention": 30 days by default).
func (s *ExecutionStore) RetentionSweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM batch_executions WHERE created_at < $1 AND status NOT IN ($2, $3)`,
		cutoff, ExecutionRunning, ExecutionStopping)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired executions: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		slog.Info("retention sweep removed batch executions", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// RecoverInterrupted marks every still-running BatchExecution as
// interrupted, for startup recovery after an unclean shutdown (spec §9 open
// question: "interrupted" status preserved alongside "stopped"; see
// DESIGN.md). Grounded on the teacher's queue.CleanupStartupOrphans.
func (s *ExecutionStore) RecoverInterrupted(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_executions
		SET status = $1, completed_at = $2, error_summary = 'process restarted while running', version = version + 1
		WHERE status IN ($3, $4)`,
		ExecutionInterrupted, s.clock.Now(), ExecutionRunning, ExecutionStopping)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted executions: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		slog.Warn("recovered interrupted batch executions on startup", "count", n)
	}
	return n, nil
}

func NewExecutionID() string { return uuid.NewString() }
func NewTaskID() string      { return uuid.NewString() }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (BatchExecution, error) {
	var e BatchExecution
	var dateRange []byte
	if err := row.Scan(
		&e.ExecutionID, &e.TriggerType, &e.GroupName, &dateRange, &e.StartedAt, &e.CompletedAt,
		&e.Status, &e.TotalPlugins, &e.CompletedPlugins, &e.FailedPlugins, &e.CancelledPlugins, &e.SkippedPlugins,
		&e.ErrorSummary, &e.Version, &e.CreatedAt,
	); err != nil {
		return BatchExecution{}, err
	}
	if len(dateRange) > 0 {
		if err := json.Unmarshal(dateRange, &e.DateRange); err != nil {
			return BatchExecution{}, fmt.Errorf("unmarshalling date_range: %w", err)
		}
	}
	return e, nil
}

func scanSubTask(row rowScanner) (SubTask, error) {
	var t SubTask
	var params []byte
	if err := row.Scan(
		&t.TaskID, &t.ExecutionID, &t.PluginName, &t.TaskType, &params, &t.Status, &t.Progress,
		&t.RecordsProcessed, &t.RecordsFailed, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage,
		&t.DependsOn, &t.Version, &t.CreatedAt,
	); err != nil {
		return SubTask{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return SubTask{}, fmt.Errorf("unmarshalling parameters: %w", err)
		}
	}
	return t, nil
}
