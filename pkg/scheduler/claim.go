package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/store"
)

// ErrNoTaskAvailable signals an empty poll: no pending subtask is both
// dependency-ready and its execution still running.
var ErrNoTaskAvailable = errors.New("no subtask available")

// claimNext atomically claims the oldest pending, dependency-ready subtask
// of a running execution, marking it running. Grounded on the teacher's
// claimNextSession (pkg/queue/worker.go): a single FOR UPDATE SKIP LOCKED
// transaction so concurrent workers never double-claim a row.
func claimNext(ctx context.Context, pool *pgxpool.Pool) (store.SubTask, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return store.SubTask{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT st.task_id, st.execution_id, st.plugin_name, st.task_type, st.parameters, st.status,
		       st.progress, st.records_processed, st.records_failed, st.started_at, st.completed_at,
		       COALESCE(st.error_message, ''), st.depends_on, st.version, st.created_at
		FROM subtasks st
		JOIN batch_executions be ON be.execution_id = st.execution_id
		WHERE st.status = 'pending'
		  AND be.status = 'running'
		  AND NOT EXISTS (
		      SELECT 1 FROM unnest(st.depends_on) dep
		      WHERE dep NOT IN (SELECT task_id::text FROM subtasks WHERE status = 'completed')
		  )
		ORDER BY st.created_at
		LIMIT 1
		FOR UPDATE OF st SKIP LOCKED`)

	task, err := scanClaimRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SubTask{}, ErrNoTaskAvailable
		}
		return store.SubTask{}, fmt.Errorf("querying claimable subtask: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE subtasks SET status = 'running', started_at = now(), version = version + 1
		WHERE task_id = $1`, task.TaskID); err != nil {
		return store.SubTask{}, fmt.Errorf("claiming subtask: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.SubTask{}, fmt.Errorf("committing claim: %w", err)
	}

	task.Status = store.SubTaskRunning
	return task, nil
}

func scanClaimRow(row pgx.Row) (store.SubTask, error) {
	var t store.SubTask
	var params []byte
	if err := row.Scan(
		&t.TaskID, &t.ExecutionID, &t.PluginName, &t.TaskType, &params, &t.Status, &t.Progress,
		&t.RecordsProcessed, &t.RecordsFailed, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage,
		&t.DependsOn, &t.Version, &t.CreatedAt,
	); err != nil {
		return store.SubTask{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return store.SubTask{}, err
		}
	}
	return t, nil
}
