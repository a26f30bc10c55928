// Package store implements the scheduler's persistence layer: ExecutionStore
// (BatchExecution/SubTask CRUD with CAS counters), SchemaSynchronizer
// (destination-table DDL reconciliation), Loader (version-based upsert) and
// MissingDataDetector (trading-calendar gap analysis). It talks to Postgres
// directly through pgx rather than through a generated ORM client — see
// DESIGN.md for why.
package store

import "time"

type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerGroup     TriggerType = "group"
	TriggerRetry     TriggerType = "retry"
)

type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionStopped     ExecutionStatus = "stopped"
	ExecutionStopping    ExecutionStatus = "stopping"
	ExecutionSkipped     ExecutionStatus = "skipped"
	ExecutionInterrupted ExecutionStatus = "interrupted"
)

// Terminal reports whether the execution will not transition further on its
// own (it may still accept a retry request).
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionStopped, ExecutionSkipped, ExecutionInterrupted:
		return true
	default:
		return false
	}
}

type TaskType string

const (
	TaskIncremental TaskType = "incremental"
	TaskFull        TaskType = "full"
	TaskBackfill    TaskType = "backfill"
)

type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskCancelled SubTaskStatus = "cancelled"
)

func (s SubTaskStatus) Terminal() bool {
	switch s {
	case SubTaskCompleted, SubTaskFailed, SubTaskCancelled:
		return true
	default:
		return false
	}
}

// BatchExecution is one top-level scheduled or user-triggered unit of work
// (spec §3).
type BatchExecution struct {
	ExecutionID      string
	TriggerType      TriggerType
	GroupName        string
	DateRange        []string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Status           ExecutionStatus
	TotalPlugins     int
	CompletedPlugins int
	FailedPlugins    int
	CancelledPlugins int
	SkippedPlugins   int
	ErrorSummary     string
	Version          int
	CreatedAt        time.Time
}

// CanRetry reports spec §3's invariant: true iff terminal and any sub-task
// failed or was cancelled.
func (e BatchExecution) CanRetry() bool {
	return e.Status.Terminal() && (e.FailedPlugins > 0 || e.CancelledPlugins > 0)
}

// SubTask is a single (plugin × parameters) unit inside a BatchExecution
// (spec §3).
type SubTask struct {
	TaskID           string
	ExecutionID      string
	PluginName       string
	TaskType         TaskType
	Parameters       map[string]any
	Status           SubTaskStatus
	Progress         int
	RecordsProcessed int
	RecordsFailed    int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     string
	DependsOn        []string
	Version          int
	CreatedAt        time.Time
}

// ColumnDecl describes one inferred or declared ODS table column.
type ColumnDecl struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// PluginSchema is the persisted table-schema record for one plugin (spec §3
// "Table schema record").
type PluginSchema struct {
	PluginName   string
	TableName    string
	Columns      []ColumnDecl
	PartitionKey string
	OrderKey     string
	Engine       string
	Version      int
}

// SchemaAuditEntry is one row of the widening/column-add audit trail.
type SchemaAuditEntry struct {
	ID         int64
	TableName  string
	ColumnName string
	Action     string // ADD_COLUMN, MODIFY_COLUMN, WIDEN_TYPE_FAILED
	OldType    string
	NewType    string
	At         time.Time
	Reason     string
}
