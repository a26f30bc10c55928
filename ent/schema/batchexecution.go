package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// BatchExecution holds the schema definition for one scheduled or
// user-triggered unit of ingestion work. It owns a set of SubTasks, one per
// plugin (and, for date-ranged plugins, per trade date).
//
// This declaration is the authoritative description of the
// "batch_executions" table; the repository in pkg/store reads and writes rows matching these
// fields by hand (see pkg/database/migrations for the generated DDL).
type BatchExecution struct {
	ent.Schema
}

func (BatchExecution) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("execution_id").
			Unique().
			Immutable(),
		field.Enum("trigger_type").
			Values("scheduled", "manual", "group", "retry"),
		field.String("group_name").
			Optional().
			Nillable(),
		field.JSON("date_range", []string{}).
			Optional().
			Comment("Inclusive [start,end] trade-date range, if any"),
		field.Time("started_at").
			Default(time.Now),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Enum("status").
			Values("pending", "running", "completed", "failed", "stopped", "stopping", "skipped", "interrupted").
			Default("pending"),
		field.Int("total_plugins"),
		field.Int("completed_plugins").
			Default(0),
		field.Int("failed_plugins").
			Default(0),
		field.Int("cancelled_plugins").
			Default(0),
		field.Int("skipped_plugins").
			Default(0),
		field.Text("error_summary").
			Optional().
			Nillable(),
		// version is a CAS token bumped on every counter/status update so
		// concurrent SubTask completions never lose an update.
		field.Int("version").
			Default(0),
	}
}

func (BatchExecution) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("subtasks", SubTask.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

func (BatchExecution) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("status", "started_at"),
		index.Fields("trigger_type"),
	}
}
