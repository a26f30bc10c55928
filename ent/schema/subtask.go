package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// SubTask holds the schema definition for a single (plugin x parameters)
// unit of work inside a BatchExecution.
type SubTask struct {
	ent.Schema
}

func (SubTask) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("task_id").
			Unique().
			Immutable(),
		field.String("execution_id").
			Immutable(),
		field.String("plugin_name"),
		field.Enum("task_type").
			Values("incremental", "full", "backfill"),
		field.JSON("parameters", map[string]interface{}{}).
			Comment("Typically {trade_date: ...} or a date range"),
		field.Enum("status").
			Values("pending", "running", "completed", "failed", "cancelled").
			Default("pending"),
		field.Int("progress").
			Default(0).
			Comment("0-100"),
		field.Int("records_processed").
			Default(0),
		field.Int("records_failed").
			Default(0),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Text("error_message").
			Optional().
			Nillable().
			Comment("Includes captured stack trace"),
		field.Strings("depends_on").
			Optional().
			Comment("Plugin names whose same-date SubTask must complete first"),
		field.Int("version").
			Default(0),
	}
}

func (SubTask) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("execution", BatchExecution.Type).
			Ref("subtasks").
			Field("execution_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (SubTask) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("execution_id", "status"),
		index.Fields("plugin_name", "status"),
	}
}
