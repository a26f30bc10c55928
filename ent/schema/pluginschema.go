package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PluginSchema holds the persisted, versioned description of one plugin's
// ODS table: its declared columns, partition key, order key and engine.
// SchemaSynchronizer compares an extractor's observed payload against this
// row before every first write and on every widening event.
type PluginSchema struct {
	ent.Schema
}

func (PluginSchema) Fields() []ent.Field {
	return []ent.Field{
		field.String("plugin_name").
			Unique().
			Immutable(),
		field.String("table_name"),
		field.JSON("columns", []ColumnDecl{}).
			Comment("Declared columns: name, nullable, type"),
		field.String("partition_key"),
		field.String("order_key"),
		field.String("engine"),
		field.Int("version").
			Default(1).
			Comment("Bumped on every widening"),
	}
}

func (PluginSchema) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("table_name"),
	}
}

// ColumnDecl is a single declared column in a PluginSchema.
type ColumnDecl struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// SchemaAudit holds the schema definition for a single DDL change applied
// to an ODS table (ADD COLUMN / MODIFY COLUMN / WIDEN_TYPE_FAILED).
type SchemaAudit struct {
	ent.Schema
}

func (SchemaAudit) Fields() []ent.Field {
	return []ent.Field{
		field.Int("id").
			Immutable(),
		field.String("table_name"),
		field.String("column_name"),
		field.String("action").
			Comment("ADD_COLUMN, MODIFY_COLUMN, WIDEN_TYPE_FAILED"),
		field.String("old_type").
			Optional().
			Nillable(),
		field.String("new_type").
			Optional().
			Nillable(),
		field.Time("at"),
		field.String("reason").
			Optional().
			Nillable(),
	}
}

func (SchemaAudit) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("table_name", "column_name"),
	}
}
