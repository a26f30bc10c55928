package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Arena holds the schema definition for one strategy-tournament aggregate.
type Arena struct {
	ent.Schema
}

func (Arena) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("arena_id").
			Unique().
			Immutable(),
		field.String("name"),
		field.JSON("config", map[string]interface{}{}),
		field.Enum("state").
			Values("created", "initializing", "discussing", "backtesting", "simulating", "evaluating", "paused", "completed", "failed").
			Default("created"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Int("total_strategies").
			Default(0),
		field.Int("active_strategies").
			Default(0),
		field.Text("last_error").
			Optional().
			Nillable(),
		field.Enum("resume_from").
			Values("created", "initializing", "discussing", "backtesting", "simulating", "evaluating", "paused", "completed", "failed").
			Optional().
			Nillable().
			Comment("State to resume into after a pause"),
		field.Int("version").
			Default(0),
	}
}

func (Arena) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("strategies", Strategy.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("rounds", DiscussionRound.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("messages", ThinkingMessage.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("eliminations", EliminationEvent.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

func (Arena) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("state"),
	}
}

// Strategy holds the schema definition for one trading rule-set generated
// and scored inside an Arena.
type Strategy struct {
	ent.Schema
}

func (Strategy) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("strategy_id").
			Unique().
			Immutable(),
		field.String("arena_id").
			Immutable(),
		field.String("name"),
		field.String("agent_id"),
		field.Enum("agent_role").
			Values("strategy_generator", "strategy_reviewer", "risk_analyst", "market_sentiment", "quant_researcher"),
		field.Enum("stage").
			Values("backtest", "simulated", "live").
			Default("backtest"),
		field.Bool("is_active").
			Default(true),
		field.Float("current_score").
			Default(0).
			Comment("Composite score in [0,100]"),
		field.Int("current_rank").
			Default(0),
		field.Float("profitability_score").Default(0),
		field.Float("risk_control_score").Default(0),
		field.Float("stability_score").Default(0),
		field.Float("adaptability_score").Default(0),
		field.Text("logic").
			Optional().
			Nillable(),
		field.Text("rules").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Strategy) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("arena", Arena.Type).
			Ref("strategies").
			Field("arena_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Strategy) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("arena_id", "is_active"),
		index.Fields("arena_id", "current_rank"),
	}
}

// DiscussionRound holds the schema definition for one round of multi-agent
// deliberation inside an Arena.
type DiscussionRound struct {
	ent.Schema
}

func (DiscussionRound) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("round_id").
			Unique().
			Immutable(),
		field.String("arena_id").
			Immutable(),
		field.Int("round_number"),
		field.Enum("mode").
			Values("debate", "collaboration", "review"),
		field.Strings("participants"),
		field.JSON("conclusions", map[string]string{}).
			Optional().
			Comment("agent_id -> concluding text"),
		field.Time("started_at").
			Default(time.Now),
		field.Time("completed_at").
			Optional().
			Nillable(),
	}
}

func (DiscussionRound) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("arena", Arena.Type).
			Ref("rounds").
			Field("arena_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (DiscussionRound) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("arena_id", "round_number").
			Unique(),
	}
}

// ThinkingMessage holds the schema definition for one append-only message in
// an Arena's live deliberation stream.
type ThinkingMessage struct {
	ent.Schema
}

func (ThinkingMessage) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("message_id").
			Unique().
			Immutable(),
		field.String("arena_id").
			Immutable(),
		field.String("agent_id"),
		field.Enum("agent_role").
			Values("strategy_generator", "strategy_reviewer", "risk_analyst", "market_sentiment", "quant_researcher", "system"),
		field.String("round_id").
			Optional().
			Nillable(),
		field.Enum("type").
			Values("thinking", "argument", "conclusion", "intervention", "system", "error"),
		field.Text("content"),
		field.JSON("metadata", map[string]interface{}{}).
			Optional(),
		field.Time("timestamp").
			Default(time.Now).
			Immutable(),
	}
}

func (ThinkingMessage) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("arena", Arena.Type).
			Ref("messages").
			Field("arena_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (ThinkingMessage) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("arena_id", "timestamp"),
	}
}

// EliminationEvent holds the schema definition for one Strategy elimination
// decided by the Evaluator.
type EliminationEvent struct {
	ent.Schema
}

func (EliminationEvent) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("event_id").
			Unique().
			Immutable(),
		field.String("arena_id").
			Immutable(),
		field.Enum("period").
			Values("daily", "weekly", "monthly"),
		field.String("strategy_id"),
		field.Float("score"),
		field.String("reason"),
		field.Time("timestamp").
			Default(time.Now).
			Immutable(),
	}
}

func (EliminationEvent) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("arena", Arena.Type).
			Ref("eliminations").
			Field("arena_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (EliminationEvent) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("arena_id", "timestamp"),
	}
}
