// Package arena implements the ArenaManager: CRUD and state-machine
// lifecycle for the multi-agent strategy-tournament aggregate (spec §3, §4.7).
// It persists directly through pgx, the same way pkg/store does for the
// ingestion side — see DESIGN.md for why the generated ent client plays no
// runtime role here either.
package arena

import (
	"time"

	"github.com/marketcore/platform/pkg/config"
)

// State is an Arena's lifecycle stage (spec §3, §4.7).
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateDiscussing   State = "discussing"
	StateBacktesting  State = "backtesting"
	StateSimulating   State = "simulating"
	StateEvaluating   State = "evaluating"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether the Arena will not transition further on its own.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// active lists every state a running Arena may be in (i.e. not yet created,
// not paused, not terminal) — used to validate Pause requests.
var active = map[State]bool{
	StateInitializing: true,
	StateDiscussing:    true,
	StateBacktesting:   true,
	StateSimulating:    true,
	StateEvaluating:    true,
}

// Active reports whether an Arena in this state counts toward the
// readiness endpoint's active-arena count (spec §9 supplemented health
// surface) — the same states Pause will accept.
func (s State) Active() bool {
	return active[s]
}

// AgentRole classifies a discussion/strategy participant (spec §3).
type AgentRole string

const (
	RoleStrategyGenerator AgentRole = "strategy_generator"
	RoleStrategyReviewer  AgentRole = "strategy_reviewer"
	RoleRiskAnalyst       AgentRole = "risk_analyst"
	RoleMarketSentiment   AgentRole = "market_sentiment"
	RoleQuantResearcher   AgentRole = "quant_researcher"
	RoleSystem            AgentRole = "system" // ThinkingMessage-only, not a Strategy author
)

// Stage is where a Strategy sits in the competition pipeline (spec §4.9).
type Stage string

const (
	StageBacktest  Stage = "backtest"
	StageSimulated Stage = "simulated"
	StageLive      Stage = "live"
)

// Arena is the persisted tournament aggregate (spec §3).
type Arena struct {
	ArenaID          string
	Name             string
	Config           Config
	State            State
	CreatedAt        time.Time
	TotalStrategies  int
	ActiveStrategies int
	LastError        string
	ResumeFrom        State // state to resume into after a pause
	Version          int
}

// Config mirrors config.ArenaConfig's tuning, copied onto the aggregate at
// creation time so later config changes don't retroactively alter an
// in-flight Arena's behavior.
type Config struct {
	AgentCount          int
	DiscussionMaxRounds int
	ScoringWeights      ScoringWeights
	EliminationRatios   EliminationRatios
	MinActiveStrategies int
	// Roster is the agent_id -> role assignment produced by Manager.Start.
	// There is no standalone Agent entity in the persisted model (spec §3
	// only ever references agents by id/role from Strategy and
	// ThinkingMessage), so the roster rides along inside the Arena's own
	// config JSON rather than a new table.
	Roster map[string]AgentRole
}

// FromConfig copies a validated config.ArenaConfig onto the aggregate at
// creation time, so later edits to the YAML config don't retroactively alter
// an in-flight Arena's behavior.
func FromConfig(c config.ArenaConfig) Config {
	return Config{
		AgentCount:          c.AgentCount,
		DiscussionMaxRounds: c.DiscussionMaxRounds,
		ScoringWeights:      ScoringWeights(c.ScoringWeights),
		EliminationRatios:   EliminationRatios(c.EliminationRatios),
		MinActiveStrategies: c.MinActiveStrategies,
	}
}

type ScoringWeights struct {
	Profitability float64
	RiskControl   float64
	Stability     float64
	Adaptability  float64
}

type EliminationRatios struct {
	Daily   float64
	Weekly  float64
	Monthly float64
}

// DimensionScores are the four weighted components of a Strategy's composite
// score (spec §4.9).
type DimensionScores struct {
	Profitability float64
	RiskControl   float64
	Stability     float64
	Adaptability  float64
}

// Composite applies w to s, normalized to [0,100] (spec §8 invariant:
// Σ weights = 1.0 exactly, so no further normalization is required once the
// weights are valid).
func (s DimensionScores) Composite(w ScoringWeights) float64 {
	score := s.Profitability*w.Profitability +
		s.RiskControl*w.RiskControl +
		s.Stability*w.Stability +
		s.Adaptability*w.Adaptability
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Strategy is a trading rule-set generated and scored inside an Arena
// (spec §3).
type Strategy struct {
	StrategyID string
	ArenaID    string
	Name       string
	AgentID    string
	AgentRole  AgentRole
	Stage      Stage
	IsActive   bool
	CurrentScore float64
	CurrentRank  int
	Scores       DimensionScores
	Logic        string
	Rules        string
	CreatedAt    time.Time
	Version      int
}

// DiscussionMode selects how participants are picked for one round (spec §4.8).
type DiscussionMode string

const (
	ModeDebate        DiscussionMode = "debate"
	ModeCollaboration DiscussionMode = "collaboration"
	ModeReview        DiscussionMode = "review"
)

// DiscussionRound is one round of multi-agent deliberation (spec §3).
type DiscussionRound struct {
	RoundID      string
	ArenaID      string
	RoundNumber  int
	Mode         DiscussionMode
	Participants []string
	Conclusions  map[string]string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// MessageType classifies a ThinkingMessage (spec §3).
type MessageType string

const (
	MessageThinking     MessageType = "thinking"
	MessageArgument     MessageType = "argument"
	MessageConclusion   MessageType = "conclusion"
	MessageIntervention MessageType = "intervention"
	MessageSystem       MessageType = "system"
	MessageError        MessageType = "error"
)

// ThinkingMessage is one append-only entry in an Arena's live deliberation
// stream (spec §3).
type ThinkingMessage struct {
	MessageID string
	ArenaID   string
	AgentID   string
	AgentRole AgentRole
	RoundID   string
	Type      MessageType
	Content   string
	Metadata  map[string]any
	Timestamp time.Time
}

// ElimPeriod is the Evaluator cadence that produced an EliminationEvent
// (spec §4.10).
type ElimPeriod string

const (
	PeriodDaily   ElimPeriod = "daily"
	PeriodWeekly  ElimPeriod = "weekly"
	PeriodMonthly ElimPeriod = "monthly"
)

// EliminationEvent records one Strategy being marked inactive (spec §3).
type EliminationEvent struct {
	EventID    string
	ArenaID    string
	Period     ElimPeriod
	StrategyID string
	Score      float64
	Reason     string
	Timestamp  time.Time
}

// EvaluationSummary records one Evaluator pass over an Arena (spec §4.10
// "stores an evaluation summary").
type EvaluationSummary struct {
	SummaryID        string
	ArenaID          string
	Period           ElimPeriod
	RankedStrategies int
	EliminatedCount  int
	TopScore         float64
	Timestamp        time.Time
}
