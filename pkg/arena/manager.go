package arena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/clock"
)

// roles lists the five agent roles in the fixed round-robin order Start
// assigns them (spec §3's agent_role enum), generator first so every Arena
// with agent_count ≥ 1 seeds at least one Strategy.
var roles = []AgentRole{
	RoleStrategyGenerator,
	RoleStrategyReviewer,
	RoleRiskAnalyst,
	RoleMarketSentiment,
	RoleQuantResearcher,
}

// transitions enumerates the legal state moves (spec §4.7): external
// start/pause/resume/delete plus the internal loop's linear march through
// the competition stages, which cycles back to discussing for the next
// round until an external stop lands it on completed/failed.
var transitions = map[State][]State{
	StateCreated:      {StateInitializing},
	StateInitializing: {StateDiscussing, StateFailed},
	StateDiscussing:   {StateBacktesting, StatePaused, StateCompleted, StateFailed},
	StateBacktesting:  {StateSimulating, StatePaused, StateCompleted, StateFailed},
	StateSimulating:   {StateEvaluating, StatePaused, StateCompleted, StateFailed},
	StateEvaluating:   {StateDiscussing, StatePaused, StateCompleted, StateFailed},
	StatePaused:       {}, // resume target is resume_from, validated separately
}

// Manager owns Arena CRUD and the aggregate's state machine (spec §4.7). It
// persists directly via pgx, mirroring pkg/store.ExecutionStore's shape:
// CAS on (arena_id, version) guards Start, Transition, Pause and Resume
// against a concurrent writer; Fail records its failure unconditionally (spec §5 "ExecutionStore rows... CAS", generalized here to Arena
// rows, which face the identical lost-update hazard from concurrently
// running discussion/competition/evaluator loops).
type Manager struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewManager constructs a Manager over an existing pool.
func NewManager(pool *pgxpool.Pool, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{pool: pool, clock: clk}
}

// CreateArena inserts a new Arena in the created state. Agents and initial
// Strategies are not seeded until Start (spec §4.7 "Initialization
// instantiates... Agents... seeds initial Strategies").
func (m *Manager) CreateArena(ctx context.Context, name string, cfg Config) (Arena, error) {
	a := Arena{
		ArenaID:   uuid.NewString(),
		Name:      name,
		Config:    cfg,
		State:     StateCreated,
		CreatedAt: m.clock.Now(),
	}
	configJSON, err := json.Marshal(a.Config)
	if err != nil {
		return Arena{}, fmt.Errorf("marshalling arena config: %w", err)
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO arenas (arena_id, name, config, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ArenaID, a.Name, configJSON, a.State, a.CreatedAt)
	if err != nil {
		return Arena{}, fmt.Errorf("inserting arena: %w", err)
	}
	return a, nil
}

// GetArena fetches one Arena by id.
func (m *Manager) GetArena(ctx context.Context, arenaID string) (Arena, error) {
	row := m.pool.QueryRow(ctx, `
		SELECT arena_id, name, config, state, created_at, total_strategies, active_strategies,
		       COALESCE(last_error, ''), COALESCE(resume_from, ''), version
		FROM arenas WHERE arena_id = $1`, arenaID)
	a, err := scanArena(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Arena{}, ErrNotFound
	}
	return a, err
}

// ListArenas returns every Arena, newest first.
func (m *Manager) ListArenas(ctx context.Context) ([]Arena, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT arena_id, name, config, state, created_at, total_strategies, active_strategies,
		       COALESCE(last_error, ''), COALESCE(resume_from, ''), version
		FROM arenas ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing arenas: %w", err)
	}
	defer rows.Close()

	var out []Arena
	for rows.Next() {
		a, err := scanArena(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning arena: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActive reports how many Arenas are currently in a running (not
// created, not paused, not terminal) state, for the readiness endpoint.
func (m *Manager) CountActive(ctx context.Context) (int, error) {
	arenas, err := m.ListArenas(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range arenas {
		if a.State.Active() {
			n++
		}
	}
	return n, nil
}

// Start seeds agents (agent_count roles, round-robin) and an initial
// Strategy per strategy_generator agent, then transitions
// created → initializing → discussing (spec §4.7). agent_count is validated
// by config.ArenaConfig.Validate before the Arena is ever created; Start
// re-derives the roster from whatever count is on the stored Config.
func (m *Manager) Start(ctx context.Context, arenaID string) (Arena, error) {
	a, err := m.GetArena(ctx, arenaID)
	if err != nil {
		return Arena{}, err
	}
	if a.State != StateCreated {
		return Arena{}, &StateError{ArenaID: arenaID, From: a.State, Action: "start"}
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Arena{}, fmt.Errorf("beginning start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	roster := make(map[string]AgentRole, a.Config.AgentCount)
	var strategies []Strategy
	for i := 0; i < a.Config.AgentCount; i++ {
		role := roles[i%len(roles)]
		agentID := fmt.Sprintf("%s-agent-%d", arenaID, i)
		roster[agentID] = role
		if role == RoleStrategyGenerator {
			strategies = append(strategies, Strategy{
				StrategyID: uuid.NewString(),
				ArenaID:    arenaID,
				Name:       fmt.Sprintf("strategy-%d", len(strategies)+1),
				AgentID:    agentID,
				AgentRole:  role,
				Stage:      StageBacktest,
				IsActive:   true,
				CreatedAt:  m.clock.Now(),
			})
		}
	}
	a.Config.Roster = roster

	configJSON, err := json.Marshal(a.Config)
	if err != nil {
		return Arena{}, fmt.Errorf("marshalling roster: %w", err)
	}

	for _, s := range strategies {
		if _, err := tx.Exec(ctx, `
			INSERT INTO strategies (strategy_id, arena_id, name, agent_id, agent_role, stage, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.StrategyID, s.ArenaID, s.Name, s.AgentID, s.AgentRole, s.Stage, s.IsActive, s.CreatedAt,
		); err != nil {
			return Arena{}, fmt.Errorf("seeding strategy: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE arenas
		SET config = $1, state = $2, total_strategies = $3, active_strategies = $4, version = version + 1
		WHERE arena_id = $5 AND version = $6`,
		configJSON, StateDiscussing, len(strategies), len(strategies), arenaID, a.Version,
	)
	if err != nil {
		return Arena{}, fmt.Errorf("activating arena: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Arena{}, ErrConcurrentModification
	}

	if err := tx.Commit(ctx); err != nil {
		return Arena{}, fmt.Errorf("committing start: %w", err)
	}
	return m.GetArena(ctx, arenaID)
}

// Transition moves an Arena to a new state, validated against the legal-move
// table. Internal loops (discussion, competition, evaluator) call this at
// every stage boundary.
func (m *Manager) Transition(ctx context.Context, arenaID string, to State) error {
	a, err := m.GetArena(ctx, arenaID)
	if err != nil {
		return err
	}
	if !allowed(a.State, to) {
		return &StateError{ArenaID: arenaID, From: a.State, Action: fmt.Sprintf("transition to %s", to)}
	}
	tag, err := m.pool.Exec(ctx, `
		UPDATE arenas SET state = $1, version = version + 1 WHERE arena_id = $2 AND version = $3`,
		to, arenaID, a.Version)
	if err != nil {
		return fmt.Errorf("updating arena state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pause freezes any active Arena, remembering the state to Resume into
// (spec §5 "Arena pause... resume continues from the current state").
func (m *Manager) Pause(ctx context.Context, arenaID string) error {
	a, err := m.GetArena(ctx, arenaID)
	if err != nil {
		return err
	}
	if !active[a.State] {
		return &StateError{ArenaID: arenaID, From: a.State, Action: "pause"}
	}
	tag, err := m.pool.Exec(ctx, `
		UPDATE arenas SET state = $1, resume_from = $2, version = version + 1 WHERE arena_id = $3 AND version = $4`,
		StatePaused, a.State, arenaID, a.Version)
	if err != nil {
		return fmt.Errorf("pausing arena: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// Resume continues a paused Arena from its remembered state.
func (m *Manager) Resume(ctx context.Context, arenaID string) error {
	a, err := m.GetArena(ctx, arenaID)
	if err != nil {
		return err
	}
	if a.State != StatePaused {
		return &StateError{ArenaID: arenaID, From: a.State, Action: "resume"}
	}
	resumeTo := a.ResumeFrom
	if resumeTo == "" {
		resumeTo = StateDiscussing
	}
	tag, err := m.pool.Exec(ctx, `
		UPDATE arenas SET state = $1, resume_from = NULL, version = version + 1 WHERE arena_id = $2 AND version = $3`,
		resumeTo, arenaID, a.Version)
	if err != nil {
		return fmt.Errorf("resuming arena: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// Fail records a terminal failure with its cause (spec §7 Arena `last_error`).
func (m *Manager) Fail(ctx context.Context, arenaID string, cause error) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE arenas SET state = $1, last_error = $2, version = version + 1 WHERE arena_id = $3`,
		StateFailed, cause.Error(), arenaID)
	return err
}

// GetStrategies returns every Strategy in an Arena, generator-seeded order.
func (m *Manager) GetStrategies(ctx context.Context, arenaID string) ([]Strategy, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT strategy_id, arena_id, name, agent_id, agent_role, stage, is_active,
		       current_score, current_rank, profitability_score, risk_control_score,
		       stability_score, adaptability_score, COALESCE(logic, ''), COALESCE(rules, ''),
		       created_at, version
		FROM strategies WHERE arena_id = $1 ORDER BY created_at ASC`, arenaID)
	if err != nil {
		return nil, fmt.Errorf("listing strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetLeaderboard returns active Strategies ordered by current_rank (spec §4.9
// "leaderboard", ties broken by the higher composite score).
func (m *Manager) GetLeaderboard(ctx context.Context, arenaID string) ([]Strategy, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT strategy_id, arena_id, name, agent_id, agent_role, stage, is_active,
		       current_score, current_rank, profitability_score, risk_control_score,
		       stability_score, adaptability_score, COALESCE(logic, ''), COALESCE(rules, ''),
		       created_at, version
		FROM strategies
		WHERE arena_id = $1 AND is_active
		ORDER BY current_rank ASC, current_score DESC`, arenaID)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStrategy(row rowScanner) (Strategy, error) {
	var s Strategy
	if err := row.Scan(
		&s.StrategyID, &s.ArenaID, &s.Name, &s.AgentID, &s.AgentRole, &s.Stage, &s.IsActive,
		&s.CurrentScore, &s.CurrentRank, &s.Scores.Profitability, &s.Scores.RiskControl,
		&s.Scores.Stability, &s.Scores.Adaptability, &s.Logic, &s.Rules, &s.CreatedAt, &s.Version,
	); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// Delete removes an Arena and its children (cascades).
func (m *Manager) Delete(ctx context.Context, arenaID string) error {
	tag, err := m.pool.Exec(ctx, `DELETE FROM arenas WHERE arena_id = $1`, arenaID)
	if err != nil {
		return fmt.Errorf("deleting arena: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArena(row rowScanner) (Arena, error) {
	var a Arena
	var configJSON []byte
	if err := row.Scan(
		&a.ArenaID, &a.Name, &configJSON, &a.State, &a.CreatedAt, &a.TotalStrategies, &a.ActiveStrategies,
		&a.LastError, &a.ResumeFrom, &a.Version,
	); err != nil {
		return Arena{}, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &a.Config); err != nil {
			return Arena{}, fmt.Errorf("unmarshalling arena config: %w", err)
		}
	}
	return a, nil
}
