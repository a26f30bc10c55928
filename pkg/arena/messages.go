package arena

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AppendMessage persists one ThinkingMessage (spec §3, append-only log).
// Callers are expected to also hand the same message to a stream.Processor
// for live fan-out; Manager only owns the durable copy.
func (m *Manager) AppendMessage(ctx context.Context, msg ThinkingMessage) (ThinkingMessage, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock.Now()
	}
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return ThinkingMessage{}, fmt.Errorf("marshalling message metadata: %w", err)
	}
	var roundID any
	if msg.RoundID != "" {
		roundID = msg.RoundID
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO thinking_messages (message_id, arena_id, agent_id, agent_role, round_id, type, content, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.MessageID, msg.ArenaID, msg.AgentID, msg.AgentRole, roundID, msg.Type, msg.Content, metaJSON, msg.Timestamp)
	if err != nil {
		return ThinkingMessage{}, fmt.Errorf("inserting thinking message: %w", err)
	}
	return msg, nil
}

// ListMessages returns an Arena's ThinkingMessages in timestamp order,
// optionally scoped to one round.
func (m *Manager) ListMessages(ctx context.Context, arenaID, roundID string) ([]ThinkingMessage, error) {
	query := `
		SELECT message_id, arena_id, agent_id, agent_role, COALESCE(round_id::text, ''), type, content, metadata, timestamp
		FROM thinking_messages WHERE arena_id = $1 ORDER BY timestamp ASC`
	args := []any{arenaID}
	if roundID != "" {
		query = `
			SELECT message_id, arena_id, agent_id, agent_role, COALESCE(round_id::text, ''), type, content, metadata, timestamp
			FROM thinking_messages WHERE arena_id = $1 AND round_id = $2 ORDER BY timestamp ASC`
		args = append(args, roundID)
	}
	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing thinking messages: %w", err)
	}
	defer rows.Close()

	var out []ThinkingMessage
	for rows.Next() {
		var msg ThinkingMessage
		var metaJSON []byte
		if err := rows.Scan(&msg.MessageID, &msg.ArenaID, &msg.AgentID, &msg.AgentRole, &msg.RoundID,
			&msg.Type, &msg.Content, &metaJSON, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning thinking message: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling message metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CreateRound starts a new DiscussionRound.
func (m *Manager) CreateRound(ctx context.Context, round DiscussionRound) (DiscussionRound, error) {
	if round.RoundID == "" {
		round.RoundID = uuid.NewString()
	}
	if round.StartedAt.IsZero() {
		round.StartedAt = m.clock.Now()
	}
	_, err := m.pool.Exec(ctx, `
		INSERT INTO discussion_rounds (round_id, arena_id, round_number, mode, participants, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		round.RoundID, round.ArenaID, round.RoundNumber, round.Mode, round.Participants, round.StartedAt)
	if err != nil {
		return DiscussionRound{}, fmt.Errorf("creating discussion round: %w", err)
	}
	return round, nil
}

// CompleteRound records conclusions and marks a round finished.
func (m *Manager) CompleteRound(ctx context.Context, roundID string, conclusions map[string]string) error {
	conclusionsJSON, err := json.Marshal(conclusions)
	if err != nil {
		return fmt.Errorf("marshalling conclusions: %w", err)
	}
	_, err = m.pool.Exec(ctx, `
		UPDATE discussion_rounds SET conclusions = $1, completed_at = $2 WHERE round_id = $3`,
		conclusionsJSON, m.clock.Now(), roundID)
	if err != nil {
		return fmt.Errorf("completing discussion round: %w", err)
	}
	return nil
}

// LatestRoundNumber returns the highest round_number recorded for arenaID,
// or 0 if none exist yet.
func (m *Manager) LatestRoundNumber(ctx context.Context, arenaID string) (int, error) {
	var n int
	err := m.pool.QueryRow(ctx, `SELECT COALESCE(MAX(round_number), 0) FROM discussion_rounds WHERE arena_id = $1`, arenaID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reading latest round number: %w", err)
	}
	return n, nil
}
