// Package discussion implements the DiscussionOrchestrator (spec §4.8):
// multi-round Agent deliberation over a shared ThinkingStream, plus the
// human-intervention endpoints that ride alongside it.
package discussion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/llm"
	"github.com/marketcore/platform/pkg/stream"
)

// modeCycle is the fixed order rounds rotate through absent an explicit
// mode request, giving every Arena a debate round, a collaboration round,
// then a review round before repeating.
var modeCycle = []arena.DiscussionMode{arena.ModeDebate, arena.ModeCollaboration, arena.ModeReview}

// Orchestrator runs DiscussionRounds for one or more Arenas concurrently.
// It owns no persistence of its own — every durable write goes through
// arena.Manager — and publishes every ThinkingMessage it produces through a
// stream.Processor for live fan-out (spec §4.8 "messages stream live via
// StreamProcessor").
type Orchestrator struct {
	manager   *arena.Manager
	processor *stream.Processor
	generator llm.Generator
	clock     clock.Clock

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // arena_id -> in-flight round's cancel
}

// New constructs an Orchestrator.
func New(manager *arena.Manager, processor *stream.Processor, generator llm.Generator, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{
		manager:   manager,
		processor: processor,
		generator: generator,
		clock:     clk,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// selectParticipants picks agent ids per mode (spec §4.8): debate pairs one
// generator against one reviewer (falling back to a risk analyst if no
// reviewer exists); collaboration is every agent behind an active Strategy;
// review is every reviewer-role agent in the roster.
func selectParticipants(roster map[string]arena.AgentRole, strategies []arena.Strategy, mode arena.DiscussionMode) []string {
	switch mode {
	case arena.ModeDebate:
		var generator, opponent string
		for agentID, role := range roster {
			switch role {
			case arena.RoleStrategyGenerator:
				if generator == "" {
					generator = agentID
				}
			case arena.RoleStrategyReviewer:
				opponent = agentID
			case arena.RoleRiskAnalyst:
				if opponent == "" {
					opponent = agentID
				}
			}
		}
		var out []string
		if generator != "" {
			out = append(out, generator)
		}
		if opponent != "" && opponent != generator {
			out = append(out, opponent)
		}
		return out

	case arena.ModeReview:
		var out []string
		for agentID, role := range roster {
			if role == arena.RoleStrategyReviewer {
				out = append(out, agentID)
			}
		}
		sort.Strings(out)
		return out

	default: // collaboration: every agent with an active strategy
		seen := make(map[string]bool)
		var out []string
		for _, s := range strategies {
			if s.IsActive && !seen[s.AgentID] {
				seen[s.AgentID] = true
				out = append(out, s.AgentID)
			}
		}
		sort.Strings(out)
		return out
	}
}

// RunRound runs exactly one DiscussionRound for arenaID, blocking until it
// completes, is cancelled, or the parent context is done.
func (o *Orchestrator) RunRound(ctx context.Context, arenaID string) (arena.DiscussionRound, error) {
	a, err := o.manager.GetArena(ctx, arenaID)
	if err != nil {
		return arena.DiscussionRound{}, fmt.Errorf("loading arena: %w", err)
	}
	strategies, err := o.manager.GetStrategies(ctx, arenaID)
	if err != nil {
		return arena.DiscussionRound{}, fmt.Errorf("loading strategies: %w", err)
	}

	latest, err := o.manager.LatestRoundNumber(ctx, arenaID)
	if err != nil {
		return arena.DiscussionRound{}, fmt.Errorf("loading round history: %w", err)
	}
	roundNumber := latest + 1
	if a.Config.DiscussionMaxRounds > 0 && roundNumber > a.Config.DiscussionMaxRounds {
		return arena.DiscussionRound{}, ErrMaxRoundsReached
	}
	mode := modeCycle[latest%len(modeCycle)]

	participants := selectParticipants(a.Config.Roster, strategies, mode)
	if len(participants) == 0 {
		return arena.DiscussionRound{}, ErrNoParticipants
	}

	round, err := o.manager.CreateRound(ctx, arena.DiscussionRound{
		ArenaID: arenaID, RoundNumber: roundNumber, Mode: mode, Participants: participants,
	})
	if err != nil {
		return arena.DiscussionRound{}, fmt.Errorf("creating round: %w", err)
	}

	roundCtx, cancel := context.WithCancel(ctx)
	o.registerCancel(arenaID, cancel)
	defer o.clearCancel(arenaID)
	defer cancel()

	log := slog.With("arena_id", arenaID, "round_id", round.RoundID, "mode", mode)
	log.Info("discussion round started", "participants", participants)

	strategyByAgent := make(map[string]arena.Strategy, len(strategies))
	for _, s := range strategies {
		strategyByAgent[s.AgentID] = s
	}

	conclusions := make(map[string]string, len(participants))
	for _, agentID := range participants {
		select {
		case <-roundCtx.Done():
			log.Warn("discussion round cancelled between participants")
			return round, ErrRoundCancelled
		default:
		}

		role := a.Config.Roster[agentID]
		conclusion, err := o.runParticipant(roundCtx, arenaID, round.RoundID, agentID, role, strategyByAgent[agentID])
		if err != nil {
			if roundCtx.Err() != nil {
				return round, ErrRoundCancelled
			}
			log.Error("participant generation failed", "agent_id", agentID, "error", err)
			continue
		}
		conclusions[agentID] = conclusion

		if role == arena.RoleStrategyGenerator {
			if strat, ok := strategyByAgent[agentID]; ok {
				if err := o.manager.UpdateStrategyRules(ctx, strat.StrategyID, conclusion, conclusion); err != nil {
					log.Error("applying derived strategy edit failed", "strategy_id", strat.StrategyID, "error", err)
				}
			}
		}
	}

	if err := o.manager.CompleteRound(ctx, round.RoundID, conclusions); err != nil {
		return round, fmt.Errorf("completing round: %w", err)
	}
	log.Info("discussion round completed", "conclusion_count", len(conclusions))
	return round, nil
}

// runParticipant streams one agent's thinking -> argument -> conclusion
// sequence, publishing and persisting each chunk as a ThinkingMessage, and
// returns the final conclusion text.
func (o *Orchestrator) runParticipant(ctx context.Context, arenaID, roundID, agentID string, role arena.AgentRole, strat arena.Strategy) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf("You are a %s in a trading strategy arena.", role)},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Current strategy logic: %s", strat.Logic)},
	}

	chunks, errs := o.generator.GenerateStream(ctx, roundID+":"+agentID, messages)

	var conclusion string
	for chunk := range chunks {
		if chunk.Error != "" {
			return "", fmt.Errorf("llm error: %s", chunk.Error)
		}

		msgType := arena.MessageThinking
		switch {
		case chunk.IsFinal:
			msgType = arena.MessageConclusion
		case chunk.IsComplete:
			msgType = arena.MessageArgument
		}

		msg, err := o.manager.AppendMessage(ctx, arena.ThinkingMessage{
			ArenaID: arenaID, AgentID: agentID, AgentRole: role, RoundID: roundID,
			Type: msgType, Content: chunk.Content,
		})
		if err != nil {
			return "", fmt.Errorf("persisting thinking message: %w", err)
		}
		o.processor.Publish(ctx, msg)

		if chunk.IsFinal {
			conclusion = chunk.Content
		}
	}

	if err := drainErr(errs); err != nil {
		return "", err
	}
	return conclusion, nil
}

func drainErr(errs <-chan error) error {
	var last error
	for e := range errs {
		last = e
	}
	return last
}

// CancelRound cancels arenaID's in-flight round, if any (spec §4.8 "a round
// is cancellable between participants"). Returns true if a round was
// actually cancelled.
func (o *Orchestrator) CancelRound(arenaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[arenaID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) registerCancel(arenaID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[arenaID] = cancel
}

func (o *Orchestrator) clearCancel(arenaID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, arenaID)
}

// InjectMessage appends a synthetic, human-authored ThinkingMessage typed
// `intervention` (spec §4.8) and publishes it live.
func (o *Orchestrator) InjectMessage(ctx context.Context, arenaID, content string) error {
	msg, err := o.manager.AppendMessage(ctx, arena.ThinkingMessage{
		ArenaID: arenaID, AgentRole: arena.RoleSystem, Type: arena.MessageIntervention, Content: content,
	})
	if err != nil {
		return fmt.Errorf("injecting message: %w", err)
	}
	o.processor.Publish(ctx, msg)
	return nil
}

// AdjustScore applies a bounded human score adjustment and announces it on
// the stream.
func (o *Orchestrator) AdjustScore(ctx context.Context, arenaID, strategyID string, delta float64) error {
	if err := o.manager.AdjustScore(ctx, strategyID, delta); err != nil {
		return err
	}
	msg, err := o.manager.AppendMessage(ctx, arena.ThinkingMessage{
		ArenaID: arenaID, AgentRole: arena.RoleSystem, Type: arena.MessageSystem,
		Content: fmt.Sprintf("score adjusted by %.1f via human intervention", delta),
	})
	if err == nil {
		o.processor.Publish(ctx, msg)
	}
	return nil
}

// EliminateStrategy marks a Strategy inactive via human intervention and
// announces it on the stream. The persisted ElimPeriod enum only names the
// three Evaluator cadences (spec §3); a manual elimination is recorded
// against PeriodDaily, the cadence with no elimination ratio of its own, so
// it reads distinctly from an automated weekly/monthly cull in history.
func (o *Orchestrator) EliminateStrategy(ctx context.Context, arenaID, strategyID, reason string) error {
	if err := o.manager.EliminateStrategy(ctx, strategyID, arenaID, reason, arena.PeriodDaily); err != nil {
		return err
	}
	msg, err := o.manager.AppendMessage(ctx, arena.ThinkingMessage{
		ArenaID: arenaID, AgentRole: arena.RoleSystem, Type: arena.MessageSystem,
		Content: "strategy eliminated via human intervention: " + reason,
	})
	if err == nil {
		o.processor.Publish(ctx, msg)
	}
	return nil
}
