package discussion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/llm"
	"github.com/marketcore/platform/pkg/stream"
)

func newOrchestratorHarness(t *testing.T, script [][]llm.StreamChunk) (*Orchestrator, *arena.Manager) {
	t.Helper()
	client := newDiscussionTestClient(t)
	manager := arena.NewManager(client.Pool, clock.Real{})
	processor := stream.New(clock.Real{})
	generator := &llm.FakeGenerator{Script: script}
	return New(manager, processor, generator, clock.Real{}), manager
}

func conclusionScript(n int) [][]llm.StreamChunk {
	one := []llm.StreamChunk{
		{Content: "considering the setup", IsThinking: true},
		{Content: "momentum favors longs", IsThinking: true, IsComplete: true},
		{Content: "go long on breakout confirmation", IsComplete: true, IsFinal: true},
	}
	out := make([][]llm.StreamChunk, n)
	for i := range out {
		out[i] = one
	}
	return out
}

func TestRunRoundDebateSelectsGeneratorAndOpponent(t *testing.T) {
	o, manager := newOrchestratorHarness(t, conclusionScript(2))
	ctx := context.Background()

	cfg := arena.Config{AgentCount: 5, DiscussionMaxRounds: 3, MinActiveStrategies: 2}
	a, err := manager.CreateArena(ctx, "debate-arena", cfg)
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	round, err := o.RunRound(ctx, a.ArenaID)
	require.NoError(t, err)
	assert.Equal(t, arena.ModeDebate, round.Mode)
	assert.Len(t, round.Participants, 2)

	msgs, err := manager.ListMessages(ctx, a.ArenaID, round.RoundID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, arena.MessageConclusion, msgs[len(msgs)-1].Type)
}

func TestRunRoundCyclesModesAcrossSuccessiveCalls(t *testing.T) {
	o, manager := newOrchestratorHarness(t, conclusionScript(10))
	ctx := context.Background()

	cfg := arena.Config{AgentCount: 5, DiscussionMaxRounds: 5, MinActiveStrategies: 2}
	a, err := manager.CreateArena(ctx, "cycle-arena", cfg)
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	r1, err := o.RunRound(ctx, a.ArenaID)
	require.NoError(t, err)
	r2, err := o.RunRound(ctx, a.ArenaID)
	require.NoError(t, err)
	r3, err := o.RunRound(ctx, a.ArenaID)
	require.NoError(t, err)

	assert.Equal(t, arena.ModeDebate, r1.Mode)
	assert.Equal(t, arena.ModeCollaboration, r2.Mode)
	assert.Equal(t, arena.ModeReview, r3.Mode)
}

func TestRunRoundRejectsPastMaxRounds(t *testing.T) {
	o, manager := newOrchestratorHarness(t, conclusionScript(10))
	ctx := context.Background()

	cfg := arena.Config{AgentCount: 5, DiscussionMaxRounds: 1, MinActiveStrategies: 2}
	a, err := manager.CreateArena(ctx, "short-arena", cfg)
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	_, err = o.RunRound(ctx, a.ArenaID)
	require.NoError(t, err)

	_, err = o.RunRound(ctx, a.ArenaID)
	assert.ErrorIs(t, err, ErrMaxRoundsReached)
}

func TestCancelRoundBetweenParticipants(t *testing.T) {
	blockUntilCancelled := make(chan struct{})
	o, manager := newOrchestratorHarness(t, nil)
	o.generator = &blockingGenerator{block: blockUntilCancelled}
	ctx := context.Background()

	cfg := arena.Config{AgentCount: 5, DiscussionMaxRounds: 3, MinActiveStrategies: 2}
	a, err := manager.CreateArena(ctx, "cancel-arena", cfg)
	require.NoError(t, err)
	_, err = manager.Start(ctx, a.ArenaID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunRound(ctx, a.ArenaID)
		done <- err
	}()

	require.Eventually(t, func() bool { return o.CancelRound(a.ArenaID) }, time.Second, 10*time.Millisecond)
	close(blockUntilCancelled)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRoundCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("round never returned after cancellation")
	}
}

func TestInjectMessageAppendsIntervention(t *testing.T) {
	o, manager := newOrchestratorHarness(t, nil)
	ctx := context.Background()

	a, err := manager.CreateArena(ctx, "inject-arena", arena.Config{AgentCount: 3, MinActiveStrategies: 1})
	require.NoError(t, err)

	require.NoError(t, o.InjectMessage(ctx, a.ArenaID, "pause on long strategies"))

	msgs, err := manager.ListMessages(ctx, a.ArenaID, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, arena.MessageIntervention, msgs[0].Type)
}

// blockingGenerator blocks every call until block is closed or ctx is
// done; on cancellation it returns ctx.Err() on the errors channel,
// simulating an in-flight generation abandoned by cancellation.
type blockingGenerator struct {
	block chan struct{}
}

func (b *blockingGenerator) GenerateStream(ctx context.Context, _ string, _ []llm.Message) (<-chan llm.StreamChunk, <-chan error) {
	chunks := make(chan llm.StreamChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-b.block:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}
