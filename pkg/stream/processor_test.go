package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
)

func TestPublishFanOutFIFOPerArena(t *testing.T) {
	p := New(clock.Real{})
	sub := p.Subscribe("arena-1")
	defer sub.Close()

	for i := 0; i < 3; i++ {
		p.Publish(context.Background(), arena.ThinkingMessage{ArenaID: "arena-1", Content: string(rune('a' + i))})
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.Messages:
			assert.Equal(t, string(rune('a'+i)), msg.Content)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestPublishIsolatedPerArena(t *testing.T) {
	p := New(clock.Real{})
	subA := p.Subscribe("arena-a")
	subB := p.Subscribe("arena-b")
	defer subA.Close()
	defer subB.Close()

	p.Publish(context.Background(), arena.ThinkingMessage{ArenaID: "arena-a", Content: "only for a"})

	select {
	case msg := <-subA.Messages:
		assert.Equal(t, "only for a", msg.Content)
	case <-time.After(time.Second):
		t.Fatal("arena-a subscriber did not receive its message")
	}

	select {
	case msg := <-subB.Messages:
		t.Fatalf("arena-b subscriber should not have received a message, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsSlowSubscriberAndAnnouncesOnSurvivors(t *testing.T) {
	p := New(clock.Real{})
	slow := p.Subscribe("arena-1") // never drained
	fast := p.Subscribe("arena-1")
	defer fast.Close()

	announced := make(chan struct{}, 1)
	go func() {
		for msg := range fast.Messages {
			if msg.Type == arena.MessageSystem {
				select {
				case announced <- struct{}{}:
				default:
				}
			}
		}
	}()

	for i := 0; i < queueSize+5; i++ {
		p.Publish(context.Background(), arena.ThinkingMessage{ArenaID: "arena-1", Content: "fill"})
	}

	closed := false
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case _, open := <-slow.Messages:
			if !open {
				closed = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	require.True(t, closed, "slow subscriber's channel should have been closed on drop")

	select {
	case <-announced:
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber never received the drop announcement")
	}
}

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	p := New(clock.Real{})
	p.Publish(context.Background(), arena.ThinkingMessage{ArenaID: "arena-1", Content: "before subscribing"})

	sub := p.Subscribe("arena-1")
	defer sub.Close()

	select {
	case msg := <-sub.Messages:
		t.Fatalf("subscriber should not replay history, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
