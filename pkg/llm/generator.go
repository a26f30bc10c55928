package llm

import "context"

// Generator is the narrow interface DiscussionOrchestrator depends on, so
// tests can supply
// an in-memory fake instead of a real HTTP endpoint (teacher's in-memory
// fake/clock idiom, generalized to the LLM boundary).
type Generator interface {
	GenerateStream(ctx context.Context, sessionID string, messages []Message) (<-chan StreamChunk, <-chan error)
}

var _ Generator = (*Client)(nil)
