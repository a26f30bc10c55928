package llm

import "context"

// FakeGenerator is an in-memory Generator for tests, scripted with a fixed
// sequence of chunks per call (teacher's in-memory clock/event-sink fakes,
// same idea applied here rather than a mocking framework).
type FakeGenerator struct {
	// Script is replayed in order across successive calls; each entry is
	// one call's full chunk sequence.
	Script [][]StreamChunk
	calls  int
	// Err, if set, is sent on the error channel after the scripted chunks;
	// left nil the stream ends without an error.
	Err error
}

func (f *FakeGenerator) GenerateStream(ctx context.Context, _ string, _ []Message) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	var script []StreamChunk
	if f.calls < len(f.Script) {
		script = f.Script[f.calls]
	}
	f.calls++

	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range script {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if f.Err != nil {
			errs <- f.Err
		}
	}()

	return chunks, errs
}
