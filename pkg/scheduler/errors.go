package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownExtractor = errors.New("no extractor registered for plugin")
	ErrInvalidTrigger   = errors.New("invalid trigger request")
	ErrInvalidState     = errors.New("invalid batch execution state transition")
)

// ExtractError reports a provider failure, timeout, or exhausted retry
// budget (spec §7 ExtractError). It is recorded on the SubTask and
// aggregated into the BatchExecution's error_summary.
type ExtractError struct {
	Plugin string
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Plugin, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }
