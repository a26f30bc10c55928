package discussion

import "errors"

var (
	// ErrNoParticipants is returned when a round's mode yields an empty
	// participant set (e.g. "review" mode with no reviewer agents in the
	// roster).
	ErrNoParticipants = errors.New("discussion round has no eligible participants")
	// ErrRoundCancelled is surfaced on a round cancelled between
	// participants (spec §4.8 "a round is cancellable between
	// participants").
	ErrRoundCancelled = errors.New("discussion round cancelled")
	// ErrMaxRoundsReached means the Arena has already recorded
	// discussion_max_rounds rounds, counted over its whole round history.
	ErrMaxRoundsReached = errors.New("discussion_max_rounds reached")
)
