package engine

import "errors"

// Failure reasons recorded on attempts and surfaced in diagnostics.
const (
	ReasonSpawnerOutputInvalid = "SPAWNER_OUTPUT_INVALID"
	ReasonSpawnerDepthExceeded = "SPAWNER_DEPTH_EXCEEDED"
	ReasonMissingResult        = "missing result event"
	ReasonMaxStepsExhausted    = "max steps exhausted"
)

// ErrInvalidControl is returned when an operator control does not apply
// to the run's current status (e.g. resume on a run that is not
// paused). No state changes.
var ErrInvalidControl = errors.New("control not valid for current run status")

// ErrRunBlocked is returned by the executor when the run cannot make
// progress right now (paused, or a deferred retry is queued behind a
// pause) but is not terminal.
var ErrRunBlocked = errors.New("run is blocked")
