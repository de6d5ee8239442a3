package models

import "time"

// StagedKind tells uploaded inputs from published results.
type StagedKind string

const (
	StagedInput  StagedKind = "input"
	StagedResult StagedKind = "result"
)

// StagedState is the lifecycle position of a staged object. Objects move
// uploaded -> consumed -> deleted; results are registered as uploaded.
type StagedState string

const (
	StateUploaded StagedState = "uploaded"
	StateConsumed StagedState = "consumed"
	StateDeleted  StagedState = "deleted"
)

// StagedObject tracks a temporary object in the bucket so that every one of
// them is eventually deleted or reported as an orphan.
type StagedObject struct {
	Key       string
	AccountID string
	Kind      StagedKind
	State     StagedState
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
