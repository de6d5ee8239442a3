package models

import "time"

// Outcome of a recorded webhook event.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
)

// WebhookEvent is an append-only record of a provider delivery. Inserting it
// is the deduplication claim: the fingerprint is the primary key.
type WebhookEvent struct {
	Fingerprint     string
	EventType       string
	Email           string
	ProviderEventID string
	Payload         []byte
	Outcome         string
	CreatedAt       time.Time
}
