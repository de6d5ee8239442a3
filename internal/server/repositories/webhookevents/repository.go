// Package webhookevents stores the append-only log of provider deliveries.
package webhookevents

import (
	"context"

	"github.com/dmitrijs2005/optipress/internal/server/models"
)

type Repository interface {
	// Claim records ev. It returns false when an event with the same
	// fingerprint was already recorded.
	Claim(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	Get(ctx context.Context, fingerprint string) (*models.WebhookEvent, error)
}
