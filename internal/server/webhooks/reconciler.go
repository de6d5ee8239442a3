// Package webhooks turns payment-provider deliveries into ledger mutations.
// Each delivery is authenticated, normalized, claimed once by fingerprint
// and applied in the same transaction as its claim.
package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/ledger"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/webhookevents"
)

// Final states of a delivery.
const (
	StateApplied      = "applied"
	StateIgnored      = "ignored"
	StateDeduplicated = "deduplicated"
	StateRejected     = "rejected"
)

// Result describes what a delivery did.
type Result struct {
	State     string
	EventType string
	Reason    string
	Credits   int64
	AccountID string
}

type Repos interface {
	Accounts(db dbx.DBTX) accounts.Repository
	WebhookEvents(db dbx.DBTX) webhookevents.Repository
}

type Reconciler struct {
	db       *sql.DB
	repos    Repos
	ledger   *ledger.Ledger
	secret   []byte
	unsigned map[string]struct{}
	plans    *PlanTable
	metrics  *metrics.Metrics
	logger   logging.Logger
}

func NewReconciler(db *sql.DB, repos Repos, l *ledger.Ledger, cfg *config.Config, m *metrics.Metrics, logger logging.Logger) *Reconciler {
	unsigned := make(map[string]struct{}, len(cfg.UnsignedWebhookEvents))
	for _, t := range cfg.UnsignedWebhookEvents {
		unsigned[t] = struct{}{}
	}
	return &Reconciler{
		db:       db,
		repos:    repos,
		ledger:   l,
		secret:   []byte(cfg.WebhookSecret),
		unsigned: unsigned,
		plans:    NewPlanTable(cfg.Plans),
		metrics:  m,
		logger:   logger,
	}
}

// Apply authenticates and applies one delivery. Errors:
//   - ErrSignature: bad or missing signature
//   - ErrValidation: malformed payload
//   - ErrorInternal: store failure, nothing was recorded and the provider
//     should retry
//
// Benign no-ops (no email, unknown plan or type, foreign API key) return a
// Result with StateIgnored and a nil error.
func (r *Reconciler) Apply(ctx context.Context, raw []byte, signature string) (*Result, error) {
	if err := r.authenticate(ctx, raw, signature); err != nil {
		r.metrics.RecordWebhook(eventLabel(peekType(raw)), StateRejected)
		return nil, err
	}

	ev, err := ParseEvent(raw)
	if err != nil {
		r.metrics.RecordWebhook(eventLabel(""), StateRejected)
		return nil, err
	}
	log := r.logger.With("event", ev.Type, "event_id", ev.ID)

	if ev.Email == "" {
		log.Warn(ctx, "webhook without user email ignored")
		r.metrics.RecordWebhook(eventLabel(ev.Type), StateIgnored)
		return &Result{State: StateIgnored, EventType: ev.Type, Reason: "no email"}, nil
	}

	var res *Result
	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var txErr error
		res, txErr = r.applyInTx(ctx, tx, ev)
		return txErr
	})
	if err != nil {
		log.Error(ctx, "webhook apply failed", "error", err)
		if !errors.Is(err, common.ErrorInternal) {
			err = fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		r.metrics.RecordWebhook(eventLabel(ev.Type), "error")
		return nil, err
	}

	r.metrics.RecordWebhook(eventLabel(ev.Type), res.State)
	log.Info(ctx, "webhook processed", "state", res.State, "reason", res.Reason, "credits", res.Credits)
	return res, nil
}

func (r *Reconciler) authenticate(ctx context.Context, raw []byte, signature string) error {
	if signature != "" {
		if len(r.secret) == 0 || !VerifySignature(r.secret, raw, signature) {
			return common.ErrSignature
		}
		return nil
	}
	typ := peekType(raw)
	if _, ok := r.unsigned[typ]; ok && typ != "" {
		r.logger.Warn(ctx, "unsigned webhook accepted by allow-list", "event", typ)
		return nil
	}
	return common.ErrSignature
}

// plan decides what ev should do before anything is written.
func (r *Reconciler) plan(ctx context.Context, tx dbx.DBTX, ev *Event) (*Result, error) {
	res := &Result{State: StateApplied, EventType: ev.Type}
	ignore := func(reason string) (*Result, error) {
		res.State, res.Reason = StateIgnored, reason
		return res, nil
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventPaymentCompleted, EventUserCreated:
		res.Credits = r.plans.Credits(ev.PlanID, ev.PlanName)
		if res.Credits == 0 {
			return ignore("unknown plan " + ev.PlanID)
		}
	case EventLicenseActivated:
		if ev.LicenseKey == "" {
			return ignore("no license key")
		}
		owned, err := r.keyOwnedByOther(ctx, tx, ev)
		if err != nil {
			return nil, err
		}
		if owned {
			return ignore("license key belongs to another account")
		}
	default:
		return ignore("unhandled event type")
	}
	return res, nil
}

func (r *Reconciler) keyOwnedByOther(ctx context.Context, tx dbx.DBTX, ev *Event) (bool, error) {
	if ev.LicenseKey == "" {
		return false, nil
	}
	owner, err := r.repos.Accounts(tx).FindByAPIKey(ctx, ev.LicenseKey)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: find license key owner: %v", common.ErrorInternal, err)
	}
	return owner.Email != ev.Email, nil
}

func (r *Reconciler) applyInTx(ctx context.Context, tx dbx.DBTX, ev *Event) (*Result, error) {
	res, err := r.plan(ctx, tx, ev)
	if err != nil {
		return nil, err
	}

	claimed, err := r.repos.WebhookEvents(tx).Claim(ctx, &models.WebhookEvent{
		Fingerprint:     ev.Fingerprint(),
		EventType:       ev.Type,
		Email:           ev.Email,
		ProviderEventID: ev.ID,
		Payload:         ev.Raw,
		Outcome:         outcome(res.State),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: claim event: %v", common.ErrorInternal, err)
	}
	if !claimed {
		return &Result{State: StateDeduplicated, EventType: ev.Type}, nil
	}
	if res.State != StateApplied {
		return res, nil
	}

	var acc *models.Account
	switch ev.Type {
	case EventSubscriptionCreated, EventPaymentCompleted:
		key := ev.LicenseKey
		owned, oerr := r.keyOwnedByOther(ctx, tx, ev)
		if oerr != nil {
			return nil, oerr
		}
		if owned {
			r.logger.Warn(ctx, "license key belongs to another account, crediting without it", "event", ev.Type)
			key = ""
		}
		acc, err = r.ledger.Credit(ctx, tx, ev.Email, res.Credits, key)
	case EventUserCreated:
		acc, _, err = r.ledger.Provision(ctx, tx, ev.Email, res.Credits)
	case EventLicenseActivated:
		acc, err = r.ledger.AssignAPIKey(ctx, tx, ev.Email, ev.LicenseKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: apply %s: %v", common.ErrorInternal, ev.Type, err)
	}
	res.AccountID = acc.ID
	return res, nil
}

func outcome(state string) string {
	if state == StateApplied {
		return models.OutcomeApplied
	}
	return models.OutcomeIgnored
}

// eventLabel bounds metric label values to the known event types.
func eventLabel(t string) string {
	switch t {
	case EventSubscriptionCreated, EventPaymentCompleted, EventLicenseActivated, EventUserCreated:
		return t
	}
	return "other"
}
