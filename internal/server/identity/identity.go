// Package identity resolves caller credentials (API key or bearer token) to
// an account through a priority-ordered chain of independent resolvers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/auth"
	"github.com/dmitrijs2005/optipress/internal/server/models"
)

// Credentials are collected by the transport. Empty fields mean the channel
// was not supplied.
type Credentials struct {
	APIKey      string
	BearerToken string
}

// FromHeaders builds Credentials from raw header values.
func FromHeaders(apiKey, authorization string) Credentials {
	return Credentials{
		APIKey:      strings.TrimSpace(apiKey),
		BearerToken: BearerToken(authorization),
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <t>" value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(common.BearerPrefix) || !strings.EqualFold(header[:len(common.BearerPrefix)], common.BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(common.BearerPrefix):])
}

// AccountLookup is the subset of the account store resolvers need.
type AccountLookup interface {
	FindByID(ctx context.Context, id string) (*models.Account, error)
	FindByAPIKey(ctx context.Context, apiKey string) (*models.Account, error)
}

// Resolver handles one credential channel.
type Resolver interface {
	Name() string
	// Applies reports whether the channel is present in c.
	Applies(c Credentials) bool
	Resolve(ctx context.Context, c Credentials) (*models.Account, error)
}

// Chain tries resolvers in order. The first success wins. A failing channel
// falls through to the next one, except for store outages which abort with
// ErrorInternal.
type Chain struct {
	resolvers []Resolver
	logger    logging.Logger
}

func NewChain(logger logging.Logger, resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers, logger: logger}
}

// NewDefaultChain builds the API key then bearer token chain.
func NewDefaultChain(store AccountLookup, accessSecret []byte, logger logging.Logger) *Chain {
	return NewChain(logger,
		&APIKeyResolver{store: store},
		&BearerResolver{store: store, secret: accessSecret},
	)
}

func (c *Chain) Resolve(ctx context.Context, creds Credentials) (*models.Account, error) {
	var lastErr error
	for _, r := range c.resolvers {
		if !r.Applies(creds) {
			continue
		}
		acc, err := r.Resolve(ctx, creds)
		if err == nil {
			return acc, nil
		}
		if errors.Is(err, common.ErrorInternal) {
			c.logger.Error(ctx, "credential lookup failed", "resolver", r.Name(), "error", err)
			return nil, err
		}
		c.logger.Debug(ctx, "credential rejected", "resolver", r.Name(), "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return nil, common.ErrNoCredentials
	}
	return nil, lastErr
}

// APIKeyResolver matches the plugin API key exactly.
type APIKeyResolver struct {
	store AccountLookup
}

func NewAPIKeyResolver(store AccountLookup) *APIKeyResolver {
	return &APIKeyResolver{store: store}
}

func (r *APIKeyResolver) Name() string { return "api_key" }

func (r *APIKeyResolver) Applies(c Credentials) bool { return c.APIKey != "" }

func (r *APIKeyResolver) Resolve(ctx context.Context, c Credentials) (*models.Account, error) {
	acc, err := r.store.FindByAPIKey(ctx, c.APIKey)
	if err != nil {
		return nil, lookupError(err)
	}
	return acc, nil
}

// BearerResolver verifies a dashboard access token.
type BearerResolver struct {
	store  AccountLookup
	secret []byte
}

func NewBearerResolver(store AccountLookup, secret []byte) *BearerResolver {
	return &BearerResolver{store: store, secret: secret}
}

func (r *BearerResolver) Name() string { return "bearer" }

func (r *BearerResolver) Applies(c Credentials) bool { return c.BearerToken != "" }

func (r *BearerResolver) Resolve(ctx context.Context, c Credentials) (*models.Account, error) {
	id, err := auth.GetUserIDFromToken(c.BearerToken, r.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
	}
	acc, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, lookupError(err)
	}
	return acc, nil
}

func lookupError(err error) error {
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrorUnauthorized
	}
	return fmt.Errorf("%w: %v", common.ErrorInternal, err)
}
