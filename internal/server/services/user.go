// Package services contains server-side business logic. This file implements
// UserService, which handles dashboard signup, login and the rotation of
// refresh tokens mirrored on the account row.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/auth"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/ledger"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/repomanager"
	"golang.org/x/crypto/bcrypt"
)

const (
	// bcrypt ignores input beyond 72 bytes and x/crypto rejects it.
	maxPasswordLen = 72
	apiKeyBytes    = 24
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Profile is the public view of an account.
type Profile struct {
	ID      string
	Email   string
	Credits int64
	APIKey  string
}

// Session is returned by signup and login.
type Session struct {
	Tokens  TokenPair
	Profile Profile
}

func profileOf(a *models.Account) Profile {
	return Profile{ID: a.ID, Email: a.Email, Credits: a.Credits, APIKey: a.Key()}
}

// UserService provides the dashboard session operations:
//   - Signup: create or claim an account and mint tokens
//   - Login: verify the password and mint tokens
//   - Refresh: rotate the refresh token and mint a new access token
//   - Logout: revoke the current refresh token
type UserService struct {
	db                           *sql.DB
	repomanager                  repomanager.RepositoryManager
	ledger                       *ledger.Ledger
	jwtSecret                    []byte
	refreshSecret                []byte
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
	signupCredits                int64
	bcryptCost                   int
	logger                       logging.Logger
}

// NewUserService constructs a UserService using repositories and server config.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager, l *ledger.Ledger, cfg *config.Config, logger logging.Logger) *UserService {
	return &UserService{
		db:                           db,
		repomanager:                  m,
		ledger:                       l,
		jwtSecret:                    []byte(cfg.SecretKey),
		refreshSecret:                []byte(cfg.RefreshSecretKey),
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
		signupCredits:                cfg.SignupCredits,
		bcryptCost:                   bcrypt.DefaultCost,
		logger:                       logger.With("module", "users"),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return common.Validationf("a valid email is required")
	}
	if password == "" {
		return common.Validationf("password is required")
	}
	if len(password) > maxPasswordLen {
		return common.Validationf("password must be at most %d bytes", maxPasswordLen)
	}
	return nil
}

// Signup registers email with password. An account provisioned earlier by a
// payment webhook is claimed and keeps its balance; a new account receives
// the signup grant.
func (s *UserService) Signup(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%w: hash password: %v", common.ErrorInternal, err)
	}

	apiKey, err := common.MakeRandHexString(apiKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: api key: %v", common.ErrorInternal, err)
	}

	var session *Session

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Accounts(tx)

		acc, err := repo.ClaimByEmail(ctx, email, string(hash), apiKey)
		if errors.Is(err, common.ErrorNotFound) {
			_, created, perr := s.ledger.Provision(ctx, tx, email, s.signupCredits)
			if perr != nil {
				return perr
			}
			if !created {
				return common.ErrAlreadyExists
			}
			acc, err = repo.ClaimByEmail(ctx, email, string(hash), apiKey)
		}
		if err != nil {
			return err
		}

		session, err = s.issue(ctx, tx, acc)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: account %s", common.ErrAlreadyExists, email)
		}
		if errors.Is(err, common.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: signup: %v", common.ErrorInternal, err)
	}

	s.logger.Info(ctx, "account signed up", "account_id", session.Profile.ID)
	return session, nil
}

// Login verifies password and starts a new session, replacing any previous
// refresh token.
func (s *UserService) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)

	acc, err := s.repomanager.Accounts(s.db).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("%w: login: %v", common.ErrorInternal, err)
	}

	if !acc.HasPassword() {
		return nil, common.ErrorUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*acc.PasswordHash), []byte(password)); err != nil {
		return nil, common.ErrorUnauthorized
	}

	return s.issue(ctx, s.db, acc)
}

// Refresh exchanges a refresh token for a new pair. The stored token is
// swapped only if it still matches, so a replayed token fails.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	accountID, err := auth.GetUserIDFromToken(refreshToken, s.refreshSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
	}

	pair, err := s.generateTokenPair(accountID)
	if err != nil {
		return nil, err
	}

	err = s.repomanager.Accounts(s.db).RotateRefreshToken(ctx, accountID, refreshToken, pair.RefreshToken)
	if err != nil {
		if errors.Is(err, common.ErrRefreshTokenMismatch) {
			s.logger.Warn(ctx, "stale refresh token presented", "account_id", accountID)
			return nil, err
		}
		return nil, fmt.Errorf("%w: rotate refresh token: %v", common.ErrorInternal, err)
	}

	return pair, nil
}

// Logout revokes the account's refresh token.
func (s *UserService) Logout(ctx context.Context, accountID string) error {
	err := s.repomanager.Accounts(s.db).SetRefreshToken(ctx, accountID, nil)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("%w: logout: %v", common.ErrorInternal, err)
	}
	return nil
}

func (s *UserService) Profile(ctx context.Context, accountID string) (*Profile, error) {
	acc, err := s.repomanager.Accounts(s.db).FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: profile: %v", common.ErrorInternal, err)
	}
	p := profileOf(acc)
	return &p, nil
}

func (s *UserService) Credits(ctx context.Context, accountID string) (int64, error) {
	credits, err := s.ledger.Balance(ctx, s.db, accountID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: credits: %v", common.ErrorInternal, err)
	}
	return credits, nil
}

func (s *UserService) issue(ctx context.Context, db dbx.DBTX, acc *models.Account) (*Session, error) {
	pair, err := s.generateTokenPair(acc.ID)
	if err != nil {
		return nil, err
	}
	if err := s.repomanager.Accounts(db).SetRefreshToken(ctx, acc.ID, &pair.RefreshToken); err != nil {
		return nil, fmt.Errorf("%w: store refresh token: %v", common.ErrorInternal, err)
	}
	return &Session{Tokens: *pair, Profile: profileOf(acc)}, nil
}

func (s *UserService) generateTokenPair(accountID string) (*TokenPair, error) {
	accessToken, err := auth.GenerateToken(accountID, s.jwtSecret, s.accessTokenValidityDuration)
	if err != nil {
		return nil, common.ErrorInternal
	}

	refreshToken, err := auth.GenerateToken(accountID, s.refreshSecret, s.refreshTokenValidityDuration)
	if err != nil {
		return nil, common.ErrorInternal
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}
