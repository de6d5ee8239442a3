// Package models defines server-side data models persisted in the database.
package models

import "time"

// Account is a credit-holding identity. PasswordHash is nil for accounts
// provisioned by a webhook before the owner signed up; APIKey and
// RefreshToken are nil until assigned.
type Account struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash *string   `db:"password_hash"`
	APIKey       *string   `db:"api_key"`
	Credits      int64     `db:"credits"`
	RefreshToken *string   `db:"refresh_token"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// HasPassword reports whether the account was claimed through signup.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// Key returns the API key or "" when none is assigned.
func (a *Account) Key() string {
	if a.APIKey == nil {
		return ""
	}
	return *a.APIKey
}
