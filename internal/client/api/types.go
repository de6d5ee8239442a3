// Package api implements the optipress client transports: the JSON/HTTP
// dashboard API and the plugin gRPC API.
package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionRequired is returned when a call needs a logged-in session or an
// API key and neither is available.
var ErrSessionRequired = errors.New("not logged in: run login or signup first")

// Profile mirrors the account returned by signup, login and /api/user/me.
type Profile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Credits int64  `json:"credits"`
	APIKey  string `json:"api_key"`
}

// Tokens is an access/refresh JWT pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Session is the response of signup and login.
type Session struct {
	Tokens
	User Profile `json:"user"`
}

// Options are the transform options sent with an optimize call.
type Options struct {
	Format  string
	Quality int
}

// Result is an optimized image. Exactly one of Data or URL is set.
type Result struct {
	Format     string
	SizeBefore int
	SizeAfter  int
	Data       []byte
	URL        string
}

// Upload is a presigned staging slot.
type Upload struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// Optimizer is what the CLI needs from a transport.
type Optimizer interface {
	Credits(ctx context.Context) (int64, error)
	Optimize(ctx context.Context, name string, data []byte, opts Options) (*Result, error)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}
