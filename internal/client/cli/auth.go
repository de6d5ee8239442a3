package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/optipress/internal/client/api"
	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/spf13/cobra"
)

func (a *App) signupCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and log in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.authenticate(cmd, email, true)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted if empty)")
	return cmd
}

func (a *App) loginCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.authenticate(cmd, email, false)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted if empty)")
	return cmd
}

func (a *App) authenticate(cmd *cobra.Command, email string, signup bool) error {
	var err error
	if email == "" {
		email, err = GetSimpleText(a.in, "Email", a.out)
		if err != nil {
			return err
		}
	}
	pw, err := GetPassword(a.in, a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	ctx, cancel := a.commandContext(cmd)
	defer cancel()

	c := a.newHTTP(false)
	var s *api.Session
	if signup {
		s, err = c.Signup(ctx, email, string(pw))
	} else {
		s, err = c.Login(ctx, email, string(pw))
	}
	if err != nil {
		return err
	}

	a.state.Email = s.User.Email
	a.state.AccessToken = s.AccessToken
	a.state.RefreshToken = s.RefreshToken
	a.state.APIKey = s.User.APIKey
	if err := a.store.Save(a.state); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	fmt.Fprintf(a.out, "Logged in as %s, %d credits left\n", s.User.Email, s.User.Credits)
	return nil
}

func (a *App) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget it locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.state.AccessToken != "" {
				ctx, cancel := a.commandContext(cmd)
				defer cancel()
				if err := a.newHTTP(false).Logout(ctx); err != nil && !isAuthError(err) {
					return err
				}
			}
			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}

func (a *App) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the account profile and API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.commandContext(cmd)
			defer cancel()

			p, err := a.newHTTP(a.cfg.APIKey != "").Me(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "ID:      %s\nEmail:   %s\nCredits: %d\nAPI key: %s\n", p.ID, p.Email, p.Credits, p.APIKey)
			return nil
		},
	}
}

func (a *App) creditsCommand() *cobra.Command {
	var useGRPC bool
	cmd := &cobra.Command{
		Use:     "credits",
		Aliases: []string{"balance"},
		Short:   "Show the remaining credit balance",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			return a.printCredits(ctx, useGRPC)
		},
	}
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "Use the plugin gRPC API (requires an API key)")
	return cmd
}

func (a *App) printCredits(ctx context.Context, useGRPC bool) error {
	o, closeFn, err := a.newOptimizer(useGRPC)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := o.Credits(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d credits\n", n)
	return nil
}

func isAuthError(err error) bool {
	var se *api.StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized
	}
	return errors.Is(err, api.ErrSessionRequired)
}
