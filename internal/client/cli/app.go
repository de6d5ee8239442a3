// Package cli is the optipress command-line client: account commands over
// the HTTP API and image optimization over HTTP or the plugin gRPC API.
package cli

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"

	"github.com/dmitrijs2005/optipress/internal/client/api"
	"github.com/dmitrijs2005/optipress/internal/client/config"
	"github.com/dmitrijs2005/optipress/internal/client/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	Config    string
	ServerURL string
	GRPCAddr  string
	APIKey    string
}

// App carries the state shared by the cobra commands.
type App struct {
	in  *bufio.Reader
	out io.Writer

	flags GlobalFlags
	cfg   *config.Config
	store *session.Store
	state *session.State

	httpClient *http.Client
	dialOpts   []grpc.DialOption
}

// NewApp returns an App reading from stdin and writing to stdout.
func NewApp() *App {
	return &App{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

// Execute builds the command tree and runs it with os.Args.
func (a *App) Execute(ctx context.Context) error {
	return a.RootCommand().ExecuteContext(ctx)
}

// RootCommand builds the optipress command tree.
func (a *App) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "optipress",
		Short: "optipress - credit-metered image optimization client",
		Long: `optipress compresses and converts images through the optipress service.

Each successful optimization spends one credit. Sign up or log in once; the
session is remembered. Plugin integrations can use the account API key
instead, with --api-key or OPTIPRESS_API_KEY.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.out)
	root.SetIn(a.in)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.Config, "config", "", "Path to configuration file (.json, .yaml)")
	pf.StringVar(&a.flags.ServerURL, "server", "", "Base URL of the HTTP API")
	pf.StringVar(&a.flags.GRPCAddr, "grpc-addr", "", "Address of the plugin gRPC API")
	pf.StringVar(&a.flags.APIKey, "api-key", "", "Account API key")

	root.AddCommand(
		a.signupCommand(),
		a.loginCommand(),
		a.logoutCommand(),
		a.whoamiCommand(),
		a.creditsCommand(),
		a.optimizeCommand(),
	)
	return root
}

// setup loads config and the saved session before any command runs.
func (a *App) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags.Config)
	if err != nil {
		return err
	}
	if a.flags.ServerURL != "" {
		cfg.ServerURL = a.flags.ServerURL
	}
	if a.flags.GRPCAddr != "" {
		cfg.GRPCAddr = a.flags.GRPCAddr
	}
	if a.flags.APIKey != "" {
		cfg.APIKey = a.flags.APIKey
	}
	a.cfg = cfg

	a.store = session.NewStore(cfg.SessionFile)
	a.state, err = a.store.Load()
	return err
}

// apiKey is the explicit key if one was configured, else the session's.
func (a *App) apiKey() string {
	if a.cfg.APIKey != "" {
		return a.cfg.APIKey
	}
	return a.state.APIKey
}

// newHTTP returns an HTTP API client carrying the saved session. Refreshed
// tokens are written back to the session file.
func (a *App) newHTTP(useKey bool) *api.HTTPClient {
	hc := a.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: a.cfg.Timeout}
	}
	c := api.NewHTTPClient(a.cfg.ServerURL, hc, a.cfg.InlineThreshold)
	c.SetTokens(api.Tokens{AccessToken: a.state.AccessToken, RefreshToken: a.state.RefreshToken})
	if useKey {
		c.SetAPIKey(a.apiKey())
	}
	c.OnTokens(func(t api.Tokens) {
		a.state.AccessToken = t.AccessToken
		a.state.RefreshToken = t.RefreshToken
		_ = a.store.Save(a.state)
	})
	return c
}

// newOptimizer picks the transport for credits and optimize.
func (a *App) newOptimizer(useGRPC bool) (api.Optimizer, func(), error) {
	if !useGRPC {
		return a.newHTTP(a.cfg.APIKey != ""), func() {}, nil
	}

	stager := a.newHTTP(true)
	gc, err := api.NewGRPCClient(a.cfg.GRPCAddr, a.apiKey(), a.cfg.InlineThreshold, stager, a.dialOpts...)
	if err != nil {
		return nil, nil, err
	}
	return gc, func() { _ = gc.Close() }, nil
}

func (a *App) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, a.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}
