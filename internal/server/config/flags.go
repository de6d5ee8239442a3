package config

import (
	"flag"
	"io"
	"strings"
	"time"

	"github.com/dmitrijs2005/optipress/internal/flagx"
)

var knownFlags = []string{"-a", "-n", "-d", "-s", "-S", "-t", "-r", "-u", "-p", "-b", "-g", "-e", "-w", "-W", "-l", "-f"}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-n string   gRPC bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-s string   access JWT secret
//	-S string   refresh JWT secret
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-u/-p       S3 root user / password
//	-b string   S3 bucket
//	-g string   S3 region
//	-e string   S3 base endpoint
//	-w string   webhook secret
//	-W string   comma separated event types accepted unsigned
//	-l string   log level
//	-f string   log format (json|text)
//
// Arguments not in the list above are filtered out with flagx.FilterArgs so
// other components can define their own.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "n", config.EndpointAddrGRPC, "gRPC address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "access token secret key")
	fs.StringVar(&config.RefreshSecretKey, "S", config.RefreshSecretKey, "refresh token secret key")

	accessMinutes := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access token validity (in minutes)")
	refreshMinutes := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh token validity (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.WebhookSecret, "w", config.WebhookSecret, "webhook signing secret")
	unsigned := fs.String("W", strings.Join(config.UnsignedWebhookEvents, ","), "event types accepted without signature")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.LogFormat, "f", config.LogFormat, "log format")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.AccessTokenValidityDuration = time.Duration(*accessMinutes) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshMinutes) * time.Minute
	config.UnsignedWebhookEvents = splitList(*unsigned)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
