package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/optipress/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of the configuration. Pointer fields make
// it possible to tell "absent" from a zero value, so only keys present in the
// file override defaults.
type FileConfig struct {
	EndpointAddrHTTP             *string         `json:"endpoint_addr_http" yaml:"endpoint_addr_http"`
	EndpointAddrGRPC             *string         `json:"endpoint_addr_grpc" yaml:"endpoint_addr_grpc"`
	DatabaseDSN                  *string         `json:"database_dsn" yaml:"database_dsn"`
	SecretKey                    *string         `json:"secret_key" yaml:"secret_key"`
	RefreshSecretKey             *string         `json:"refresh_secret_key" yaml:"refresh_secret_key"`
	AccessTokenValidityDuration  *timex.Duration `json:"access_token_validity_duration" yaml:"access_token_validity_duration"`
	RefreshTokenValidityDuration *timex.Duration `json:"refresh_token_validity_duration" yaml:"refresh_token_validity_duration"`
	S3RootUser                   *string         `json:"s3_root_user" yaml:"s3_root_user"`
	S3RootPassword               *string         `json:"s3_root_password" yaml:"s3_root_password"`
	S3Bucket                     *string         `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region                     *string         `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint               *string         `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	WebhookSecret                *string         `json:"webhook_secret" yaml:"webhook_secret"`
	UnsignedWebhookEvents        []string        `json:"unsigned_webhook_events" yaml:"unsigned_webhook_events"`
	SignupCredits                *int64          `json:"signup_credits" yaml:"signup_credits"`
	InlineThreshold              *int            `json:"inline_threshold" yaml:"inline_threshold"`
	MaxWidth                     *int            `json:"max_width" yaml:"max_width"`
	TransformTimeout             *timex.Duration `json:"transform_timeout" yaml:"transform_timeout"`
	StorageTimeout               *timex.Duration `json:"storage_timeout" yaml:"storage_timeout"`
	PresignExpiry                *timex.Duration `json:"presign_expiry" yaml:"presign_expiry"`
	Plans                        []Plan          `json:"plans" yaml:"plans"`
	LogLevel                     *string         `json:"log_level" yaml:"log_level"`
	LogFormat                    *string         `json:"log_format" yaml:"log_format"`
}

// parseFile overlays values from the file at path onto config. The format is
// picked by extension: .yaml/.yml are YAML, anything else is JSON.
// An empty path is a no-op.
func parseFile(config *Config, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	fc := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, fc)
	default:
		err = json.Unmarshal(data, fc)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	fc.apply(config)
	return nil
}

func (fc *FileConfig) apply(c *Config) {
	setString(&c.EndpointAddrHTTP, fc.EndpointAddrHTTP)
	setString(&c.EndpointAddrGRPC, fc.EndpointAddrGRPC)
	setString(&c.DatabaseDSN, fc.DatabaseDSN)
	setString(&c.SecretKey, fc.SecretKey)
	setString(&c.RefreshSecretKey, fc.RefreshSecretKey)
	setString(&c.S3RootUser, fc.S3RootUser)
	setString(&c.S3RootPassword, fc.S3RootPassword)
	setString(&c.S3Bucket, fc.S3Bucket)
	setString(&c.S3Region, fc.S3Region)
	setString(&c.S3BaseEndpoint, fc.S3BaseEndpoint)
	setString(&c.WebhookSecret, fc.WebhookSecret)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)

	if fc.AccessTokenValidityDuration != nil {
		c.AccessTokenValidityDuration = fc.AccessTokenValidityDuration.Duration
	}
	if fc.RefreshTokenValidityDuration != nil {
		c.RefreshTokenValidityDuration = fc.RefreshTokenValidityDuration.Duration
	}
	if fc.TransformTimeout != nil {
		c.TransformTimeout = fc.TransformTimeout.Duration
	}
	if fc.StorageTimeout != nil {
		c.StorageTimeout = fc.StorageTimeout.Duration
	}
	if fc.PresignExpiry != nil {
		c.PresignExpiry = fc.PresignExpiry.Duration
	}
	if fc.SignupCredits != nil {
		c.SignupCredits = *fc.SignupCredits
	}
	if fc.InlineThreshold != nil {
		c.InlineThreshold = *fc.InlineThreshold
	}
	if fc.MaxWidth != nil {
		c.MaxWidth = *fc.MaxWidth
	}
	if fc.UnsignedWebhookEvents != nil {
		c.UnsignedWebhookEvents = fc.UnsignedWebhookEvents
	}
	if len(fc.Plans) > 0 {
		c.Plans = fc.Plans
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
