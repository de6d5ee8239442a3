// Package config loads runtime configuration for the optipress CLI.
//
// Sources, later ones winning:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. An optional JSON or YAML file given with --config.
//  3. OPTIPRESS_* environment variables.
//  4. Command-line flags, applied by the cobra commands.
//
// File schema (durations accept "30s" or integer nanoseconds):
//
//	server_url: http://127.0.0.1:8080
//	grpc_addr: 127.0.0.1:50051
//	inline_threshold: 4194304
//	timeout: 2m
//	session_file: /home/me/.config/optipress/session.json
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/optipress/internal/client/session"
	"github.com/dmitrijs2005/optipress/internal/timex"
	"gopkg.in/yaml.v3"
)

// Config holds runtime settings for the optipress CLI.
type Config struct {
	ServerURL       string
	GRPCAddr        string
	APIKey          string
	InlineThreshold int
	Timeout         time.Duration
	SessionFile     string
}

// LoadDefaults populates c with defaults matching a local server.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.GRPCAddr = "127.0.0.1:50051"
	c.APIKey = ""
	c.InlineThreshold = 4 << 20
	c.Timeout = 2 * time.Minute
	c.SessionFile = session.DefaultPath()
}

// FileConfig is the on-disk shape of Config. Pointer fields tell an absent key
// from a zero value.
type FileConfig struct {
	ServerURL       *string         `json:"server_url" yaml:"server_url"`
	GRPCAddr        *string         `json:"grpc_addr" yaml:"grpc_addr"`
	APIKey          *string         `json:"api_key" yaml:"api_key"`
	InlineThreshold *int            `json:"inline_threshold" yaml:"inline_threshold"`
	Timeout         *timex.Duration `json:"timeout" yaml:"timeout"`
	SessionFile     *string         `json:"session_file" yaml:"session_file"`
}

// Load applies defaults, then the file at path (if any), then the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg, path); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFile(cfg *Config, path string) error {
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

	if fc.ServerURL != nil {
		cfg.ServerURL = *fc.ServerURL
	}
	if fc.GRPCAddr != nil {
		cfg.GRPCAddr = *fc.GRPCAddr
	}
	if fc.APIKey != nil {
		cfg.APIKey = *fc.APIKey
	}
	if fc.InlineThreshold != nil {
		cfg.InlineThreshold = *fc.InlineThreshold
	}
	if fc.Timeout != nil {
		cfg.Timeout = fc.Timeout.Duration
	}
	if fc.SessionFile != nil {
		cfg.SessionFile = *fc.SessionFile
	}
	return nil
}

func parseEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("OPTIPRESS_SERVER_URL"); ok && v != "" {
		cfg.ServerURL = v
	}
	if v, ok := lookup("OPTIPRESS_GRPC_ADDR"); ok && v != "" {
		cfg.GRPCAddr = v
	}
	if v, ok := lookup("OPTIPRESS_API_KEY"); ok && v != "" {
		cfg.APIKey = v
	}
	if v, ok := lookup("OPTIPRESS_SESSION_FILE"); ok && v != "" {
		cfg.SessionFile = v
	}
	if v, ok := lookup("OPTIPRESS_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OPTIPRESS_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	if v, ok := lookup("OPTIPRESS_INLINE_THRESHOLD"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OPTIPRESS_INLINE_THRESHOLD: %w", err)
		}
		cfg.InlineThreshold = n
	}
	return nil
}
