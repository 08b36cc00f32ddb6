// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for stembot.
//
// Configuration comes from TOML with sensible defaults and environment
// variable overrides applied last.
//
// Configuration file location:
//   - ~/.stembot/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete stembot configuration.
type Config struct {
	Ollama  OllamaConfig  `toml:"ollama"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	Display DisplayConfig `toml:"display"`
	Log     LogConfig     `toml:"log"`
}

// OllamaConfig contains model server settings.
type OllamaConfig struct {
	// BaseURL is the URL of the Ollama server.
	BaseURL string `toml:"base_url"`
	// DefaultModel is the model used when a request names none.
	DefaultModel string `toml:"default_model"`
	// RequestTimeoutSecs bounds a single chat request. Local models can
	// legitimately take minutes on long prompts.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
}

// StorageConfig contains persistence paths.
type StorageConfig struct {
	// DataDir holds per-user session directories and the user database.
	DataDir string `toml:"data_dir"`
	// ExportDir is where exported documents are written.
	ExportDir string `toml:"export_dir"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// JWTSecret signs access tokens. Empty disables the HTTP API's
	// authenticated endpoints; set it via STEMBOT_JWT_SECRET in
	// production rather than the config file.
	JWTSecret string `toml:"jwt_secret"`
	// TokenTTLMins is how long issued access tokens stay valid.
	TokenTTLMins int `toml:"token_ttl_mins"`
	// RateLimitPerSec caps requests per client IP; 0 disables limiting.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
}

// DisplayConfig contains presentation settings.
type DisplayConfig struct {
	// PageSize is the number of messages shown per history page.
	PageSize int `toml:"page_size"`
	// WatermarkText is stamped on exported Word and PDF documents.
	WatermarkText string `toml:"watermark_text"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `toml:"level"`
	// File is the log file path; empty logs to stderr only.
	File string `toml:"file"`
	// MaxSizeMB rotates the log file when it exceeds this size.
	MaxSizeMB int `toml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Ollama: OllamaConfig{
			BaseURL:            "http://127.0.0.1:11434",
			DefaultModel:       "llama3",
			RequestTimeoutSecs: 600,
		},
		Storage: StorageConfig{
			DataDir:   filepath.Join(home, ".stembot", "chat_sessions"),
			ExportDir: filepath.Join(home, ".stembot", "exports"),
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			TokenTTLMins:    480,
			RateLimitPerSec: 10,
		},
		Display: DisplayConfig{
			PageSize:      10,
			WatermarkText: "",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the stembot configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".stembot"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on the config file.
// SECURITY: The file can hold the JWT secret, so it must be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills in any missing values with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = defaults.Ollama.BaseURL
	}
	if c.Ollama.DefaultModel == "" {
		c.Ollama.DefaultModel = defaults.Ollama.DefaultModel
	}
	if c.Ollama.RequestTimeoutSecs == 0 {
		c.Ollama.RequestTimeoutSecs = defaults.Ollama.RequestTimeoutSecs
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaults.Storage.DataDir
	}
	if c.Storage.ExportDir == "" {
		c.Storage.ExportDir = defaults.Storage.ExportDir
	}

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.TokenTTLMins == 0 {
		c.Server.TokenTTLMins = defaults.Server.TokenTTLMins
	}

	if c.Display.PageSize == 0 {
		c.Display.PageSize = defaults.Display.PageSize
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = defaults.Log.MaxBackups
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# stembot configuration file")
	fmt.Fprintln(file, "# Edit with care; values fall back to built-in defaults when omitted.")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Ollama.BaseURL != "" {
		if u, err := url.Parse(c.Ollama.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "ollama.base_url",
				Message: fmt.Sprintf("invalid URL %q", c.Ollama.BaseURL),
			})
		}
	}

	if c.Ollama.RequestTimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "ollama.request_timeout_secs",
			Message: "must be non-negative",
		})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TokenTTLMins < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.token_ttl_mins",
			Message: fmt.Sprintf("must be at least 1 minute, got %d", c.Server.TokenTTLMins),
		})
	}

	if c.Server.RateLimitPerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_sec",
			Message: "must be non-negative",
		})
	}

	if c.Display.PageSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "display.page_size",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Display.PageSize),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OLLAMA_BASE_URL: overrides ollama.base_url
//   - DEFAULT_OLLAMA_MODEL: overrides ollama.default_model
//   - CHATBOT_WATERMARK_TEXT: overrides display.watermark_text
//   - STEMBOT_DATA_DIR: overrides storage.data_dir
//   - STEMBOT_EXPORT_DIR: overrides storage.export_dir
//   - STEMBOT_HOST / STEMBOT_PORT: override server.host / server.port
//   - STEMBOT_JWT_SECRET: overrides server.jwt_secret
//   - STEMBOT_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		c.Ollama.BaseURL = baseURL
	}
	if model := os.Getenv("DEFAULT_OLLAMA_MODEL"); model != "" {
		c.Ollama.DefaultModel = model
	}
	if watermark := os.Getenv("CHATBOT_WATERMARK_TEXT"); watermark != "" {
		c.Display.WatermarkText = watermark
	}
	if dataDir := os.Getenv("STEMBOT_DATA_DIR"); dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	if exportDir := os.Getenv("STEMBOT_EXPORT_DIR"); exportDir != "" {
		c.Storage.ExportDir = exportDir
	}
	if host := os.Getenv("STEMBOT_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("STEMBOT_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
	if secret := os.Getenv("STEMBOT_JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
	}
	if level := os.Getenv("STEMBOT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}
