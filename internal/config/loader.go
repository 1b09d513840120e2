package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// knownVoices lists the voices the model side currently offers. Used by
// [Validate] to warn about likely typos without rejecting new voices.
var knownVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.PublicHost == "" {
		slog.Warn("server.public_host is empty; incoming-call webhooks cannot point the carrier at this instance")
	}

	// Model
	if cfg.Model.APIKey == "" {
		errs = append(errs, errors.New("model.api_key is required"))
	}
	if cfg.Model.Temperature != 0 && (cfg.Model.Temperature < 0.6 || cfg.Model.Temperature > 1.2) {
		errs = append(errs, fmt.Errorf("model.temperature %.2f is out of range [0.6, 1.2]", cfg.Model.Temperature))
	}
	if cfg.Model.Voice != "" && !slices.Contains(knownVoices, cfg.Model.Voice) {
		slog.Warn("unknown model voice — may be a typo or a newly released voice",
			"voice", cfg.Model.Voice,
			"known", knownVoices,
		)
	}

	// Telephony credentials come as a pair.
	if (cfg.Telephony.AccountSID == "") != (cfg.Telephony.AuthToken == "") {
		errs = append(errs, errors.New("telephony.account_sid and telephony.auth_token must be set together"))
	}
	if cfg.Telephony.AccountSID == "" {
		slog.Warn("telephony credentials are empty; REST operations (hangup, call metadata) are disabled")
	}

	// Retrieval
	if cfg.Retrieval.Endpoint == "" && cfg.Retrieval.APIKey != "" {
		slog.Warn("retrieval.api_key is set but retrieval.endpoint is empty; retrieval stays disabled")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; call records will not be persisted")
	}

	// Summary depends on a transcript sink existing.
	if cfg.Summary.Model != "" && cfg.Storage.PostgresDSN == "" {
		slog.Warn("summary.model is set without storage.postgres_dsn; summaries have nowhere to go and stay disabled")
	}

	return errors.Join(errs...)
}
