// Package config provides the configuration schema and loader for the
// Switchboard call relay.
package config

// LogLevel controls log verbosity for the Switchboard server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Switchboard.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Summary   SummaryConfig   `yaml:"summary"`
}

// ServerConfig holds network and logging settings for the Switchboard server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable hostname used to build the
	// media-stream WebSocket URL handed to the carrier (e.g.,
	// "relay.example.com"). Required for incoming calls to connect back.
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ModelConfig configures the speech-to-speech model side of a call.
type ModelConfig struct {
	// APIKey authenticates against the model API.
	APIKey string `yaml:"api_key"`

	// Model selects the Realtime model (e.g., "gpt-4o-realtime-preview").
	// Leave empty for the client's default.
	Model string `yaml:"model"`

	// BaseURL overrides the Realtime WebSocket endpoint. Leave empty for
	// the production endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice selects the synthesised voice (e.g., "alloy").
	Voice string `yaml:"voice"`

	// Instructions is the system prompt given to the assistant. When a
	// per-vendor prompt exists in storage it takes precedence.
	Instructions string `yaml:"instructions"`

	// Temperature is the sampling temperature. Zero means the model
	// client's default.
	Temperature float64 `yaml:"temperature"`

	// Greeting, when non-empty, makes the assistant speak first with this
	// phrase.
	Greeting string `yaml:"greeting"`
}

// TelephonyConfig holds carrier credentials for the REST API (TwiML is
// served without them, but hangups and call metadata need authenticated
// calls).
type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// RetrievalConfig points at the knowledge-retrieval endpoint queried when
// the assistant needs vendor-specific facts mid-call.
type RetrievalConfig struct {
	// Endpoint is the HTTP URL of the retrieval service. Empty disables
	// retrieval; the assistant then answers from its prompt alone.
	Endpoint string `yaml:"endpoint"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`
}

// StorageConfig configures call-record persistence.
type StorageConfig struct {
	// PostgresDSN is the connection string for the call store. Empty
	// disables persistence; calls are then relayed without records.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SummaryConfig configures post-call summarisation.
type SummaryConfig struct {
	// Model selects the chat model used to summarise transcripts
	// (e.g., "gpt-4o-mini"). Empty disables summarisation.
	Model string `yaml:"model"`
}
