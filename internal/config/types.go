// Package config resolves, parses, validates, and defaults voicebridge configuration.
package config

// Config is the fully materialized runtime configuration used by voicebridge.
type Config struct {
	Engine     EngineConfig  `yaml:"engine"`
	Session    SessionConfig `yaml:"session"`
	Bridge     BridgeConfig  `yaml:"bridge"`
	Audio      AudioConfig   `yaml:"audio"`
	Permission string        `yaml:"permission"`
}

// EngineConfig locates and parameterizes the recognition engine.
type EngineConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Health is an optional gRPC health endpoint (host:port) probed by doctor.
	Health    string   `yaml:"health"`
	Model     string   `yaml:"model"`
	Languages []string `yaml:"languages"`
}

// SessionConfig carries per-session recognition defaults.
type SessionConfig struct {
	Language        string `yaml:"language"`
	MaxResults      int    `yaml:"max_results"`
	StopDeadlineMS  int    `yaml:"stop_deadline_ms"`
	SilenceWindowMS int    `yaml:"silence_window_ms"`
}

// BridgeConfig controls the event-stream HTTP listener.
type BridgeConfig struct {
	Listen string `yaml:"listen"`
}

// AudioConfig controls input-source selection and capture rate.
type AudioConfig struct {
	Input      string `yaml:"input"`
	SampleRate int    `yaml:"sample_rate"`
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Message string
}
