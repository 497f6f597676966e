package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/voicebridge/voicebridge/internal/permission"
)

// Validate checks a parsed configuration, repairing recoverable problems with
// warnings and rejecting the unusable ones.
func Validate(cfg Config) (Config, []Warning, error) {
	var warnings []Warning
	defaults := Default()

	endpoint := strings.TrimSpace(cfg.Engine.Endpoint)
	if endpoint == "" {
		return Config{}, nil, fmt.Errorf("engine.endpoint must be set")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return Config{}, nil, fmt.Errorf("engine.endpoint %q is not a valid URL: %w", endpoint, err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return Config{}, nil, fmt.Errorf("engine.endpoint %q must use a ws, wss, http, or https scheme", endpoint)
	}
	cfg.Engine.Endpoint = endpoint

	if strings.TrimSpace(cfg.Engine.Model) == "" {
		cfg.Engine.Model = defaults.Engine.Model
	}
	if len(cfg.Engine.Languages) == 0 {
		cfg.Engine.Languages = defaults.Engine.Languages
	}

	if cfg.Session.MaxResults < 1 {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("session.max_results %d is invalid; using %d", cfg.Session.MaxResults, defaults.Session.MaxResults),
		})
		cfg.Session.MaxResults = defaults.Session.MaxResults
	}
	if cfg.Session.StopDeadlineMS <= 0 {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("session.stop_deadline_ms %d is invalid; using %d", cfg.Session.StopDeadlineMS, defaults.Session.StopDeadlineMS),
		})
		cfg.Session.StopDeadlineMS = defaults.Session.StopDeadlineMS
	}
	if cfg.Session.SilenceWindowMS < 0 {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("session.silence_window_ms %d is invalid; segmented sessions disabled", cfg.Session.SilenceWindowMS),
		})
		cfg.Session.SilenceWindowMS = 0
	}

	if strings.TrimSpace(cfg.Bridge.Listen) == "" {
		cfg.Bridge.Listen = defaults.Bridge.Listen
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = defaults.Audio.SampleRate
	}
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("audio.sample_rate %d is out of range; using %d", cfg.Audio.SampleRate, defaults.Audio.SampleRate),
		})
		cfg.Audio.SampleRate = defaults.Audio.SampleRate
	}

	if strings.TrimSpace(cfg.Permission) == "" {
		cfg.Permission = defaults.Permission
	}
	if _, err := permission.Parse(cfg.Permission); err != nil {
		return Config{}, nil, fmt.Errorf("permission: %w", err)
	}

	return cfg, warnings, nil
}
