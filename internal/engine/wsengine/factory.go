// Package wsengine speaks the websocket streaming protocol of the
// recognition engine and adapts it to the recognizer interfaces.
package wsengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/recognizer"
)

// Config controls the engine endpoint and capture settings.
type Config struct {
	// Endpoint is the engine base URL; http(s) schemes are rewritten to ws(s)
	// and /listen is appended.
	Endpoint    string
	Model       string
	Languages   []string
	AudioInput  string
	SampleRate  int
	DialTimeout time.Duration
}

// pcmStream is the minimal capture surface the engine consumes.
type pcmStream interface {
	Chunks() <-chan []byte
	Stop() error
}

type captureFunc func(ctx context.Context) (pcmStream, error)

// Factory creates websocket recognition sessions backed by Pulse capture.
type Factory struct {
	cfg     Config
	logger  *slog.Logger
	capture captureFunc
}

var _ recognizer.Factory = (*Factory)(nil)

// NewFactory builds an engine factory with defaults applied.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if cfg.Model == "" {
		cfg.Model = "general"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	f := &Factory{cfg: cfg, logger: logger}
	f.capture = func(ctx context.Context) (pcmStream, error) {
		device, err := audio.FindDevice(ctx, cfg.AudioInput)
		if err != nil {
			return nil, err
		}
		return audio.StartCapture(ctx, device, cfg.SampleRate)
	}
	return f
}

// Available reports whether the engine endpoint currently accepts connections.
func (f *Factory) Available(_ context.Context) bool {
	host, err := endpointHost(f.cfg.Endpoint)
	if err != nil {
		return false
	}

	conn, err := net.DialTimeout("tcp", host, 750*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// New builds an unconnected session; the websocket is dialed on StartListening
// because the listen URL depends on per-session options.
func (f *Factory) New(_ context.Context, cb recognizer.Callback) (recognizer.Resource, error) {
	if cb == nil {
		return nil, errors.New("recognizer callback is required")
	}
	if _, err := buildListenURL(f.cfg, recognizer.StartOptions{}); err != nil {
		return nil, err
	}
	return newSession(f.cfg, f.logger, cb, f.capture), nil
}

// SupportedLanguages returns the configured language set.
func (f *Factory) SupportedLanguages(_ context.Context) ([]string, error) {
	if len(f.cfg.Languages) == 0 {
		return []string{"en-US"}, nil
	}
	out := make([]string, len(f.cfg.Languages))
	copy(out, f.cfg.Languages)
	return out, nil
}

// endpointHost extracts a dialable host:port from the configured endpoint.
func endpointHost(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("engine endpoint is not configured")
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid engine endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		return "", fmt.Errorf("engine endpoint %q has no host", endpoint)
	}
	if parsed.Port() == "" {
		switch parsed.Scheme {
		case "wss", "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host, nil
}

// buildListenURL derives the websocket listen URL from config and options.
func buildListenURL(cfg Config, opts recognizer.StartOptions) (string, error) {
	base := strings.TrimSpace(cfg.Endpoint)
	if base == "" {
		return "", errors.New("engine endpoint is not configured")
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid engine endpoint: %w", err)
	}
	if listenURL.Scheme != "ws" && listenURL.Scheme != "wss" {
		return "", fmt.Errorf("engine endpoint %q must use a ws, wss, http, or https scheme", cfg.Endpoint)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("channels", "1")
	query.Set("interim_results", strconv.FormatBool(opts.StreamPartial))
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}
	if opts.MaxResults > 0 {
		query.Set("alternatives", strconv.Itoa(opts.MaxResults))
	}
	if opts.SilenceWindowMs > 0 {
		query.Set("endpointing", strconv.Itoa(opts.SilenceWindowMs))
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
