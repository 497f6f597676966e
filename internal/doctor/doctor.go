// Package doctor runs runtime readiness diagnostics for config, audio, and the engine.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/config"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	configMessage := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		configMessage = fmt.Sprintf("%q not found; defaults in effect", cfg.Path)
	}
	if len(cfg.Warnings) > 0 {
		configMessage += fmt.Sprintf(" (%d warning(s))", len(cfg.Warnings))
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMessage})

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "runtime dir available for control socket", "XDG_RUNTIME_DIR is empty; control socket cannot be created"))

	checks = append(checks, checkBridgeListen(cfg.Config.Bridge.Listen))
	checks = append(checks, checkEngineReachable(cfg.Config.Engine.Endpoint))

	if strings.TrimSpace(cfg.Config.Engine.Health) != "" {
		checks = append(checks, checkEngineHealth(ctx, cfg.Config.Engine.Health))
	}

	checks = append(checks, checkAudioDevice(ctx, cfg.Config))

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkBridgeListen validates the event-stream listen address shape.
func checkBridgeListen(listen string) Check {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(listen)); err != nil {
		return Check{Name: "bridge.listen", Pass: false, Message: fmt.Sprintf("invalid listen address %q: %v", listen, err)}
	}
	return Check{Name: "bridge.listen", Pass: true, Message: fmt.Sprintf("listen address %q is valid", listen)}
}

// checkEngineReachable opens a TCP connection to the engine endpoint.
func checkEngineReachable(endpoint string) Check {
	host, err := dialableHost(endpoint)
	if err != nil {
		return Check{Name: "engine.endpoint", Pass: false, Message: err.Error()}
	}

	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return Check{Name: "engine.endpoint", Pass: false, Message: fmt.Sprintf("cannot reach %s: %v", host, err)}
	}
	_ = conn.Close()
	return Check{Name: "engine.endpoint", Pass: true, Message: fmt.Sprintf("reachable at %s", host)}
}

// checkEngineHealth queries the engine's gRPC health service.
func checkEngineHealth(ctx context.Context, addr string) Check {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return Check{Name: "engine.health", Pass: false, Message: fmt.Sprintf("dial %q: %v", addr, err)}
	}
	defer conn.Close()

	readyCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn.Connect()
	if err := waitForReady(readyCtx, conn); err != nil {
		return Check{Name: "engine.health", Pass: false, Message: fmt.Sprintf("grpc connect %q: %v", addr, err)}
	}

	resp, err := healthpb.NewHealthClient(conn).Check(readyCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return Check{Name: "engine.health", Pass: false, Message: fmt.Sprintf("health check failed: %v", err)}
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return Check{Name: "engine.health", Pass: false, Message: fmt.Sprintf("engine reports %s", resp.GetStatus())}
	}
	return Check{Name: "engine.health", Pass: true, Message: fmt.Sprintf("serving at %s", addr)}
}

// checkAudioDevice resolves the configured input to surface selection issues.
func checkAudioDevice(ctx context.Context, cfg config.Config) Check {
	device, err := audio.FindDevice(ctx, cfg.Audio.Input)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	return Check{Name: "audio.device", Pass: true, Message: fmt.Sprintf("selected %q", device.ID)}
}

// dialableHost extracts a host:port from the engine endpoint URL.
func dialableHost(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("engine.endpoint is empty")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid engine.endpoint %q: %w", endpoint, err)
	}
	host := parsed.Host
	if host == "" {
		return "", fmt.Errorf("engine.endpoint %q has no host", endpoint)
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

// waitForReady blocks until the gRPC connection enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
