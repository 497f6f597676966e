// Package app wires configuration, the session controller, and command
// dispatch into the voicebridge binary entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/cli"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/doctor"
	"github.com/voicebridge/voicebridge/internal/engine/wsengine"
	"github.com/voicebridge/voicebridge/internal/event"
	"github.com/voicebridge/voicebridge/internal/ipc"
	"github.com/voicebridge/voicebridge/internal/logging"
	"github.com/voicebridge/voicebridge/internal/permission"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/internal/version"
)

const (
	forwardTimeout = 220 * time.Millisecond
	// startTimeout bounds a blocking start command waiting for final results.
	startTimeout = 60 * time.Second
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("voicebridge"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("voicebridge"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		fmt.Fprintf(r.Stderr, "warning: %s\n", w.Message)
		logger.Warn("config warning", "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandServe:
		return r.commandServe(ctx, cfgLoaded.Config, logger)
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.Request{Command: "stop"}, forwardTimeout)
	case cli.CommandLanguages:
		return r.commandLanguages(ctx)
	case cli.CommandStart:
		return r.commandStart(ctx, cfgLoaded.Config, parsed.Start)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// commandServe runs the bridge daemon: control socket, session controller,
// engine factory, and the websocket event stream.
func (r Runner) commandServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: voicebridge bridge already running")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	permState, err := permission.Parse(cfg.Permission)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	factory := wsengine.NewFactory(wsengine.Config{
		Endpoint:   cfg.Engine.Endpoint,
		Model:      cfg.Engine.Model,
		Languages:  cfg.Engine.Languages,
		AudioInput: cfg.Audio.Input,
		SampleRate: cfg.Audio.SampleRate,
	}, logger)

	broadcaster := bridge.NewBroadcaster(logger)
	defer broadcaster.CloseAll()

	sink := event.FanOut{broadcaster, event.LogSink{Logger: logger}}
	controller := session.NewController(
		logger,
		factory,
		permission.Static{State: permState},
		sink,
		time.Duration(cfg.Session.StopDeadlineMS)*time.Millisecond,
	)
	defer controller.Close()

	mux := http.NewServeMux()
	bridge.NewServer(broadcaster, logger).SetupRoutes(mux)

	serveCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ipcErrCh := make(chan error, 1)
	go func() {
		ipcErrCh <- ipc.Serve(serveCtx, listener, controller)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- bridge.ListenAndServe(serveCtx, cfg.Bridge.Listen, mux)
	}()

	logger.Info("bridge running", "socket", socketPath, "listen", cfg.Bridge.Listen)
	fmt.Fprintf(r.Stdout, "voicebridge bridge listening on %s (socket %s)\n", cfg.Bridge.Listen, socketPath)

	var ipcErr, httpErr error
	select {
	case ipcErr = <-ipcErrCh:
		cancel()
		httpErr = <-httpErrCh
	case httpErr = <-httpErrCh:
		cancel()
		ipcErr = <-ipcErrCh
	}

	_ = controller.Stop(context.Background())

	exit := 0
	if ipcErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", ipcErr)
		exit = 1
	}
	if httpErr != nil {
		fmt.Fprintf(r.Stderr, "error: event server failed: %v\n", httpErr)
		exit = 1
	}
	return exit
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"}, forwardTimeout)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		fmt.Fprintf(r.Stdout, "%s session=%d listening=%t\n", resp.State, resp.SessionID, resp.Listening)
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func (r Runner) commandLanguages(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "languages"}, forwardTimeout)
	if !handled {
		fmt.Fprintln(r.Stderr, "error: voicebridge bridge is not running")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	for _, language := range resp.Languages {
		fmt.Fprintln(r.Stdout, language)
	}
	return 0
}

// commandStart forwards a start request, blocking for final matches unless
// streaming was requested.
func (r Runner) commandStart(ctx context.Context, cfg config.Config, flags cli.StartFlags) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	payload := ipc.StartPayload{
		Language:        cfg.Session.Language,
		MaxResults:      cfg.Session.MaxResults,
		Prompt:          flags.Prompt,
		StreamPartial:   flags.Stream,
		SilenceWindowMs: cfg.Session.SilenceWindowMS,
	}
	if flags.Language != "" {
		payload.Language = flags.Language
	}
	if flags.MaxResults > 0 {
		payload.MaxResults = flags.MaxResults
	}
	if flags.SilenceMs > 0 {
		payload.SilenceWindowMs = flags.SilenceMs
	}

	timeout := forwardTimeout
	if !flags.Stream {
		timeout = startTimeout
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "start", Start: &payload}, timeout)
	if !handled {
		fmt.Fprintln(r.Stderr, "error: voicebridge bridge is not running")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	if flags.Stream {
		fmt.Fprintf(r.Stdout, "session %d started; events at ws://%s/events\n", resp.SessionID, cfg.Bridge.Listen)
		return 0
	}

	if len(resp.Matches) == 0 {
		fmt.Fprintln(r.Stdout, "no results")
		return 0
	}
	for _, match := range resp.Matches {
		fmt.Fprintln(r.Stdout, match)
	}
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request, timeout time.Duration) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req, timeout)
	if !handled {
		fmt.Fprintln(r.Stderr, "error: voicebridge bridge is not running")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// tryForward sends one request to the bridge socket. handled is false when no
// bridge is listening.
func tryForward(ctx context.Context, socketPath string, req ipc.Request, timeout time.Duration) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, timeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) || isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
