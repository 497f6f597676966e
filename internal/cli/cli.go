package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Command string

const (
	CommandServe     Command = "serve"
	CommandStart     Command = "start"
	CommandStop      Command = "stop"
	CommandStatus    Command = "status"
	CommandLanguages Command = "languages"
	CommandDevices   Command = "devices"
	CommandDoctor    Command = "doctor"
	CommandVersion   Command = "version"
	CommandHelp      Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandServe:     {},
	CommandStart:     {},
	CommandStop:      {},
	CommandStatus:    {},
	CommandLanguages: {},
	CommandDevices:   {},
	CommandDoctor:    {},
	CommandVersion:   {},
	CommandHelp:      {},
}

// StartFlags carries recognition options for the start command.
type StartFlags struct {
	Language   string
	MaxResults int
	Prompt     string
	Stream     bool
	SilenceMs  int
}

type Parsed struct {
	Command    Command
	ConfigPath string
	ShowHelp   bool
	Start      StartFlags
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}
	commandSeen := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
			continue
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
			continue
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
			continue
		}

		if commandSeen && parsed.Command == CommandStart {
			consumed, err := parseStartFlag(args, i, &parsed.Start)
			if err != nil {
				return Parsed{}, err
			}
			i += consumed
			continue
		}

		if strings.HasPrefix(arg, "-") {
			return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
		}

		cmd := Command(arg)
		if _, ok := validCommands[cmd]; !ok {
			return Parsed{}, fmt.Errorf("unknown command: %s", arg)
		}
		if commandSeen {
			return Parsed{}, fmt.Errorf("unexpected arguments after command %q", parsed.Command)
		}

		parsed.Command = cmd
		parsed.ShowHelp = cmd == CommandHelp
		commandSeen = true
	}

	return parsed, nil
}

// parseStartFlag consumes one start-command flag and reports how many extra
// arguments it used.
func parseStartFlag(args []string, i int, flags *StartFlags) (int, error) {
	arg := args[i]

	valueFor := func(name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		return args[i+1], nil
	}

	switch arg {
	case "--stream":
		flags.Stream = true
		return 0, nil
	case "--language":
		value, err := valueFor(arg)
		if err != nil {
			return 0, err
		}
		flags.Language = value
		return 1, nil
	case "--prompt":
		value, err := valueFor(arg)
		if err != nil {
			return 0, err
		}
		flags.Prompt = value
		return 1, nil
	case "--max-results":
		value, err := valueFor(arg)
		if err != nil {
			return 0, err
		}
		n, convErr := strconv.Atoi(value)
		if convErr != nil || n < 1 {
			return 0, fmt.Errorf("--max-results requires a positive integer, got %q", value)
		}
		flags.MaxResults = n
		return 1, nil
	case "--silence-ms":
		value, err := valueFor(arg)
		if err != nil {
			return 0, err
		}
		n, convErr := strconv.Atoi(value)
		if convErr != nil || n < 0 {
			return 0, fmt.Errorf("--silence-ms requires a non-negative integer, got %q", value)
		}
		flags.SilenceMs = n
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown start flag: %s", arg)
	}
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command>

Commands:
  serve       Run the recognition bridge daemon
  start       Begin a recognition session (blocks for results unless --stream)
  stop        Request a graceful end of the active session
  status      Print current session state
  languages   List languages supported by the engine
  devices     List available input devices
  doctor      Run configuration and environment checks
  version     Print version information
  help        Show this help

Start flags:
  --language TAG     BCP-47 language tag (default from config)
  --max-results N    Maximum alternatives per result
  --prompt TEXT      Prompt hint forwarded to the engine
  --stream           Return immediately and stream events instead of blocking
  --silence-ms N     Segment the session across silence gaps of N ms

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/voicebridge/config.yaml)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
