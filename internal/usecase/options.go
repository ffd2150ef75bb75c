package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/semmidev/custos/internal/domain"
)

type Action int

const (
	ActionStart Action = iota
	ActionAbort
	ActionStatus
	ActionWait
)

type BackupCommand struct {
	Action  Action
	Options domain.Options
}

var errGrammar = errors.New("invalid backup options")

// Tokenize splits s on whitespace, keeping double-quoted runs together.
func Tokenize(s string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
		started bool
	)

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}

	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", errGrammar)
	}
	if started {
		tokens = append(tokens, cur.String())
	}

	return tokens, nil
}

// ParseBackupCommand parses the arguments of a backup command. Booleans not
// given keep their value from defaults.
func ParseBackupCommand(args []string, defaults domain.Options) (BackupCommand, error) {
	cmd := BackupCommand{Action: ActionStart, Options: defaults}
	seen := make(map[string]bool)
	control := ""

	invalid := func(format string, a ...any) (BackupCommand, error) {
		return BackupCommand{}, domain.NewError(domain.KindConfiguration, "parse backup options",
			fmt.Errorf("%w: "+format, append([]any{errGrammar}, a...)...))
	}

	for _, arg := range args {
		key, value, hasValue := strings.Cut(arg, "=")
		key = strings.ToUpper(key)

		if seen[key] {
			return invalid("duplicate option %s", key)
		}
		seen[key] = true

		switch key {
		case "-ABORT", "-STATUS", "-WAIT":
			if hasValue {
				return invalid("%s takes no value", key)
			}
			if control != "" {
				return invalid("%s conflicts with %s", key, control)
			}
			control = key
		case "-DIR":
			if !hasValue || value == "" {
				return invalid("-DIR requires a path")
			}
			cmd.Options.Dir = value
		case "-MYISAM", "-SYSTEM", "-CONFIG", "-EMPTYDIR":
			on := true
			if hasValue {
				switch strings.ToUpper(value) {
				case "ON":
				case "OFF":
					on = false
				default:
					return invalid("%s must be ON or OFF, got %q", key, value)
				}
			}
			switch key {
			case "-MYISAM":
				cmd.Options.IncludeForeign = on
			case "-SYSTEM":
				cmd.Options.IncludeSystem = on
			case "-CONFIG":
				cmd.Options.IncludeConfig = on
			case "-EMPTYDIR":
				cmd.Options.EmptyDir = on
			}
		default:
			return invalid("unknown option %s", arg)
		}
	}

	if control != "" {
		if len(seen) > 1 {
			return invalid("%s cannot be combined with other options", control)
		}
		cmd.Options = domain.Options{}
		switch control {
		case "-ABORT":
			cmd.Action = ActionAbort
		case "-STATUS":
			cmd.Action = ActionStatus
		case "-WAIT":
			cmd.Action = ActionWait
		}
	}

	return cmd, nil
}
