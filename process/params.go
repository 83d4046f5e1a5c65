package process

import (
	"fmt"
	"strings"
	"time"

	"github.com/kbukum/flowgraph/errors"
)

// Parameter keys read by CommandFromParams.
const (
	ParamCommand     = "command"
	ParamArgs        = "args"
	ParamDir         = "dir"
	ParamEnv         = "env"
	ParamStdin       = "stdin"
	ParamGracePeriod = "grace_period"
	ParamMaxOutput   = "max_output"
)

// CommandFromParams builds a Command from task parameters as decoded from a
// YAML definition. "command" is required; "args" and "env" are lists, "env"
// may also be a map; "grace_period" is a duration string; "max_output" is a
// byte count.
func CommandFromParams(params map[string]any) (Command, error) {
	var cmd Command

	name, _ := params[ParamCommand].(string)
	if strings.TrimSpace(name) == "" {
		return cmd, errors.InvalidInput(ParamCommand, "exec task requires a command parameter")
	}
	cmd.Name = name

	args, err := stringList(params[ParamArgs])
	if err != nil {
		return cmd, errors.InvalidInput(ParamArgs, err.Error())
	}
	cmd.Args = args

	if dir, ok := params[ParamDir].(string); ok {
		cmd.Dir = dir
	}

	switch env := params[ParamEnv].(type) {
	case nil:
	case map[string]any:
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	default:
		list, err := stringList(env)
		if err != nil {
			return cmd, errors.InvalidInput(ParamEnv, err.Error())
		}
		cmd.Env = list
	}

	if stdin, ok := params[ParamStdin].(string); ok && stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	if raw, ok := params[ParamGracePeriod].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return cmd, errors.InvalidInput(ParamGracePeriod, err.Error())
		}
		cmd.GracePeriod = d
	}

	switch n := params[ParamMaxOutput].(type) {
	case nil:
	case int:
		cmd.MaxOutput = n
	case float64:
		cmd.MaxOutput = int(n)
	default:
		return cmd, errors.InvalidInput(ParamMaxOutput, fmt.Sprintf("expected a byte count, got %T", n))
	}
	if cmd.MaxOutput < 0 {
		return cmd, errors.InvalidInput(ParamMaxOutput, "must not be negative")
	}

	return cmd, nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		return strings.Fields(list), nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}
