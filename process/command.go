package process

import (
	"io"
	"strings"
	"time"
)

const (
	// DefaultGracePeriod is the SIGTERM to SIGKILL delay when Command.GracePeriod is zero.
	DefaultGracePeriod = 5 * time.Second
	// DefaultMaxOutput caps each captured stream. Output becomes a task
	// result, which is copied into checkpoints and idempotency records.
	DefaultMaxOutput = 64 << 10
)

// Command is one subprocess run by an exec task.
type Command struct {
	// Name is the executable, resolved via PATH.
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries (KEY=value) are added to the parent environment.
	Env   []string
	Stdin io.Reader
	// GracePeriod is how long a cancelled process gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// MaxOutput caps the bytes kept per stream. Zero uses DefaultMaxOutput.
	MaxOutput int
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

func (c Command) gracePeriod() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return DefaultGracePeriod
}

func (c Command) maxOutput() int {
	if c.MaxOutput > 0 {
		return c.MaxOutput
	}
	return DefaultMaxOutput
}
