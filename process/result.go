package process

import (
	"bytes"
	"strings"
	"time"
)

// Result is the outcome of a finished subprocess.
type Result struct {
	Stdout string
	Stderr string
	// ExitCode is -1 when the process was killed by a signal or never started.
	ExitCode int
	Duration time.Duration
	// Truncated is set when either stream went over Command.MaxOutput.
	Truncated bool
}

// Output is the task result for an exec task: exit code, trimmed streams
// and wall time in milliseconds. Empty stderr is left out.
func (r *Result) Output() map[string]any {
	out := map[string]any{
		"exit_code":   r.ExitCode,
		"stdout":      strings.TrimSpace(r.Stdout),
		"duration_ms": r.Duration.Milliseconds(),
	}
	if stderr := strings.TrimSpace(r.Stderr); stderr != "" {
		out["stderr"] = stderr
	}
	if r.Truncated {
		out["truncated"] = true
	}
	return out
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	max     int
	dropped bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	b.dropped = true
	if room > 0 {
		b.buf.Write(p[:room])
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
