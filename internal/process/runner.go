package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ProgressPrefix marks a progress event line on the engine's stderr.
const ProgressPrefix = "__ACE_STEP_PROGRESS__"

const (
	DefaultTimeout   = 600 * time.Second
	DefaultKillGrace = 5 * time.Second

	maxStderrTail = 16 * 1024
)

// ErrNoResult is returned when a process exits cleanly without printing a
// JSON result line.
var ErrNoResult = errors.New("process produced no JSON result on stdout")

// ParseError is returned when the result line is not valid JSON.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse process result: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExitError is returned when the process exits with a non-zero code.
type ExitError struct {
	Code    int
	Stderr  string
	Message string // error field of a JSON result line, if one was printed
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Message)
	}
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, lastLines(stderr, 5))
}

// TimeoutError is returned when the process outlived its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %s", e.After)
}

// Spec describes one process invocation.
type Spec struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE overrides appended to the current environment
	Dir     string
	Timeout time.Duration
}

// ProgressFunc receives decoded progress events. progress is nil when the
// event carried only a stage.
type ProgressFunc func(progress *float64, stage string)

// Output is the decoded final JSON line of a successful process.
type Output struct {
	Line   []byte
	Raw    map[string]interface{}
	Stderr string
}

// Decode unmarshals the result line into v.
func (o *Output) Decode(v interface{}) error {
	if err := json.Unmarshal(o.Line, v); err != nil {
		return &ParseError{Line: string(o.Line), Err: err}
	}
	return nil
}

// Runner spawns engine scripts and supervises them.
type Runner struct {
	timeout   time.Duration
	killGrace time.Duration
}

// NewRunner creates a Runner. Zero values select the defaults.
func NewRunner(timeout, killGrace time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Runner{timeout: timeout, killGrace: killGrace}
}

// Run starts the process and blocks until it exits. Progress events on
// stderr are forwarded to onProgress; other stderr lines are logged. On
// timeout the process gets SIGTERM, then SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, spec Spec, onProgress ProgressFunc) (*Output, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	var stdout bytes.Buffer
	tail := &tailBuffer{max: maxStderrTail}
	stderr := NewLineWriter(func(line string) {
		if handleProgressLine(line, onProgress) {
			return
		}
		if strings.TrimSpace(line) == "" {
			return
		}
		log.Printf("[Process] %s", line)
		tail.WriteLine(line)
	})
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	log.Printf("[Process] → %s %s", spec.Command, strings.Join(redactArgs(spec.Args), " "))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	waitErr := cmd.Wait()
	stderr.Flush()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Printf("[Process] ✗ %s timed out after %s", spec.Command, timeout)
		return nil, &TimeoutError{After: timeout}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	line := lastJSONLine(stdout.String())

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			ee := &ExitError{Code: exitErr.ExitCode(), Stderr: tail.String()}
			if line != "" {
				var failure struct {
					Error   string `json:"error"`
					Message string `json:"message"`
				}
				if json.Unmarshal([]byte(line), &failure) == nil {
					ee.Message = firstNonEmpty(failure.Error, failure.Message)
				}
			}
			log.Printf("[Process] ✗ %s exited with code %d after %s", spec.Command, ee.Code, time.Since(start).Round(time.Millisecond))
			return nil, ee
		}
		return nil, fmt.Errorf("failed to run %s: %w", spec.Command, waitErr)
	}

	log.Printf("[Process] ← %s finished in %s", spec.Command, time.Since(start).Round(time.Millisecond))

	if line == "" {
		return nil, ErrNoResult
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, &ParseError{Line: line, Err: err}
	}

	return &Output{Line: []byte(line), Raw: raw, Stderr: tail.String()}, nil
}

// handleProgressLine decodes a sentinel-prefixed progress line. It reports
// whether the line was a progress event.
func handleProgressLine(line string, onProgress ProgressFunc) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, ProgressPrefix) {
		return false
	}

	var event struct {
		Progress *float64 `json:"progress"`
		Stage    string   `json:"stage"`
	}
	payload := strings.TrimPrefix(trimmed, ProgressPrefix)
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Printf("[Process] Ignoring malformed progress event: %q", payload)
		return true
	}
	if onProgress != nil && (event.Progress != nil || event.Stage != "") {
		onProgress(event.Progress, event.Stage)
	}
	return true
}

// lastJSONLine returns the last stdout line that starts with '{'.
func lastJSONLine(stdout string) string {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") {
			return line
		}
	}
	return ""
}

// redactArgs shortens long values such as lyrics for logging.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) > 80 {
			a = a[:77] + "..."
		}
		if strings.ContainsAny(a, " \n\t") {
			a = fmt.Sprintf("%q", a)
		}
		out[i] = a
	}
	return out
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// tailBuffer keeps the last max bytes of stderr text.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if t.buf.Len() > t.max {
		b := t.buf.Bytes()
		keep := append([]byte(nil), b[len(b)-t.max:]...)
		t.buf.Reset()
		t.buf.Write(keep)
	}
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
