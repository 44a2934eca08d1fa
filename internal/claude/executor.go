package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"certflow/internal/ctxlog"
)

// Executor runs a single prompt through Claude.
//
// The production implementation is [DefaultExecutor], which spawns the Claude
// CLI. Tests use [MockExecutor] to replay canned events without a process.
type Executor interface {
	// Execute runs prompt with the given model ("" for the CLI default), passing
	// every stream event to handler. It returns the process exit code; err is set
	// when the process could not be run or was cancelled.
	Execute(ctx context.Context, prompt, model string, handler func(Event)) (exitCode int, err error)
}

// ExecutorConfig configures [DefaultExecutor].
type ExecutorConfig struct {
	// BinaryPath is the Claude CLI binary. Default: "claude".
	BinaryPath string

	// OutputFormat is passed to --output-format. Default: "stream-json".
	OutputFormat string

	// BufferSize bounds one stream line. Default: [DefaultBufferSize].
	BufferSize int
}

// DefaultExecutor spawns the Claude CLI as a subprocess.
//
// The prompt is passed with -p and permissions are skipped, so the CLI runs
// without interactive confirmation. Stdout is parsed with [Parse]; stderr lines
// are logged at debug level through the logger carried by the context.
//
// Create instances with [NewExecutor] to get default values.
type DefaultExecutor struct {
	cfg ExecutorConfig
}

// NewExecutor returns a [DefaultExecutor] for cfg.
//
// An empty BinaryPath selects "claude" on PATH and an empty OutputFormat selects
// "stream-json", which also adds --verbose as the CLI requires.
func NewExecutor(cfg ExecutorConfig) *DefaultExecutor {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "claude"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "stream-json"
	}
	return &DefaultExecutor{cfg: cfg}
}

func (e *DefaultExecutor) args(prompt, model string) []string {
	args := []string{
		"--dangerously-skip-permissions",
		"-p", prompt,
		"--output-format", e.cfg.OutputFormat,
	}
	if e.cfg.OutputFormat == "stream-json" {
		args = append(args, "--verbose")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// Execute implements [Executor]. Cancelling ctx kills the process.
func (e *DefaultExecutor) Execute(ctx context.Context, prompt, model string, handler func(Event)) (int, error) {
	log := ctxlog.FromContext(ctx)
	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath, e.args(prompt, model)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", e.cfg.BinaryPath, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainStderr(stderr, func(line string) { log.Debug("claude stderr", "line", line) })
	}()

	parseErr := Parse(stdout, e.cfg.BufferSize, handler)
	if parseErr != nil {
		// unblock the process before waiting on it
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if parseErr != nil {
		return -1, fmt.Errorf("failed to read claude output: %w", parseErr)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return -1, waitErr
	}
	return 0, nil
}

func drainStderr(r io.Reader, line func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line(scanner.Text())
	}
}

// MockExecutor implements [Executor] for tests by replaying canned events.
//
// Every call records the prompt and model, available through
// [MockExecutor.Prompts] and [MockExecutor.Models], then delivers Events to the
// handler in order. A context already cancelled returns -1 and its error
// before any event is delivered.
//
// Example:
//
//	mock := &MockExecutor{Events: []Event{
//	    TextEvent(`{"verdict": "APPROVED"}`),
//	    ResultEvent("done", false),
//	}}
type MockExecutor struct {
	// Events are delivered to the handler in order on every call.
	Events []Event

	// ExitCode and Err are returned after the events.
	ExitCode int
	Err      error

	mu      sync.Mutex
	prompts []string
	models  []string
}

// Execute implements [Executor].
func (m *MockExecutor) Execute(ctx context.Context, prompt, model string, handler func(Event)) (int, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.models = append(m.models, model)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	for _, ev := range m.Events {
		handler(ev)
	}
	return m.ExitCode, m.Err
}

// Prompts returns the prompts received so far.
func (m *MockExecutor) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Models returns the models requested so far.
func (m *MockExecutor) Models() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.models...)
}

// TextEvent builds an assistant text event.
func TextEvent(text string) Event {
	return NewEventFromStream(&StreamEvent{
		Type:    string(EventTypeAssistant),
		Message: &MessageContent{Content: []ContentBlock{{Type: "text", Text: text}}},
	})
}

// ResultEvent builds the final result event.
func ResultEvent(result string, isError bool) Event {
	return NewEventFromStream(&StreamEvent{Type: string(EventTypeResult), Result: result, IsError: isError})
}
