package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certflow/internal/capability"
	"certflow/internal/graph"
)

func TestParseSingle(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, e Event)
	}{
		{
			name: "session start",
			line: `{"type":"system","subtype":"init"}`,
			check: func(t *testing.T, e Event) {
				assert.True(t, e.SessionStarted)
			},
		},
		{
			name: "text blocks are concatenated",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}}`,
			check: func(t *testing.T, e Event) {
				assert.True(t, e.IsText())
				assert.Equal(t, "Hello world", e.Text)
			},
		},
		{
			name: "tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`,
			check: func(t *testing.T, e Event) {
				assert.True(t, e.IsToolUse())
				assert.False(t, e.IsText())
			},
		},
		{
			name: "result",
			line: `{"type":"result","subtype":"success","result":"{\"a\":1}","is_error":false}`,
			check: func(t *testing.T, e Event) {
				assert.True(t, e.SessionComplete)
				assert.Equal(t, `{"a":1}`, e.Result)
				assert.False(t, e.Failed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseSingle(tt.line)
			require.NoError(t, err)
			tt.check(t, e)
		})
	}

	_, err := ParseSingle("not json")
	assert.Error(t, err)
}

func TestParse_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		``,
		`garbage`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","result":"done"}`,
	}, "\n")

	var events []Event
	err := Parse(strings.NewReader(input), 0, func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventTypeSystem, events[0].Type)
	assert.Equal(t, "hi", events[1].Text)
	assert.Equal(t, "done", events[2].Result)
}

func TestParse_LineTooLong(t *testing.T) {
	long := `{"type":"assistant","message":{"content":[{"type":"text","text":"` + strings.Repeat("x", 200) + `"}]}}`
	err := Parse(strings.NewReader(long), 64, func(Event) {})
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     map[string]any
		wantErr  bool
	}{
		{name: "bare", response: `{"a": 1}`, want: map[string]any{"a": 1.0}},
		{name: "prose around", response: "Here you go:\n{\"a\": {\"b\": true}}\nDone.", want: map[string]any{"a": map[string]any{"b": true}}},
		{name: "fenced", response: "```json\n{\"a\": \"x\"}\n```\nand {stray}", want: map[string]any{"a": "x"}},
		{name: "none", response: "no object here", wantErr: true},
		{name: "malformed", response: "{not json}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.response)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		response string
		obj      map[string]any
		want     Verdict
		wantErr  bool
	}{
		{name: "status field", obj: map[string]any{"status": "Rejected"}, response: "approved", want: VerdictRejected},
		{name: "compliance status", obj: map[string]any{"complianceStatus": "Conditionally Approved"}, want: VerdictApproved},
		{name: "keyword", response: "The product is APPROVED.", want: VerdictApproved},
		{name: "violation wins", response: "rejected due to a violation", want: VerdictViolation},
		{name: "nothing", response: "unclear", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.response, tt.obj)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindings(t *testing.T) {
	got := Findings(map[string]any{"findings": []any{
		map[string]any{"stage": "mapping", "code": "pii", "message": "email unmasked"},
		"plain note",
		map[string]any{},
		42.0,
	}})
	assert.Equal(t, []capability.Finding{
		{Stage: "mapping", Code: "pii", Message: "email unmasked"},
		{Message: "plain note"},
	}, got)
}

func upstream(t *testing.T, fields map[string]any) *capability.Artifact {
	t.Helper()
	a, err := capability.NewArtifact(fields)
	require.NoError(t, err)
	return a
}

func TestAgent_Prompt(t *testing.T) {
	agent, err := NewAgent(&MockExecutor{}, AgentConfig{Stage: graph.StageMapping})
	require.NoError(t, err)

	prompt, err := agent.Prompt(capability.Input{
		Stage: graph.StageMapping,
		Cycle: 2,
		Upstream: map[string]*capability.Artifact{
			graph.StageSourceCatalog: upstream(t, map[string]any{"systems": []any{"core"}}),
			graph.StageSchemaDesign:  upstream(t, map[string]any{"entities": []any{"Customer"}}),
		},
		Findings: []capability.Finding{{Stage: graph.StageMapping, Code: "pii", Message: "email unmasked"}},
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "schema_design artifact:")
	assert.Less(t, strings.Index(prompt, "schema_design artifact:"), strings.Index(prompt, "source_catalog artifact:"))
	assert.Contains(t, prompt, `"Customer"`)
	assert.Contains(t, prompt, "- mapping: [pii] email unmasked")
}

func TestNewAgent_Errors(t *testing.T) {
	_, err := NewAgent(&MockExecutor{}, AgentConfig{Stage: "publish"})
	assert.Error(t, err)

	_, err = NewAgent(&MockExecutor{}, AgentConfig{Stage: "publish", PromptTemplate: "{{.Broken"})
	assert.Error(t, err)
}

func TestAgent_Invoke(t *testing.T) {
	ctx := context.Background()
	in := capability.Input{Stage: graph.StageRequirements, Config: capability.RunConfig{Requirements: "accounts"}}

	t.Run("artifact from result", func(t *testing.T) {
		exec := &MockExecutor{Events: []Event{
			TextEvent("thinking"),
			ResultEvent(`{"objective": "retention"}`, false),
		}}
		agent, err := NewAgent(exec, AgentConfig{Stage: graph.StageRequirements, Model: "sonnet"})
		require.NoError(t, err)

		a, err := agent.Invoke(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "retention", a.String("objective"))
		assert.Equal(t, []string{"sonnet"}, exec.Models())
		assert.Contains(t, exec.Prompts()[0], "accounts")
		assert.False(t, agent.Idempotent())
	})

	t.Run("artifact from text", func(t *testing.T) {
		agent, err := NewAgent(&MockExecutor{Events: []Event{TextEvent(`{"objective": "x"}`)}},
			AgentConfig{Stage: graph.StageRequirements, Idempotent: true})
		require.NoError(t, err)
		a, err := agent.Invoke(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "x", a.String("objective"))
		assert.True(t, agent.Idempotent())
	})

	t.Run("no json is transient", func(t *testing.T) {
		agent, err := NewAgent(&MockExecutor{Events: []Event{TextEvent("sorry")}}, AgentConfig{Stage: graph.StageRequirements})
		require.NoError(t, err)
		_, err = agent.Invoke(ctx, in)
		var te *capability.TransientError
		assert.ErrorAs(t, err, &te)
	})

	t.Run("non-zero exit is transient", func(t *testing.T) {
		agent, err := NewAgent(&MockExecutor{ExitCode: 2}, AgentConfig{Stage: graph.StageRequirements})
		require.NoError(t, err)
		_, err = agent.Invoke(ctx, in)
		var te *capability.TransientError
		require.ErrorAs(t, err, &te)
		assert.Contains(t, err.Error(), "status 2")
	})

	t.Run("error result is transient", func(t *testing.T) {
		agent, err := NewAgent(&MockExecutor{Events: []Event{ResultEvent("overloaded", true)}}, AgentConfig{Stage: graph.StageRequirements})
		require.NoError(t, err)
		_, err = agent.Invoke(ctx, in)
		var te *capability.TransientError
		assert.ErrorAs(t, err, &te)
	})

	t.Run("executor failure is fatal", func(t *testing.T) {
		agent, err := NewAgent(&MockExecutor{Err: errors.New("no such file")}, AgentConfig{Stage: graph.StageRequirements})
		require.NoError(t, err)
		_, err = agent.Invoke(ctx, in)
		var fe *capability.FatalError
		assert.ErrorAs(t, err, &fe)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		agent, err := NewAgent(&MockExecutor{}, AgentConfig{Stage: graph.StageRequirements})
		require.NoError(t, err)
		_, err = agent.Invoke(cctx, in)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAgent_Gate(t *testing.T) {
	ctx := context.Background()
	in := capability.Input{Stage: graph.StageCertification}
	gate := func(t *testing.T, response string) (*capability.Artifact, error) {
		t.Helper()
		agent, err := NewAgent(&MockExecutor{Events: []Event{ResultEvent(response, false)}},
			AgentConfig{Stage: graph.StageCertification, Gate: true})
		require.NoError(t, err)
		return agent.Invoke(ctx, in)
	}

	a, err := gate(t, `{"status": "Approved", "data_coverage": 100}`)
	require.NoError(t, err)
	assert.Equal(t, "Approved", a.String("status"))

	a, err = gate(t, "Approved without remarks.")
	require.NoError(t, err)
	assert.Equal(t, "Approved", a.String("status"))

	_, err = gate(t, `{"status": "Rejected", "findings": [{"stage": "mapping", "code": "pii", "message": "mask email"}]}`)
	assert.Equal(t, []capability.Finding{{Stage: "mapping", Code: "pii", Message: "mask email"}}, capability.FindingsOf(err))

	_, err = gate(t, `{"status": "Violation", "reason": "stores card PINs"}`)
	var fe *capability.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "stores card PINs")

	_, err = gate(t, `{"score": 3}`)
	var te *capability.TransientError
	assert.ErrorAs(t, err, &te)
}

func TestDefaultExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "claude")
	body := "#!/bin/sh\n" +
		"echo '{\"type\":\"system\",\"subtype\":\"init\"}'\n" +
		"echo 'noise' >&2\n" +
		"echo '{\"type\":\"result\",\"result\":\"ok\"}'\n" +
		"exit 3\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	exec := NewExecutor(ExecutorConfig{BinaryPath: script})
	var events []Event
	code, err := exec.Execute(context.Background(), "prompt", "haiku", func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	require.Len(t, events, 2)
	assert.True(t, events[0].SessionStarted)
	assert.Equal(t, "ok", events[1].Result)

	_, err = NewExecutor(ExecutorConfig{BinaryPath: filepath.Join(dir, "missing")}).
		Execute(context.Background(), "prompt", "", func(Event) {})
	assert.Error(t, err)
}

func TestDefaultExecutor_Args(t *testing.T) {
	e := NewExecutor(ExecutorConfig{})
	assert.Equal(t, []string{
		"--dangerously-skip-permissions", "-p", "hi", "--output-format", "stream-json", "--verbose", "--model", "opus",
	}, e.args("hi", "opus"))
}
