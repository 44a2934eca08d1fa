package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
)

// AgentConfig configures one stage's [Agent].
type AgentConfig struct {
	Stage string

	// PromptTemplate is a text/template over [PromptData]. Empty selects the
	// stage's entry in [DefaultPrompts].
	PromptTemplate string

	// Model is passed to the CLI; empty uses its default.
	Model string

	// Gate makes the agent return a certification verdict.
	Gate bool

	// Idempotent allows the scheduler to retry the stage.
	Idempotent bool
}

// PromptData is the data a prompt template is expanded with.
type PromptData struct {
	RunID        string
	Stage        string
	Cycle        int
	Attempt      int
	Requirements string

	// Upstream maps upstream stage names to their artifact fields as indented JSON.
	Upstream map[string]string

	Findings []capability.Finding
}

// UpstreamNames returns the upstream stage names in order.
func (d PromptData) UpstreamNames() []string {
	names := make([]string, 0, len(d.Upstream))
	for name := range d.Upstream {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agent is a stage capability answered by Claude.
type Agent struct {
	cfg  AgentConfig
	exec Executor
	tmpl *template.Template
}

// NewAgent builds the agent for cfg.Stage.
func NewAgent(exec Executor, cfg AgentConfig) (*Agent, error) {
	text := cfg.PromptTemplate
	if text == "" {
		var ok bool
		if text, ok = DefaultPrompts[cfg.Stage]; !ok {
			return nil, fmt.Errorf("no prompt template for stage %s", cfg.Stage)
		}
	}
	tmpl, err := template.New(cfg.Stage).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template for stage %s: %w", cfg.Stage, err)
	}
	return &Agent{cfg: cfg, exec: exec, tmpl: tmpl}, nil
}

// Idempotent implements [capability.Idempotency].
func (a *Agent) Idempotent() bool {
	return a.cfg.Idempotent
}

// Prompt expands the agent's template for in.
func (a *Agent) Prompt(in capability.Input) (string, error) {
	data := PromptData{
		RunID:        in.RunID,
		Stage:        in.Stage,
		Cycle:        in.Cycle,
		Attempt:      in.Attempt,
		Requirements: in.Config.Requirements,
		Upstream:     make(map[string]string, len(in.Upstream)),
		Findings:     in.Findings,
	}
	for name, art := range in.Upstream {
		if art == nil {
			continue
		}
		b, err := json.MarshalIndent(art.Fields, "", "  ")
		if err != nil {
			return "", err
		}
		data.Upstream[name] = string(b)
	}

	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (a *Agent) Invoke(ctx context.Context, in capability.Input) (*capability.Artifact, error) {
	prompt, err := a.Prompt(in)
	if err != nil {
		return nil, capability.Fatalf("failed to render prompt for %s: %w", a.cfg.Stage, err)
	}

	var text strings.Builder
	var result string
	var failed bool
	handler := func(ev Event) {
		switch {
		case ev.IsText():
			text.WriteString(ev.Text)
			text.WriteString("\n")
		case ev.SessionComplete:
			result, failed = ev.Result, ev.Failed
		}
	}

	log := ctxlog.FromContext(ctx).With("stage", a.cfg.Stage)
	log.Debug("invoking claude", "model", a.cfg.Model, "prompt_bytes", len(prompt))

	code, err := a.exec.Execute(ctx, prompt, a.cfg.Model, handler)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, capability.Fatalf("claude execution failed: %w", err)
	}
	if code != 0 {
		return nil, capability.Transientf("claude exited with status %d", code)
	}
	if failed {
		return nil, capability.Transientf("claude reported an error: %s", result)
	}

	response := result
	if response == "" {
		response = text.String()
	}
	obj, err := ExtractJSON(response)
	if err != nil && !a.cfg.Gate {
		return nil, capability.Transientf("%s response: %w", a.cfg.Stage, err)
	}

	if a.cfg.Gate {
		if err := verdictError(response, obj); err != nil {
			return nil, err
		}
		if obj == nil {
			obj = map[string]any{"status": string(VerdictApproved)}
		}
	}
	return capability.NewArtifact(obj)
}

var fenced = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON returns the JSON object in an LLM response: a fenced ```json block
// when present, otherwise the text between the first '{' and the last '}'.
func ExtractJSON(response string) (map[string]any, error) {
	if m := fenced.FindStringSubmatch(response); m != nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			return obj, nil
		}
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(response[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("malformed JSON object: %w", err)
	}
	return obj, nil
}
