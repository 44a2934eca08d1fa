// Package output renders runs, progress and pipelines for the terminal.
//
// [Printer] styles its output with lipgloss. Styles are bound to a renderer for the
// printer's writer, so colors are dropped automatically when the writer is not a
// terminal (for example in tests or when piping to a file).
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"certflow/internal/capability"
	"certflow/internal/graph"
	"certflow/internal/scheduler"
	"certflow/internal/state"
)

type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	active  lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:   r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		active:  r.NewStyle().Foreground(lipgloss.Color("14")),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1),
	}
}

// Printer writes styled output. It is safe for concurrent use.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	s   styles
}

// NewPrinter returns a printer writing to stdout.
func NewPrinter() *Printer {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter returns a printer writing to w.
func NewPrinterWithWriter(w io.Writer) *Printer {
	return &Printer{out: w, s: newStyles(lipgloss.NewRenderer(w))}
}

func (p *Printer) println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, a...)
}

func (p *Printer) printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, a...)
}

// RunStarted announces a new or resumed run.
func (p *Printer) RunStarted(runID, requirements string) {
	p.println(p.s.title.Render("certflow run " + runID))
	if requirements != "" {
		p.println(p.s.muted.Render(truncate(oneLine(requirements), 100)))
	}
	p.println()
}

// Progress prints one attempt transition.
func (p *Printer) Progress(ev scheduler.Event) {
	icon, style := p.attemptLook(ev.Status)
	line := fmt.Sprintf("%s %-16s cycle %d  attempt %d  %s",
		icon, ev.Stage, ev.Cycle, ev.Attempt, string(ev.Status))
	if ev.Cause != nil {
		line += "  " + causeText(ev.Cause)
	}
	p.println(style.Render(line))
}

func (p *Printer) attemptLook(s state.AttemptStatus) (string, lipgloss.Style) {
	switch s {
	case state.AttemptSucceeded:
		return "✓", p.s.success
	case state.AttemptFatal:
		return "✗", p.s.failure
	case state.AttemptRetryable:
		return "↻", p.s.warning
	case state.AttemptRunning:
		return "▶", p.s.active
	default:
		return "•", p.s.muted
	}
}

func (p *Printer) stageLook(s scheduler.StageStatus) (string, lipgloss.Style) {
	switch s {
	case scheduler.StageSucceeded:
		return "✓", p.s.success
	case scheduler.StageFailed:
		return "✗", p.s.failure
	case scheduler.StageRetrying:
		return "↻", p.s.warning
	case scheduler.StageRunning:
		return "▶", p.s.active
	default:
		return "•", p.s.muted
	}
}

func (p *Printer) runStyle(s state.RunStatus) lipgloss.Style {
	switch s {
	case state.RunSucceeded:
		return p.s.success
	case state.RunFailed, state.RunAborted:
		return p.s.failure
	case state.RunRunning:
		return p.s.active
	default:
		return p.s.muted
	}
}

// RunSummary prints the status of every stage of v in a box.
func (p *Printer) RunSummary(v *scheduler.View) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", p.s.label.Render("Run"), v.RunID)
	fmt.Fprintf(&b, "%s %s", p.s.label.Render("Status"), p.runStyle(v.Status).Render(string(v.Status)))
	if v.Cycle > 1 {
		fmt.Fprintf(&b, "  (cycle %d)", v.Cycle)
	}
	if d := v.Duration(); d > 0 {
		fmt.Fprintf(&b, "  %s", formatDuration(d))
	}
	b.WriteString("\n\n")

	for _, sv := range v.Stages {
		icon, style := p.stageLook(sv.Status)
		line := fmt.Sprintf("%s %-16s %-10s attempts %d", icon, sv.Name, sv.Status, sv.TotalAttempts)
		if sv.Reworks > 0 {
			line += fmt.Sprintf("  reworks %d", sv.Reworks)
		}
		if sv.Elapsed > 0 {
			line += "  " + formatDuration(sv.Elapsed)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	if f := v.Failure; f != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s %s: %s\n", p.s.failure.Render("Failed at"), f.Stage, causeText(&f.Cause))
		for _, finding := range f.Cause.Findings {
			fmt.Fprintf(&b, "  - %s\n", finding)
		}
		for _, msg := range f.Chain {
			fmt.Fprintf(&b, "  %s %s\n", p.s.muted.Render("caused by"), msg)
		}
	}

	p.println(p.s.box.Render(strings.TrimRight(b.String(), "\n")))
}

// Artifact prints the scalar fields of a stage artifact, sorted by name.
func (p *Printer) Artifact(stage string, a *capability.Artifact) {
	if a == nil {
		return
	}
	p.println(p.s.title.Render(stage))
	keys := make([]string, 0, len(a.Fields))
	for k, v := range a.Fields {
		switch v.(type) {
		case string, float64, int, bool:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.printf("  %-20s %v\n", k, a.Fields[k])
	}
	for _, k := range []string{"missing_elements", "recommendations"} {
		if items := a.Strings(k); len(items) > 0 {
			p.printf("  %s\n", k)
			for _, item := range items {
				p.printf("    - %s\n", item)
			}
		}
	}
}

// StageStat is the timing of one stage across all its attempts.
type StageStat struct {
	Name     string
	Attempts int
	Retries  int
	Reworks  int
	Elapsed  time.Duration
	Average  time.Duration
}

// Stats summarizes where the time of a run went.
type Stats struct {
	Stages   []StageStat
	Attempts int
	Retries  int
	Reworks  int
	Elapsed  time.Duration
	Slowest  string
	Wall     time.Duration
}

// NewStats computes per-stage statistics for v. Retries count attempts beyond the
// first of each entry-cycle.
func NewStats(v *scheduler.View) Stats {
	st := Stats{Wall: v.Duration()}
	var slowest time.Duration
	for _, sv := range v.Stages {
		s := StageStat{
			Name:     sv.Name,
			Attempts: sv.TotalAttempts,
			Reworks:  sv.Reworks,
			Elapsed:  sv.Elapsed,
		}
		if sv.TotalAttempts > sv.Entries {
			s.Retries = sv.TotalAttempts - sv.Entries
		}
		if sv.TotalAttempts > 0 {
			s.Average = sv.Elapsed / time.Duration(sv.TotalAttempts)
		}
		st.Stages = append(st.Stages, s)
		st.Attempts += s.Attempts
		st.Retries += s.Retries
		st.Reworks += s.Reworks
		st.Elapsed += s.Elapsed
		if s.Elapsed > slowest {
			slowest, st.Slowest = s.Elapsed, s.Name
		}
	}
	return st
}

// Statistics prints the per-stage timing table of v.
func (p *Printer) Statistics(v *scheduler.View) {
	st := NewStats(v)
	p.println(p.s.title.Render("Stage statistics"))
	p.println(p.s.label.Render(fmt.Sprintf("  %-16s %8s %8s %8s %10s %10s",
		"stage", "attempts", "retries", "reworks", "total", "average")))
	for _, s := range st.Stages {
		line := fmt.Sprintf("  %-16s %8d %8d %8d %10s %10s",
			s.Name, s.Attempts, s.Retries, s.Reworks, formatDuration(s.Elapsed), formatDuration(s.Average))
		if s.Name == st.Slowest {
			line = p.s.warning.Render(line)
		}
		p.println(line)
	}
	p.println(p.s.muted.Render(fmt.Sprintf("  %-16s %8d %8d %8d %10s",
		"total", st.Attempts, st.Retries, st.Reworks, formatDuration(st.Elapsed))))
	if st.Wall > 0 {
		p.printf("  wall time %s\n", formatDuration(st.Wall))
	}
}

// Graph draws the pipeline as dependency levels, followed by the rework edge.
func (p *Printer) Graph(g *graph.Graph) {
	p.println(p.s.title.Render(fmt.Sprintf("Pipeline (%d stages)", g.Len())))

	depth := make(map[string]int, g.Len())
	var levels [][]graph.Stage
	for _, st := range g.Stages() {
		d := 0
		for _, up := range st.Upstream {
			d = max(d, depth[up]+1)
		}
		depth[st.Name] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], st)
	}

	for i, level := range levels {
		for j, st := range level {
			num := "  "
			if j == 0 {
				num = fmt.Sprintf("%d.", i+1)
			}
			name := st.Name
			if g.IsGate(st.Name) {
				name += " [gate]"
			}
			line := fmt.Sprintf("  %s %-24s", num, name)
			if len(st.Upstream) > 0 {
				line += p.s.muted.Render("← " + strings.Join(st.Upstream, ", "))
			}
			p.println(line)
			p.println(p.s.muted.Render(fmt.Sprintf("       attempts %d, rework %d%s",
				st.MaxAttempts, st.MaxRework, timeoutText(st.Timeout))))
		}
	}

	if rw := g.Rework(); rw != nil {
		p.println()
		p.println(p.s.warning.Render(fmt.Sprintf("  rework: %s ⟲ %s", rw.From, strings.Join(rw.Targets, ", "))))
	}
}

// RunList prints one line per run.
func (p *Printer) RunList(views []*scheduler.View) {
	if len(views) == 0 {
		p.println(p.s.muted.Render("No runs."))
		return
	}
	for _, v := range views {
		created := ""
		if !v.CreatedAt.IsZero() {
			created = v.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		p.printf("%-36s  %s  %s  %s\n",
			v.RunID,
			p.runStyle(v.Status).Render(fmt.Sprintf("%-9s", v.Status)),
			created,
			p.s.muted.Render(truncate(oneLine(v.Requirements), 50)))
	}
}

func causeText(c *state.Cause) string {
	if c.Message == "" {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

func timeoutText(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return ", timeout " + d.String()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
