// Package graph models the fixed dependency DAG of pipeline stages.
//
// A [Graph] is validated once by [New] and is read-only afterwards, so a single
// instance is shared by every run. The only cycle the model admits is the designated
// [Rework] edge from the gate stage back to selected upstream stages; it is kept apart
// from the dependency edges and bounded per stage by [Stage.MaxRework].
//
// Key types:
//   - [Stage] - a named unit of work bound to a capability and its upstream stages
//   - [Graph] - the validated, immutable DAG
//   - [Rework] - the gate's rework edge
//
// [DataProduct] builds the canonical requirements-to-certification pipeline and
// [LoadFile] reads a pipeline definition from an HCL file.
package graph

import (
	"slices"
	"sort"
	"time"

	"certflow/internal/capability"
)

const (
	// DefaultMaxAttempts is used when a stage leaves MaxAttempts at zero.
	DefaultMaxAttempts = 3

	// DefaultMaxRework is used when a stage leaves MaxRework at zero.
	DefaultMaxRework = 1

	// NoRework passed as MaxRework forbids re-entering the stage: a gate rejection
	// addressed to it fails the run.
	NoRework = -1
)

// Stage binds a capability to its declared upstream dependencies and limits.
type Stage struct {
	// Name uniquely identifies the stage within the graph.
	Name string

	// Upstream lists, in order, the stages whose artifacts this stage consumes.
	Upstream []string

	// Capability is the stage implementation.
	Capability capability.Capability

	// MaxRework bounds how many times the stage may be re-entered by rework.
	// Zero means [DefaultMaxRework] and [NoRework] means none. A built [Graph]
	// holds the resolved bound, so its stages never carry either sentinel.
	MaxRework int

	// MaxAttempts bounds attempts per entry-cycle. Zero means [DefaultMaxAttempts].
	MaxAttempts int

	// Timeout bounds one capability call. Zero defers to the scheduler default.
	Timeout time.Duration

	// NonIdempotent disables retries regardless of what the capability declares.
	NonIdempotent bool
}

// Idempotent reports whether attempts of this stage may be retried.
func (s Stage) Idempotent() bool {
	return !s.NonIdempotent && capability.IsIdempotent(s.Capability)
}

// Rework is the designated edge from a gate stage back to upstream stages.
type Rework struct {
	// From is the gate stage whose rejections trigger rework.
	From string

	// Targets are the stages the gate may send back for rework.
	Targets []string
}

// Graph is a validated, immutable workflow graph.
type Graph struct {
	entry      string
	stages     map[string]*Stage
	order      []string
	downstream map[string][]string
	rework     *Rework
}

// Entry returns the name of the entry stage.
func (g *Graph) Entry() string {
	return g.entry
}

// Stage returns a copy of the named stage.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.stages[name]
	if !ok {
		return Stage{}, false
	}
	out := *s
	out.Upstream = slices.Clone(s.Upstream)
	return out, true
}

// Stages returns copies of all stages in topological order, ties broken by name.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, 0, len(g.order))
	for _, name := range g.order {
		s, _ := g.Stage(name)
		out = append(out, s)
	}
	return out
}

// Names returns stage names in topological order.
func (g *Graph) Names() []string {
	return slices.Clone(g.order)
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.order)
}

// Downstream returns the stages that directly depend on name, sorted.
func (g *Graph) Downstream(name string) []string {
	return slices.Clone(g.downstream[name])
}

// Descendants returns the given stages and everything transitively downstream of
// them, in topological order. Unknown names are ignored.
func (g *Graph) Descendants(names ...string) []string {
	seen := make(map[string]bool)
	queue := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := g.stages[n]; ok && !seen[n] {
			seen[n] = true
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.downstream[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Rework returns a copy of the rework edge, or nil if the graph has none.
func (g *Graph) Rework() *Rework {
	if g.rework == nil {
		return nil
	}
	return &Rework{From: g.rework.From, Targets: slices.Clone(g.rework.Targets)}
}

// IsGate reports whether name is the rework source.
func (g *Graph) IsGate(name string) bool {
	return g.rework != nil && g.rework.From == name
}

// IsReworkTarget reports whether the gate may send name back for rework.
func (g *Graph) IsReworkTarget(name string) bool {
	return g.rework != nil && slices.Contains(g.rework.Targets, name)
}

// New validates the stages and returns an immutable [Graph].
//
// It returns a [*GraphError] if a stage references an unknown upstream, the
// dependency edges contain a cycle, a stage is unreachable from entry, or the rework
// edge does not point from the gate back to one of its ancestors. Zero MaxAttempts
// and MaxRework are replaced with their defaults.
func New(entry string, stages []Stage, rework *Rework) (*Graph, error) {
	if entry == "" {
		return nil, invalidf("entry stage is required")
	}
	if len(stages) == 0 {
		return nil, invalidf("no stages")
	}

	g := &Graph{
		entry:      entry,
		stages:     make(map[string]*Stage, len(stages)),
		downstream: make(map[string][]string, len(stages)),
	}

	for i := range stages {
		s := stages[i]
		switch {
		case s.Name == "":
			return nil, invalidf("stage %d has no name", i)
		case g.stages[s.Name] != nil:
			return nil, invalidf("duplicate stage %q", s.Name)
		case s.Capability == nil:
			return nil, invalidf("stage %q has no capability", s.Name)
		case s.MaxAttempts < 0:
			return nil, invalidf("stage %q: max attempts must not be negative", s.Name)
		case s.MaxRework < NoRework:
			return nil, invalidf("stage %q: max rework must not be negative", s.Name)
		case s.Timeout < 0:
			return nil, invalidf("stage %q: timeout must not be negative", s.Name)
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = DefaultMaxAttempts
		}
		switch s.MaxRework {
		case 0:
			s.MaxRework = DefaultMaxRework
		case NoRework:
			s.MaxRework = 0
		}
		s.Upstream = slices.Clone(s.Upstream)
		g.stages[s.Name] = &s
	}

	if _, ok := g.stages[entry]; !ok {
		return nil, invalidf("entry stage %q is not defined", entry)
	}
	if len(g.stages[entry].Upstream) > 0 {
		return nil, invalidf("entry stage %q must not declare upstream stages", entry)
	}

	for _, s := range stages {
		seen := make(map[string]bool, len(s.Upstream))
		for _, up := range s.Upstream {
			if _, ok := g.stages[up]; !ok {
				return nil, unknownUpstreamf("stage %q depends on %q", s.Name, up)
			}
			if seen[up] {
				return nil, invalidf("stage %q lists upstream %q twice", s.Name, up)
			}
			seen[up] = true
			g.downstream[up] = append(g.downstream[up], s.Name)
		}
	}
	for name := range g.downstream {
		sort.Strings(g.downstream[name])
	}

	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	if err := g.validateReachable(); err != nil {
		return nil, err
	}

	if rework != nil {
		if err := g.setRework(*rework); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (g *Graph) setRework(r Rework) error {
	if _, ok := g.stages[r.From]; !ok {
		return invalidf("rework source %q is not defined", r.From)
	}
	if len(r.Targets) == 0 {
		return invalidf("rework edge from %q has no targets", r.From)
	}

	ancestors := g.ancestors(r.From)
	seen := make(map[string]bool, len(r.Targets))
	for _, t := range r.Targets {
		if _, ok := g.stages[t]; !ok {
			return invalidf("rework target %q is not defined", t)
		}
		if !ancestors[t] {
			return invalidf("rework target %q is not upstream of %q", t, r.From)
		}
		if seen[t] {
			return invalidf("rework target %q listed twice", t)
		}
		seen[t] = true
	}

	g.rework = &Rework{From: r.From, Targets: slices.Clone(r.Targets)}
	return nil
}

func (g *Graph) ancestors(name string) map[string]bool {
	out := make(map[string]bool)
	stack := slices.Clone(g.stages[name].Upstream)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[cur] {
			continue
		}
		out[cur] = true
		stack = append(stack, g.stages[cur].Upstream...)
	}
	return out
}

// topoOrder is Kahn's algorithm with a name-sorted ready set for determinism.
func (g *Graph) topoOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.stages))
	for name, s := range g.stages {
		indeg[name] = len(s.Upstream)
	}

	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.stages))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, d := range g.downstream[cur] {
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}

	if len(order) != len(g.stages) {
		return nil, cycleError(g.findCycle())
	}
	return order, nil
}

// findCycle returns one cycle witness as a path of stage names.
func (g *Graph) findCycle() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(names))
	var stack []string
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.downstream[u] {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				i := slices.Index(stack, v)
				cycle = append(slices.Clone(stack[i:]), v)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for _, n := range names {
		if color[n] == white && dfs(n) {
			break
		}
	}
	return cycle
}

func (g *Graph) validateReachable() error {
	reached := make(map[string]bool, len(g.stages))
	for _, n := range g.Descendants(g.entry) {
		reached[n] = true
	}

	var missing []string
	for _, n := range g.order {
		if !reached[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return unreachable(missing)
	}
	return nil
}
