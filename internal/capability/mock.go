package capability

import (
	"context"
	"sync"
)

// Mock implements [Capability] for testing without real stage logic.
//
// Each call consumes the next entry of Results; when Results is exhausted the last
// entry is repeated. A nil Results produces an artifact echoing the stage name and the
// hashes of the upstream artifacts, which is deterministic for identical input.
//
//	mock := &Mock{Results: []Result{
//	    {Err: Transientf("backend unavailable")},
//	    {Fields: map[string]any{"ok": true}},
//	}}
type Mock struct {
	// Results are returned in order, one per invocation.
	Results []Result

	// Block, when set, makes Invoke wait until the channel is closed or ctx ends.
	Block chan struct{}

	// IgnoreCancel makes a blocked Invoke wait for Block only, ignoring ctx.
	IgnoreCancel bool

	// NonIdempotent makes [Mock.Idempotent] report false.
	NonIdempotent bool

	// OnInvoke, when set, is called at the start of each invocation.
	OnInvoke func(in Input)

	mu     sync.Mutex
	inputs []Input
}

// Result is one scripted outcome of a [Mock] invocation.
type Result struct {
	Fields map[string]any
	Err    error
}

// Invoke records the input and returns the next scripted result.
func (m *Mock) Invoke(ctx context.Context, in Input) (*Artifact, error) {
	m.mu.Lock()
	call := len(m.inputs)
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()

	if m.OnInvoke != nil {
		m.OnInvoke(in)
	}

	if m.Block != nil {
		if m.IgnoreCancel {
			<-m.Block
		} else {
			select {
			case <-m.Block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if len(m.Results) == 0 {
		return NewArtifact(echoFields(in))
	}
	r := m.Results[len(m.Results)-1]
	if call < len(m.Results) {
		r = m.Results[call]
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return NewArtifact(r.Fields)
}

// Idempotent reports whether the mock allows retries.
func (m *Mock) Idempotent() bool {
	return !m.NonIdempotent
}

// Calls returns the number of invocations so far.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// Inputs returns a copy of all recorded inputs.
func (m *Mock) Inputs() []Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Input, len(m.inputs))
	copy(out, m.inputs)
	return out
}

func echoFields(in Input) map[string]any {
	upstream := make(map[string]any, len(in.Upstream))
	for name, a := range in.Upstream {
		upstream[name] = a.Hash
	}
	return map[string]any{
		"stage":        in.Stage,
		"requirements": in.Config.Requirements,
		"upstream":     upstream,
	}
}
