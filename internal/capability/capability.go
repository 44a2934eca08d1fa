// Package capability defines the contract every pipeline stage implementation satisfies.
//
// A capability is the pluggable logic behind a stage: it receives the artifacts of the
// stage's declared upstream stages plus run-scoped configuration, and returns either an
// [Artifact] or a classified error. The scheduler never looks inside a capability.
//
// Key types:
//   - [Capability] - the invocation contract
//   - [Input] - everything a stage is allowed to observe
//   - [Artifact] - immutable structured output with a content hash
//   - [TransientError], [ValidationError], [FatalError] - the failure taxonomy
//
// For testing, use [Mock] which implements [Capability] deterministically.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Capability is the contract a stage implementation must satisfy.
//
// Invoke must honor ctx cancellation cooperatively. It returns the produced artifact
// on success; failures should be reported with [Transient], [Validation] or [Fatal]
// so the scheduler can classify them. Unclassified errors are treated as transient.
type Capability interface {
	Invoke(ctx context.Context, in Input) (*Artifact, error)
}

// Idempotency is implemented by capabilities that need to declare whether repeated
// invocations with identical input produce identical artifacts.
//
// Capabilities that do not implement it are assumed idempotent. The scheduler disables
// retries for capabilities reporting false.
type Idempotency interface {
	Idempotent() bool
}

// IsIdempotent reports whether c may be retried safely.
func IsIdempotent(c Capability) bool {
	if i, ok := c.(Idempotency); ok {
		return i.Idempotent()
	}
	return true
}

// Func adapts an ordinary function to the [Capability] interface.
type Func func(ctx context.Context, in Input) (*Artifact, error)

// Invoke calls f(ctx, in).
func (f Func) Invoke(ctx context.Context, in Input) (*Artifact, error) {
	return f(ctx, in)
}

// RunConfig carries run-scoped configuration visible to every stage.
type RunConfig struct {
	// Requirements is the free-form requirements text the run was started with.
	Requirements string `json:"requirements" yaml:"requirements"`

	// Values holds additional run-scoped settings.
	Values map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Input is the context assembled by the scheduler for one stage attempt.
//
// Upstream contains exactly the latest artifacts of the stage's declared upstream
// stages. A stage must not observe anything else.
type Input struct {
	RunID   string
	Stage   string
	Cycle   int
	Attempt int

	Upstream map[string]*Artifact
	Config   RunConfig

	// Findings holds the gate findings addressed to this stage when it is
	// re-entered for rework. Empty on the first entry.
	Findings []Finding
}

// Artifact is the structured output of a successful stage attempt.
//
// Artifacts are immutable once produced and are shared by pointer: callers must not
// modify Fields. Use [NewArtifact] to build one so the hash matches the content.
type Artifact struct {
	Fields map[string]any `json:"fields" yaml:"fields"`
	Hash   string         `json:"hash" yaml:"hash"`
}

// NewArtifact builds an [Artifact] from fields.
//
// The fields are canonicalized through their JSON encoding, which detaches the artifact
// from the caller's maps and slices and makes the content hash independent of map
// iteration order. Values must therefore be JSON-encodable.
func NewArtifact(fields map[string]any) (*Artifact, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact fields: %w", err)
	}

	var canonical map[string]any
	if err := json.Unmarshal(data, &canonical); err != nil {
		return nil, fmt.Errorf("failed to decode artifact fields: %w", err)
	}

	sum := sha256.Sum256(data)
	return &Artifact{
		Fields: canonical,
		Hash:   hex.EncodeToString(sum[:]),
	}, nil
}

// Verify reports whether the hash matches the content. It fails for an artifact
// that was not built with [NewArtifact].
func (a *Artifact) Verify() error {
	if a.Hash == "" {
		return errors.New("artifact has no hash")
	}
	want, err := NewArtifact(a.Fields)
	if err != nil {
		return err
	}
	if want.Hash != a.Hash {
		return fmt.Errorf("artifact hash %s does not match its fields", a.Hash)
	}
	return nil
}

// Field returns the value of a named field.
func (a *Artifact) Field(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.Fields[name]
	return v, ok
}

// String returns the named field if it holds a string, or "".
func (a *Artifact) String(name string) string {
	v, _ := a.Field(name)
	s, _ := v.(string)
	return s
}

// Strings returns the named field as a string slice, skipping non-string elements.
func (a *Artifact) Strings(name string) []string {
	v, _ := a.Field(name)
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
