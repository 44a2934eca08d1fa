// Package agents provides the builtin stage capabilities of the data-product
// pipeline and the resolver that maps a stage and capability kind to an
// implementation.
//
// The builtin capabilities are deterministic and rule based. They cover a retail
// banking Customer-360 domain:
//   - [UseCase] reads the requirements text
//   - [DataDesigner] designs the target schema
//   - [SourceSystems] catalogues the systems of record
//   - [Mapper] maps schema attributes onto those systems
//   - [Certifier] is the certification gate
package agents

import (
	"errors"
	"fmt"

	"certflow/internal/capability"
	"certflow/internal/graph"
)

// Capability kinds.
const (
	KindBuiltin = graph.DefaultCapabilityKind
	KindClaude  = "claude"
)

var (
	// ErrUnknownKind is returned for a capability kind no factory serves.
	ErrUnknownKind = errors.New("unknown capability kind")

	// ErrNoBuiltin is returned for a stage with no builtin implementation.
	ErrNoBuiltin = errors.New("no builtin capability for stage")
)

// Factory builds the capability of one stage.
type Factory func(stage string) (capability.Capability, error)

// Resolver maps (stage, kind) pairs to capabilities.
type Resolver struct {
	factories map[string]Factory
}

// NewResolver returns a resolver serving the builtin kind.
func NewResolver() *Resolver {
	return &Resolver{factories: map[string]Factory{KindBuiltin: Builtin}}
}

// Register adds or replaces the factory for kind.
func (r *Resolver) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Resolve implements [graph.Resolver].
func (r *Resolver) Resolve(stage, kind string) (capability.Capability, error) {
	if kind == "" {
		kind = KindBuiltin
	}
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(stage)
}

// Builtin returns the builtin capability of stage.
func Builtin(stage string) (capability.Capability, error) {
	switch stage {
	case graph.StageRequirements:
		return UseCase{}, nil
	case graph.StageSchemaDesign:
		return DataDesigner{}, nil
	case graph.StageSourceCatalog:
		return SourceSystems{}, nil
	case graph.StageMapping:
		return Mapper{}, nil
	case graph.StageCertification:
		return Certifier{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoBuiltin, stage)
	}
}
