package graph

import (
	"fmt"
	"time"

	"certflow/internal/capability"
)

// Stage names of the data-product pipeline.
const (
	StageRequirements  = "requirements"
	StageSchemaDesign  = "schema_design"
	StageSourceCatalog = "source_catalog"
	StageMapping       = "mapping"
	StageCertification = "certification"
)

// DataProductStages lists the data-product stages in topological order.
var DataProductStages = []string{
	StageRequirements,
	StageSchemaDesign,
	StageSourceCatalog,
	StageMapping,
	StageCertification,
}

// DefaultCapabilityKind is the capability kind used when none is configured.
const DefaultCapabilityKind = "builtin"

// Resolver returns the capability implementing a stage.
//
// kind selects the implementation family (for example "builtin" or "claude").
type Resolver func(stage, kind string) (capability.Capability, error)

// StageSettings are the tunable limits of one stage. Zero limits keep the
// defaults; see [Stage] for [NoRework].
type StageSettings struct {
	Capability    string
	MaxAttempts   int
	MaxRework     int
	Timeout       time.Duration
	NonIdempotent bool
}

// DataProduct builds the canonical data-product pipeline:
//
//	requirements -> {schema_design, source_catalog} -> mapping -> certification
//
// with a rework edge from certification back to mapping and schema_design.
// settings may override limits and capability kinds per stage name.
func DataProduct(resolve Resolver, settings map[string]StageSettings) (*Graph, error) {
	layout := []struct {
		name     string
		upstream []string
	}{
		{StageRequirements, nil},
		{StageSchemaDesign, []string{StageRequirements}},
		{StageSourceCatalog, []string{StageRequirements}},
		{StageMapping, []string{StageSchemaDesign, StageSourceCatalog}},
		{StageCertification, []string{StageSchemaDesign, StageMapping}},
	}

	stages := make([]Stage, 0, len(layout))
	for _, l := range layout {
		st := settings[l.name]
		kind := st.Capability
		if kind == "" {
			kind = DefaultCapabilityKind
		}
		c, err := resolve(l.name, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve capability for %s: %w", l.name, err)
		}
		stages = append(stages, Stage{
			Name:          l.name,
			Upstream:      l.upstream,
			Capability:    c,
			MaxAttempts:   st.MaxAttempts,
			MaxRework:     st.MaxRework,
			Timeout:       st.Timeout,
			NonIdempotent: st.NonIdempotent,
		})
	}

	return New(StageRequirements, stages, &Rework{
		From:    StageCertification,
		Targets: []string{StageMapping, StageSchemaDesign},
	})
}
