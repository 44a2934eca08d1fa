package graph

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// definition is the HCL shape of a pipeline definition file:
//
//	entry = "requirements"
//
//	stage "requirements" {
//	  capability = "builtin"
//	}
//
//	stage "mapping" {
//	  depends_on   = ["schema_design", "source_catalog"]
//	  max_attempts = 5
//	  timeout      = "2m"
//	}
//
//	rework {
//	  from    = "certification"
//	  targets = ["mapping"]
//	}
type definition struct {
	Entry  string            `hcl:"entry"`
	Stages []stageDefinition `hcl:"stage,block"`
	Rework *reworkDefinition `hcl:"rework,block"`
}

type stageDefinition struct {
	Name          string   `hcl:"name,label"`
	DependsOn     []string `hcl:"depends_on,optional"`
	Capability    string   `hcl:"capability,optional"`
	MaxAttempts   int      `hcl:"max_attempts,optional"`
	MaxRework     *int     `hcl:"max_rework,optional"`
	Timeout       string   `hcl:"timeout,optional"`
	NonIdempotent bool     `hcl:"non_idempotent,optional"`
}

// maxRework maps an explicit max_rework = 0 to [NoRework]; an omitted attribute
// keeps the default.
func (sd stageDefinition) maxRework() int {
	switch {
	case sd.MaxRework == nil:
		return 0
	case *sd.MaxRework == 0:
		return NoRework
	default:
		return *sd.MaxRework
	}
}

type reworkDefinition struct {
	From    string   `hcl:"from"`
	Targets []string `hcl:"targets"`
}

// LoadFile reads a pipeline definition from an HCL file and builds the [Graph].
func LoadFile(path string, resolve Resolver) (*Graph, error) {
	var def definition
	if err := hclsimple.DecodeFile(path, nil, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition %s: %w", path, err)
	}
	return def.build(resolve)
}

// Parse builds a [Graph] from HCL source. filename is used in diagnostics and
// must end in .hcl.
func Parse(filename string, src []byte, resolve Resolver) (*Graph, error) {
	var def definition
	if err := hclsimple.Decode(filename, src, nil, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition %s: %w", filename, err)
	}
	return def.build(resolve)
}

func (d definition) build(resolve Resolver) (*Graph, error) {
	stages := make([]Stage, 0, len(d.Stages))
	for _, sd := range d.Stages {
		var timeout time.Duration
		if sd.Timeout != "" {
			var err error
			timeout, err = time.ParseDuration(sd.Timeout)
			if err != nil {
				return nil, invalidf("stage %q: invalid timeout %q", sd.Name, sd.Timeout)
			}
		}

		kind := sd.Capability
		if kind == "" {
			kind = DefaultCapabilityKind
		}
		c, err := resolve(sd.Name, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve capability for %s: %w", sd.Name, err)
		}

		stages = append(stages, Stage{
			Name:          sd.Name,
			Upstream:      sd.DependsOn,
			Capability:    c,
			MaxAttempts:   sd.MaxAttempts,
			MaxRework:     sd.maxRework(),
			Timeout:       timeout,
			NonIdempotent: sd.NonIdempotent,
		})
	}

	var rework *Rework
	if d.Rework != nil {
		rework = &Rework{From: d.Rework.From, Targets: d.Rework.Targets}
	}
	return New(d.Entry, stages, rework)
}
