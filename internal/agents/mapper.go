package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
	"certflow/internal/graph"
)

// Mapper maps schema attributes onto the catalogued source systems.
//
// PII is protected from the first pass when the schema names a privacy regulation,
// and on any re-entry carrying a pii-unprotected finding.
type Mapper struct{}

func (Mapper) Invoke(ctx context.Context, in capability.Input) (*capability.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var schema Schema
	if err := consume(in, graph.StageSchemaDesign, &schema); err != nil {
		return nil, err
	}
	var cat Catalog
	if err := consume(in, graph.StageSourceCatalog, &cat); err != nil {
		return nil, err
	}

	protect := hasCode(in.Findings, CodePIIUnprotected) ||
		slices.ContainsFunc(schema.Regulations, func(r string) bool { return slices.Contains(privacyRegulations, r) })

	set := Map(schema, cat, protect)
	ctxlog.FromContext(ctx).Debug("mappings generated",
		"mapped", len(set.Mappings), "unmapped", len(set.Unmapped), "protect_pii", protect)
	return produce(set)
}

// Map builds one mapping per schema attribute with a catalogued source.
func Map(schema Schema, cat Catalog, protectPII bool) MappingSet {
	var set MappingSet
	for _, a := range schema.Attributes {
		d, spec, ok := findAttr(a.Entity, a.Name)
		if !ok || d.system == "" || !catalogued(cat, d.system, d.table) {
			set.Unmapped = append(set.Unmapped, a.Ref())
			continue
		}
		m := Mapping{
			SourceSystem:    d.system,
			SourceTable:     d.table,
			SourceAttribute: spec.column,
			TargetEntity:    a.Entity,
			TargetAttribute: a.Name,
			Transformation:  transformation(spec.column, a.Type),
		}
		if protectPII && (a.PII || isPII(a.Name)) {
			m.Transformation = protection(a.Name, spec.column)
		}
		set.Mappings = append(set.Mappings, m)
	}
	return set
}

func catalogued(cat Catalog, system, table string) bool {
	for _, s := range cat.Systems {
		if s.Name == system {
			return slices.Contains(s.Tables, table)
		}
	}
	return false
}

func transformation(column, typ string) string {
	switch upper := strings.ToUpper(typ); {
	case strings.HasPrefix(upper, "DECIMAL"), upper == "INT", upper == "FLOAT",
		upper == "DATE", upper == "TIMESTAMP":
		return fmt.Sprintf("CAST(%s AS %s)", column, upper)
	case upper == "BOOLEAN":
		return fmt.Sprintf("CASE WHEN %s = 'Y' THEN TRUE ELSE FALSE END", column)
	case strings.HasPrefix(upper, "ARRAY"):
		return fmt.Sprintf("SPLIT(%s, ',')", column)
	case strings.HasPrefix(upper, "STRUCT"):
		return fmt.Sprintf("NAMED_STRUCT(%s)", column)
	default:
		return fmt.Sprintf("TRIM(%s)", column)
	}
}

func protection(name, column string) string {
	if strings.Contains(strings.ToLower(name), "card") || strings.Contains(strings.ToLower(name), "national") {
		return fmt.Sprintf("TOKENIZE(%s)", column)
	}
	return fmt.Sprintf("MASK(%s)", column)
}
