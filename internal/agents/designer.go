package agents

import (
	"context"
	"slices"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
	"certflow/internal/graph"
)

// Finding codes raised by the certification gate.
const (
	CodeCoverage       = "coverage"
	CodePIIUnprotected = "pii-unprotected"
	CodeUnknownTarget  = "unknown-target"
	CodeNoMappings     = "no-mappings"
)

// DataDesigner turns the analyzed requirements into a target schema.
//
// When re-entered with a coverage finding it drops every attribute that has no
// known system of record.
type DataDesigner struct{}

func (DataDesigner) Invoke(ctx context.Context, in capability.Input) (*capability.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var req Requirements
	if err := consume(in, graph.StageRequirements, &req); err != nil {
		return nil, err
	}

	schema := Design(req)
	if hasCode(in.Findings, CodeCoverage) {
		schema = dropUnsourced(schema)
		ctxlog.FromContext(ctx).Info("dropped unsourced attributes", "dropped", schema.Dropped)
	}
	return produce(schema)
}

// Design builds the schema for req.
func Design(req Requirements) Schema {
	schema := Schema{
		Segments:    req.Segments,
		Regulations: req.Regulations,
	}
	for _, entity := range req.Entities {
		d, ok := findDomain(entity)
		if !ok {
			continue
		}
		schema.Entities = append(schema.Entities, d.entity)
		for _, a := range d.attributes {
			if len(a.keywords) > 0 && !slices.Contains(req.Requested, d.entity+"."+a.name) {
				continue
			}
			schema.Attributes = append(schema.Attributes, Attribute{
				Entity:     d.entity,
				Name:       a.name,
				Type:       a.typ,
				PII:        a.pii,
				Restricted: a.restricted,
			})
		}
	}
	return schema
}

func dropUnsourced(schema Schema) Schema {
	out := schema
	out.Attributes = nil
	out.Entities = nil
	for _, a := range schema.Attributes {
		if d, _, ok := findAttr(a.Entity, a.Name); ok && d.system != "" {
			out.Attributes = append(out.Attributes, a)
			if !slices.Contains(out.Entities, a.Entity) {
				out.Entities = append(out.Entities, a.Entity)
			}
			continue
		}
		out.Dropped = append(out.Dropped, a.Ref())
	}
	return out
}

func hasCode(findings []capability.Finding, code string) bool {
	return slices.ContainsFunc(findings, func(f capability.Finding) bool { return f.Code == code })
}
