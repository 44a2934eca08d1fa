package agents

import (
	"context"
	"slices"

	"certflow/internal/capability"
	"certflow/internal/graph"
)

// SourceSystems catalogues the systems of record for the requested domains.
type SourceSystems struct{}

func (SourceSystems) Invoke(ctx context.Context, in capability.Input) (*capability.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var req Requirements
	if err := consume(in, graph.StageRequirements, &req); err != nil {
		return nil, err
	}
	return produce(Catalogue(req))
}

// Catalogue lists the known systems serving req, in domain order. Marketing
// Automation joins when the requirements target customer segments.
func Catalogue(req Requirements) Catalog {
	var cat Catalog
	index := map[string]int{}
	add := func(name, domainName string) {
		i, ok := index[name]
		if !ok {
			sys := knownSystems[name]
			sys.Tables = slices.Clone(sys.Tables)
			cat.Systems = append(cat.Systems, sys)
			i = len(cat.Systems) - 1
			index[name] = i
		}
		if domainName != "" && !slices.Contains(cat.Systems[i].Domains, domainName) {
			cat.Systems[i].Domains = append(cat.Systems[i].Domains, domainName)
		}
	}

	for _, entity := range req.Entities {
		d, ok := findDomain(entity)
		if !ok || d.system == "" {
			continue
		}
		add(d.system, d.name)
	}
	if len(req.Segments) > 0 {
		add(systemMarketing, "segments")
	}
	return cat
}
