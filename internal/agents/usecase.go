package agents

import (
	"context"
	"regexp"
	"strings"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
	"certflow/internal/graph"
)

const maxObjective = 160

var whitespace = regexp.MustCompile(`\s+`)

// UseCase interprets the requirements text: which customer data domains it needs,
// which segments and regulations it names and which KPIs it tracks.
type UseCase struct{}

func (UseCase) Invoke(ctx context.Context, in capability.Input) (*capability.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(whitespace.ReplaceAllString(in.Config.Requirements, " "))
	if raw == "" {
		return nil, capability.Fatalf("requirements text is empty")
	}

	req := Analyze(raw)
	if len(req.Domains) == 1 {
		return nil, capability.Validation(capability.Finding{
			Stage:   graph.StageRequirements,
			Code:    "no-domain",
			Message: "requirements name no customer data domain beyond identity",
		})
	}

	ctxlog.FromContext(ctx).Debug("requirements analyzed",
		"domains", req.Domains, "segments", req.Segments, "regulations", req.Regulations)
	return produce(req)
}

// Analyze extracts the structured requirements from raw text.
func Analyze(raw string) Requirements {
	t := normalize(raw)
	req := Requirements{
		Objective: objective(raw),
		Domains:   []string{customerDomain.name},
		Entities:  []string{customerDomain.entity},
	}

	for _, d := range domains {
		if !t.mentions(d.keywords...) {
			continue
		}
		req.Domains = append(req.Domains, d.name)
		req.Entities = append(req.Entities, d.entity)
		for _, a := range d.attributes {
			if len(a.keywords) > 0 && t.mentions(a.keywords...) {
				req.Requested = append(req.Requested, d.entity+"."+a.name)
			}
		}
	}

	for _, s := range segmentKeywords {
		if t.mentions(s.keywords...) {
			req.Segments = append(req.Segments, s.name)
		}
	}
	for _, r := range regulationKeywords {
		if t.mentions(r.keywords...) {
			req.Regulations = append(req.Regulations, r.name)
		}
	}
	for _, k := range kpiKeywords {
		if t.mentions(k.keywords...) {
			req.KPIs = append(req.KPIs, k.metrics...)
		}
	}
	return req
}

// objective is the first sentence of the text, shortened.
func objective(raw string) string {
	s := raw
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > maxObjective {
		s = s[:maxObjective-3] + "..."
	}
	return s
}
