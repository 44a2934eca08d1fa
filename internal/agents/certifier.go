package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
	"certflow/internal/graph"
)

// MinCoverage is the share of schema attributes, in percent, that must be mapped.
const MinCoverage = 80.0

// Certifier is the certification gate. It approves the data product, rejects it
// with findings addressed to mapping or schema_design, or reports a violation no
// rework can fix.
type Certifier struct{}

func (Certifier) Invoke(ctx context.Context, in capability.Input) (*capability.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var schema Schema
	if err := consume(in, graph.StageSchemaDesign, &schema); err != nil {
		return nil, err
	}
	var set MappingSet
	if err := consume(in, graph.StageMapping, &set); err != nil {
		return nil, err
	}

	cert, findings, err := Certify(schema, set)
	if err != nil {
		return nil, err
	}
	log := ctxlog.FromContext(ctx)
	if len(findings) > 0 {
		log.Info("data product rejected", "findings", len(findings))
		return nil, capability.Validation(findings...)
	}

	cert.CertificationID = certificationID(in)
	log.Info("data product certified", "status", cert.Status, "coverage", cert.DataCoverage)
	return produce(cert)
}

// Certify checks a schema and its mappings. A restricted attribute is a fatal
// violation; coverage and privacy gaps come back as findings.
func Certify(schema Schema, set MappingSet) (Certification, []capability.Finding, error) {
	for _, a := range schema.Attributes {
		if a.Restricted {
			return Certification{}, nil, capability.Fatalf(
				"%s must never be stored in a data product (PCI DSS)", a.Ref())
		}
	}

	var findings []capability.Finding
	if len(set.Mappings) == 0 {
		findings = append(findings, capability.Finding{
			Stage:   graph.StageMapping,
			Code:    CodeNoMappings,
			Message: "no source-to-target mappings were produced",
		})
	}

	attrs := make(map[string]Attribute, len(schema.Attributes))
	for _, a := range schema.Attributes {
		attrs[a.Ref()] = a
	}

	mapped := map[string]bool{}
	var piiTotal, piiProtected, cardTotal, cardProtected int
	for _, m := range set.Mappings {
		a, ok := attrs[m.Ref()]
		if !ok {
			findings = append(findings, capability.Finding{
				Stage:   graph.StageMapping,
				Code:    CodeUnknownTarget,
				Message: fmt.Sprintf("%s is not part of the schema", m.Ref()),
			})
			continue
		}
		mapped[m.Ref()] = true
		if !a.PII && !isPII(a.Name) {
			continue
		}

		card := strings.Contains(strings.ToLower(a.Name), "card")
		piiTotal++
		if card {
			cardTotal++
		}
		if isProtected(m.Transformation) {
			piiProtected++
			if card {
				cardProtected++
			}
			continue
		}
		findings = append(findings, capability.Finding{
			Stage:   graph.StageMapping,
			Code:    CodePIIUnprotected,
			Message: fmt.Sprintf("%s carries PII without masking or tokenization", m.Ref()),
		})
	}

	var missing []string
	for _, a := range schema.Attributes {
		if !mapped[a.Ref()] {
			missing = append(missing, a.Ref())
		}
	}
	coverage := 100.0
	if len(schema.Attributes) > 0 {
		coverage = round2(float64(len(mapped)) / float64(len(schema.Attributes)) * 100)
	}
	if coverage < MinCoverage {
		findings = append(findings, capability.Finding{
			Stage: graph.StageSchemaDesign,
			Code:  CodeCoverage,
			Message: fmt.Sprintf("mapping coverage %.2f%% is below %.0f%%; unsourced: %s",
				coverage, MinCoverage, strings.Join(missing, ", ")),
		})
	}
	if len(findings) > 0 {
		return Certification{}, findings, nil
	}

	privacy := percent(piiProtected, piiTotal)
	cert := Certification{
		Status:           StatusApproved,
		DataCoverage:     coverage,
		PrivacyScore:     privacy,
		DataQualityScore: int(math.Round((coverage + float64(privacy)) / 2)),
		RegulationScores: map[string]int{},
		MissingElements:  missing,
	}
	for _, r := range applicableRegulations(schema, piiTotal > 0, cardTotal > 0) {
		score := privacy
		if r == "PCI DSS" {
			score = percent(cardProtected, cardTotal)
		}
		cert.RegulationScores[r] = score
	}
	if len(missing) > 0 {
		cert.Status = StatusConditionallyApproved
		cert.Recommendations = append(cert.Recommendations,
			fmt.Sprintf("Source the %d unmapped attributes before production use", len(missing)))
	}
	if slices.Contains(schema.Regulations, "GDPR") {
		cert.Recommendations = append(cert.Recommendations,
			"Record the legal basis for processing each personal data attribute")
	}
	return cert, nil, nil
}

// applicableRegulations is the named regulations plus GLBA for any PII and
// PCI DSS for card data.
func applicableRegulations(schema Schema, pii, card bool) []string {
	regs := slices.Clone(schema.Regulations)
	if pii && !slices.Contains(regs, "GLBA") {
		regs = append(regs, "GLBA")
	}
	if card && !slices.Contains(regs, "PCI DSS") {
		regs = append(regs, "PCI DSS")
	}
	slices.Sort(regs)
	return regs
}

func certificationID(in capability.Input) string {
	h := sha256.New()
	for _, stage := range []string{graph.StageSchemaDesign, graph.StageMapping} {
		if a := in.Upstream[stage]; a != nil {
			h.Write([]byte(a.Hash))
		}
	}
	return "CERT-" + strings.ToUpper(hex.EncodeToString(h.Sum(nil))[:8])
}

func percent(n, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
