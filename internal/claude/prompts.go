package claude

import "certflow/internal/graph"

const upstreamBlock = `{{range $name := .UpstreamNames}}
{{$name}} artifact:
{{index $.Upstream $name}}
{{end}}{{if .Findings}}
The certification gate rejected the previous version. Address these findings:
{{range .Findings}}- {{.}}
{{end}}{{end}}`

// DefaultPrompts are the prompt templates used when a stage configures none.
var DefaultPrompts = map[string]string{
	graph.StageRequirements: `You are a banking domain expert interpreting Customer 360 requirements.

REQUIREMENTS:
{{.Requirements}}

Respond only with a JSON object with these keys: "objective", "domains", "entities",
"segments", "regulations", "kpis".`,

	graph.StageSchemaDesign: `You are a data designer for retail banking Customer 360 views.
Design the target schema for the requirements below.
` + upstreamBlock + `
Respond only with a JSON object with keys "entities" and "attributes"; every attribute has
"entity", "name", "type" and a boolean "pii".`,

	graph.StageSourceCatalog: `You are a banking data systems expert. Identify the source systems
(core banking, CRM, digital, cards, credit risk, fraud, KYC/AML) that hold the data below.
` + upstreamBlock + `
Respond only with a JSON object {"systems": [{"name", "description", "tables",
"update_frequency", "data_quality"}]}.`,

	graph.StageMapping: `You are a data mapping expert for banking. Map every schema attribute to a
source system table and column with transformation logic. PII must be masked, hashed,
encrypted, redacted or tokenized.
` + upstreamBlock + `
Respond only with a JSON object {"mappings": [{"source_system", "source_table",
"source_attribute", "target_entity", "target_attribute", "transformation"}],
"unmapped": []}.`,

	graph.StageCertification: `You are a data governance and compliance expert for banking.
Certify this Customer 360 data product against GDPR, CCPA, GLBA and PCI DSS, checking
mapping coverage and PII protection.
` + upstreamBlock + `
Respond only with a JSON object with "status" set to "Approved", "Rejected" or "Violation".
When rejecting, list "findings" as objects {"stage", "code", "message"} where stage is
"mapping" or "schema_design", whichever must change. Use "Violation" with a "reason" only
for problems no redesign can fix.`,
}
