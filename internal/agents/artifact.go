package agents

import (
	"encoding/json"
	"fmt"

	"certflow/internal/capability"
)

// Requirements is the structured reading of the requirements text.
type Requirements struct {
	Objective   string   `json:"objective"`
	Domains     []string `json:"domains"`
	Entities    []string `json:"entities"`
	Segments    []string `json:"segments"`
	Regulations []string `json:"regulations"`
	KPIs        []string `json:"kpis"`

	// Requested lists optional attributes (Entity.name) the text asks for
	// beyond a domain's defaults.
	Requested []string `json:"requested,omitempty"`
}

// Attribute is one field of the target schema.
type Attribute struct {
	Entity     string `json:"entity"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	PII        bool   `json:"pii,omitempty"`
	Restricted bool   `json:"restricted,omitempty"`
}

// Ref is the qualified attribute name, Entity.Name.
func (a Attribute) Ref() string {
	return a.Entity + "." + a.Name
}

// Schema is the target data-product schema.
type Schema struct {
	Entities    []string    `json:"entities"`
	Attributes  []Attribute `json:"attributes"`
	Segments    []string    `json:"segments,omitempty"`
	Regulations []string    `json:"regulations,omitempty"`

	// Dropped records attributes removed during rework.
	Dropped []string `json:"dropped,omitempty"`
}

// SourceSystem is one catalogued system of record.
type SourceSystem struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Tables          []string `json:"tables"`
	Domains         []string `json:"domains,omitempty"`
	UpdateFrequency string   `json:"update_frequency"`
	DataQuality     string   `json:"data_quality"`
}

// Catalog lists the systems feeding the data product.
type Catalog struct {
	Systems []SourceSystem `json:"systems"`
}

// Mapping is one source-to-target attribute mapping.
type Mapping struct {
	SourceSystem    string `json:"source_system"`
	SourceTable     string `json:"source_table"`
	SourceAttribute string `json:"source_attribute"`
	TargetEntity    string `json:"target_entity"`
	TargetAttribute string `json:"target_attribute"`
	Transformation  string `json:"transformation"`
}

// Ref is the qualified target name.
func (m Mapping) Ref() string {
	return m.TargetEntity + "." + m.TargetAttribute
}

// MappingSet is the output of the mapping stage.
type MappingSet struct {
	Mappings []Mapping `json:"mappings"`
	Unmapped []string  `json:"unmapped,omitempty"`
}

// Certification is the gate's verdict on an approved data product.
type Certification struct {
	CertificationID  string         `json:"certification_id"`
	Status           string         `json:"status"`
	DataQualityScore int            `json:"data_quality_score"`
	DataCoverage     float64        `json:"data_coverage"`
	PrivacyScore     int            `json:"privacy_score"`
	RegulationScores map[string]int `json:"regulation_scores"`
	MissingElements  []string       `json:"missing_elements,omitempty"`
	Recommendations  []string       `json:"recommendations,omitempty"`
}

// Certification statuses.
const (
	StatusApproved              = "Approved"
	StatusConditionallyApproved = "Conditionally Approved"
)

// produce encodes v as an artifact.
func produce(v any) (*capability.Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, capability.Fatalf("failed to encode artifact: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, capability.Fatalf("failed to encode artifact: %w", err)
	}
	return capability.NewArtifact(fields)
}

// Decode reads an artifact into v.
func Decode(a *capability.Artifact, v any) error {
	if a == nil {
		return fmt.Errorf("no artifact")
	}
	data, err := json.Marshal(a.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// consume decodes the upstream artifact of stage into v. A missing or
// malformed artifact is a fatal error.
func consume(in capability.Input, stage string, v any) error {
	a, ok := in.Upstream[stage]
	if !ok || a == nil {
		return capability.Fatalf("missing upstream artifact from %s", stage)
	}
	if err := Decode(a, v); err != nil {
		return capability.Fatalf("malformed artifact from %s: %w", stage, err)
	}
	return nil
}
