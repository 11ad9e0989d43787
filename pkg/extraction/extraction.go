// Package extraction is the boundary to the extraction model. The model
// itself lives outside the kernel; what crosses the boundary is a
// schema-tagged proposal, and nothing downstream trusts the tag. Every
// payload is re-validated against the current schema at the moment of
// use, cache hits included, so a schema bump invalidates old shapes
// instead of letting them leak into drafts.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lexfabric/canon/pkg/evidence"
	"github.com/lexfabric/canon/pkg/rule"
)

// Quote anchors a proposal to a span of a stored evidence document.
type Quote struct {
	EvidenceID string  `json:"evidence_id"`
	ExactQuote string  `json:"exact_quote"`
	Confidence float64 `json:"confidence"`
}

// Proposal is one candidate rule as the extraction model shapes it.
type Proposal struct {
	ConceptSlug     string              `json:"concept_slug"`
	RiskTier        rule.RiskTier       `json:"risk_tier"`
	Authority       rule.AuthorityLevel `json:"authority"`
	SourceHierarchy int                 `json:"source_hierarchy"`
	Source          string              `json:"source,omitempty"`
	Value           string              `json:"value"`
	ValueType       rule.ValueType      `json:"value_type"`
	AppliesWhen     string              `json:"applies_when,omitempty"`
	EffectiveFrom   time.Time           `json:"effective_from"`
	EffectiveUntil  *time.Time          `json:"effective_until,omitempty"`
	Confidence      float64             `json:"confidence"`
	Quotes          []Quote             `json:"quotes"`
}

// Extractor produces proposals from an evidence document. Implementations
// call the extraction model; the kernel only consumes the result.
type Extractor interface {
	Extract(ctx context.Context, doc *evidence.Document) ([]Proposal, error)
}

// Tagged wraps a proposal payload with the schema version it was
// produced under. The tag is provenance, not authorization: admission
// always validates against the current schema.
type Tagged struct {
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// SchemaVersionV1 is the current proposal schema version.
const SchemaVersionV1 = "v1"

// ProposalSchemaV1 is the wire contract for extraction proposals.
const ProposalSchemaV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "concept_slug", "risk_tier", "authority", "source_hierarchy",
    "value", "value_type", "effective_from", "confidence", "quotes"
  ],
  "additionalProperties": false,
  "properties": {
    "concept_slug": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9.-]*$"},
    "risk_tier": {"enum": ["T0", "T1", "T2", "T3"]},
    "authority": {"enum": ["LAW", "GUIDANCE", "PROCEDURE", "PRACTICE"]},
    "source_hierarchy": {"type": "integer", "minimum": 0, "maximum": 7},
    "source": {"type": "string"},
    "value": {"type": "string", "minLength": 1},
    "value_type": {"enum": ["string", "number", "boolean", "duration", "date", "json"]},
    "applies_when": {"type": "string"},
    "effective_from": {"type": "string", "format": "date-time"},
    "effective_until": {"type": "string", "format": "date-time"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "quotes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["evidence_id", "exact_quote", "confidence"],
        "additionalProperties": false,
        "properties": {
          "evidence_id": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
          "exact_quote": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

// SchemaGate holds the current compiled proposal schema. One gate is
// shared by intake and the cache so both admit against the same version.
type SchemaGate struct {
	version string
	schema  *jsonschema.Schema
}

// NewSchemaGate compiles the schema. Most callers pass SchemaVersionV1
// and ProposalSchemaV1.
func NewSchemaGate(version, schemaJSON string) (*SchemaGate, error) {
	if version == "" {
		return nil, fmt.Errorf("extraction: schema version must not be empty")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := fmt.Sprintf("https://canon.schemas.local/extraction/proposal-%s.schema.json", version)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("extraction: schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("extraction: schema compile failed: %w", err)
	}
	return &SchemaGate{version: version, schema: compiled}, nil
}

// Version is the schema version admissions are checked against.
func (g *SchemaGate) Version() string {
	return g.version
}

// Admit validates the tagged payload against the current schema and
// decodes it. The producer's version tag is reported on failure but
// grants nothing.
func (g *SchemaGate) Admit(t Tagged) (*Proposal, error) {
	var v any
	if err := json.Unmarshal(t.Payload, &v); err != nil {
		return nil, fmt.Errorf("extraction: payload is not JSON: %w", err)
	}
	if err := g.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("extraction: proposal tagged %s rejected by schema %s: %w",
			t.SchemaVersion, g.version, err)
	}
	var p Proposal
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("extraction: decode proposal: %w", err)
	}
	return &p, nil
}

// Tag wraps a proposal for transport or caching under the current
// schema version.
func (g *SchemaGate) Tag(p *Proposal) (Tagged, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Tagged{}, fmt.Errorf("extraction: encode proposal: %w", err)
	}
	return Tagged{SchemaVersion: g.version, Payload: raw}, nil
}
