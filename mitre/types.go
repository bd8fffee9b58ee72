package mitre

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"attackmatrix/core"
)

const (
	stixTypeAttackPattern = "attack-pattern"
	stixTypeTactic        = "x-mitre-tactic"
	sourceMitreAttack     = "mitre-attack"
)

// ExternalReference represents a reference to an external source
type ExternalReference struct {
	SourceName  string `json:"source_name"`
	ExternalID  string `json:"external_id,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// KillChainPhase represents a phase in the MITRE ATT&CK kill chain
type KillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"` // tactic slug
}

// AttackPattern is a STIX attack-pattern (technique or sub-technique)
type AttackPattern struct {
	Type                 string              `json:"type"`
	ID                   string              `json:"id"`
	Created              time.Time           `json:"created"`
	Modified             time.Time           `json:"modified"`
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	ExternalReferences   []ExternalReference `json:"external_references"`
	KillChainPhases      []KillChainPhase    `json:"kill_chain_phases"`
	Revoked              bool                `json:"revoked,omitempty"`
	Deprecated           bool                `json:"x_mitre_deprecated,omitempty"`
	XMitreIsSubTechnique bool                `json:"x_mitre_is_subtechnique,omitempty"`
	Platforms            []string            `json:"x_mitre_platforms,omitempty"`
	Version              string              `json:"x_mitre_version,omitempty"`
	DataSources          []string            `json:"x_mitre_data_sources,omitempty"`
	PermissionsRequired  []string            `json:"x_mitre_permissions_required,omitempty"`
}

// STIXTactic is a STIX x-mitre-tactic object
type STIXTactic struct {
	Type               string              `json:"type"`
	ID                 string              `json:"id"`
	Created            time.Time           `json:"created"`
	Modified           time.Time           `json:"modified"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	ExternalReferences []ExternalReference `json:"external_references"`
	ShortName          string              `json:"x_mitre_shortname"`
	Deprecated         bool                `json:"x_mitre_deprecated,omitempty"`
}

// Framework is the subset of an enterprise ATT&CK bundle the knowledge base stores
type Framework struct {
	BundleID   string
	Techniques []AttackPattern
	Tactics    []STIXTactic
}

func attackExternalID(refs []ExternalReference) string {
	for _, ref := range refs {
		if ref.SourceName == sourceMitreAttack && ref.ExternalID != "" {
			return ref.ExternalID
		}
	}
	return ""
}

// TechniqueID returns the ATT&CK ID (e.g. "T1055.011") from the external references
func (ap *AttackPattern) TechniqueID() string {
	return attackExternalID(ap.ExternalReferences)
}

// TacticSlugs returns the mitre-attack kill chain phase names of the technique
func (ap *AttackPattern) TacticSlugs() []string {
	slugs := make([]string, 0, len(ap.KillChainPhases))
	for _, kc := range ap.KillChainPhases {
		if kc.KillChainName == sourceMitreAttack {
			slugs = append(slugs, kc.PhaseName)
		}
	}
	return slugs
}

// IsSubTechnique checks the explicit flag and the ID shape
func (ap *AttackPattern) IsSubTechnique() bool {
	return ap.XMitreIsSubTechnique || core.IsSubTechniqueID(ap.TechniqueID())
}

// Validate checks the fields the importer relies on
func (ap *AttackPattern) Validate() error {
	if ap.ID == "" {
		return fmt.Errorf("attack pattern missing ID")
	}
	if ap.Name == "" {
		return fmt.Errorf("attack pattern %s missing name", ap.ID)
	}
	if !core.ValidTechniqueID(ap.TechniqueID()) {
		return fmt.Errorf("attack pattern %s has invalid technique ID %q", ap.ID, ap.TechniqueID())
	}
	return nil
}

// ToCore converts the STIX object into a knowledge base technique
func (ap *AttackPattern) ToCore() core.Technique {
	return core.Technique{
		AttackID:            ap.TechniqueID(),
		Name:                strings.TrimSpace(ap.Name),
		Description:         ap.Description,
		Platforms:           nonNil(ap.Platforms),
		DataSources:         nonNil(ap.DataSources),
		PermissionsRequired: nonNil(ap.PermissionsRequired),
		Version:             ap.Version,
		Deprecated:          ap.Deprecated,
		Revoked:             ap.Revoked,
		CreatedAt:           ap.Created,
		UpdatedAt:           ap.Modified,
	}
}

// TacticID returns the ATT&CK tactic code (e.g. "TA0006")
func (t *STIXTactic) TacticID() string {
	return attackExternalID(t.ExternalReferences)
}

// Validate checks the fields the importer relies on
func (t *STIXTactic) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tactic missing ID")
	}
	if t.Name == "" {
		return fmt.Errorf("tactic %s missing name", t.ID)
	}
	if t.ShortName == "" {
		return fmt.Errorf("tactic %s missing short name", t.ID)
	}
	if !core.ValidTacticID(t.TacticID()) {
		return fmt.Errorf("tactic %s has invalid tactic ID %q", t.ID, t.TacticID())
	}
	return nil
}

// ToCore converts the STIX object into a knowledge base tactic
func (t *STIXTactic) ToCore() core.Tactic {
	return core.Tactic{
		ID:          t.TacticID(),
		Name:        t.Name,
		ShortName:   t.ShortName,
		Description: t.Description,
		CreatedAt:   t.Created,
		UpdatedAt:   t.Modified,
	}
}

// parseSTIXObject decodes a raw bundle object. Types the knowledge base does not
// store yield nil.
func parseSTIXObject(objType string, raw json.RawMessage) (interface{}, error) {
	switch objType {
	case stixTypeAttackPattern:
		var ap AttackPattern
		if err := json.Unmarshal(raw, &ap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attack pattern: %w", err)
		}
		return ap, nil
	case stixTypeTactic:
		var tactic STIXTactic
		if err := json.Unmarshal(raw, &tactic); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tactic: %w", err)
		}
		return tactic, nil
	default:
		return nil, nil
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
