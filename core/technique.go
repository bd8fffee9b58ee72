package core

import (
	"regexp"
	"strings"
	"time"
)

// techniqueIDPattern matches T1234 and T1234.001 style identifiers
var techniqueIDPattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// tacticIDPattern matches TA0001 style identifiers
var tacticIDPattern = regexp.MustCompile(`^TA\d{4}$`)

// Technique is a MITRE ATT&CK technique or sub-technique
type Technique struct {
	ID                  string    `json:"id"`
	AttackID            string    `json:"technique_id"`
	Name                string    `json:"name"`
	NameRU              string    `json:"name_ru,omitempty"`
	Description         string    `json:"description,omitempty"`
	DescriptionRU       string    `json:"description_ru,omitempty"`
	Platforms           []string  `json:"platforms"`
	DataSources         []string  `json:"data_sources"`
	PermissionsRequired []string  `json:"permissions_required"`
	Version             string    `json:"version,omitempty"`
	Deprecated          bool      `json:"deprecated"`
	Revoked             bool      `json:"revoked"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IsSubTechnique reports whether the technique is a sub-technique
func (t *Technique) IsSubTechnique() bool {
	return IsSubTechniqueID(t.AttackID)
}

// ParentID returns the parent technique ID, or "" for parent techniques
func (t *Technique) ParentID() string {
	return ParentTechniqueID(t.AttackID)
}

// HasPlatform reports whether the technique lists the platform (case-insensitive)
func (t *Technique) HasPlatform(platform string) bool {
	for _, p := range t.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

// DisplayNameRU falls back to the English name when no translation exists
func (t *Technique) DisplayNameRU() string {
	if t.NameRU != "" {
		return t.NameRU
	}
	return t.Name
}

// Tactic is a MITRE ATT&CK tactic (a column of the matrix)
type Tactic struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	NameRU        string    `json:"name_ru,omitempty"`
	ShortName     string    `json:"shortname"`
	Description   string    `json:"description,omitempty"`
	DescriptionRU string    `json:"description_ru,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TacticLink associates a technique (by ATT&CK ID) with a tactic (by TA code)
type TacticLink struct {
	TechniqueID string `json:"technique_id"`
	TacticID    string `json:"tactic_id"`
}

// IsSubTechniqueID reports whether id names a sub-technique
func IsSubTechniqueID(id string) bool {
	return strings.Contains(id, ".")
}

// ParentTechniqueID returns the prefix before the first dot, or "" when id is a parent
func ParentTechniqueID(id string) string {
	if i := strings.Index(id, "."); i > 0 {
		return id[:i]
	}
	return ""
}

// ValidTechniqueID reports whether id is a well-formed ATT&CK technique ID
func ValidTechniqueID(id string) bool {
	return techniqueIDPattern.MatchString(id)
}

// ValidTacticID reports whether id is a well-formed ATT&CK tactic ID
func ValidTacticID(id string) bool {
	return tacticIDPattern.MatchString(id)
}

// NormalizeTechniqueID upper-cases and trims a user supplied technique ID
func NormalizeTechniqueID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
