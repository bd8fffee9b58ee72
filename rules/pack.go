// Package rules reads and writes correlation rule packs: YAML or JSON documents
// holding a list of rules, validated against an embedded JSON schema.
package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"attackmatrix/core"
)

//go:embed schema.json
var schemaJSON []byte

var packSchema = gojsonschema.NewBytesLoader(schemaJSON)

// Format is the serialization of a rule pack
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "yaml", "yml" and "json" in any case
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported rule pack format %q", s)
	}
}

// DetectFormat guesses the format from the first non-blank byte
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// Version is a pack version; JSON packs may carry it as a bare number
type Version string

// UnmarshalJSON accepts a string or a number
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Version(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid pack version: %w", err)
	}
	*v = Version(n.String())
	return nil
}

// Pack is a versioned list of rules
type Pack struct {
	Version    Version                `json:"version" yaml:"version"`
	ExportedAt string                 `json:"exported_at,omitempty" yaml:"exported_at,omitempty"`
	Rules      []core.CorrelationRule `json:"rules" yaml:"rules"`
}

// ValidationError carries the schema violations of a rejected pack
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "rule pack failed schema validation: " + strings.Join(e.Problems, "; ")
}

// Parse validates data against the pack schema and decodes it. Imported rules lose
// their IDs and workflow state; defaults are applied.
func Parse(data []byte, format Format) (*Pack, error) {
	document, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	result, err := gojsonschema.Validate(packSchema, gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rule pack against schema: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, &ValidationError{Problems: problems}
	}

	var pack Pack
	if format == FormatYAML {
		err = yaml.Unmarshal(data, &pack)
	} else {
		err = json.Unmarshal(data, &pack)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule pack: %w", err)
	}

	for i := range pack.Rules {
		resetForImport(&pack.Rules[i])
	}
	return &pack, nil
}

// toJSON converts a YAML document to JSON so both formats share one schema
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatJSON {
		if !json.Valid(data) {
			return nil, fmt.Errorf("rule pack is not valid JSON")
		}
		return data, nil
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rule pack: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("rule pack is empty")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML rule pack: %w", err)
	}
	return out, nil
}

func resetForImport(rule *core.CorrelationRule) {
	rule.ID = ""
	rule.WorkflowStatus = ""
	rule.AssigneeID = nil
	rule.TestedByID = nil
	rule.StoppedReason = ""
	rule.DeploymentMRURL = ""
	rule.WorkflowUpdatedAt = nil
	rule.CreatedBy = nil
	rule.UpdatedBy = nil
	rule.CreatedAt = time.Time{}
	rule.UpdatedAt = time.Time{}
	rule.ApplyDefaults()
}

// LoadFile reads a rule pack, choosing the format by extension
func LoadFile(filename string, logger *zap.SugaredLogger) (*Pack, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule pack: %w", err)
	}

	format := DetectFormat(data)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	}

	pack, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded %d rules from %s", len(pack.Rules), filename)
	return pack, nil
}

// Export serializes rules as a pack
func Export(rules []core.CorrelationRule, format Format, now time.Time) ([]byte, error) {
	pack := Pack{
		Version:    "1",
		ExportedAt: now.UTC().Format(time.RFC3339),
		Rules:      rules,
	}
	if pack.Rules == nil {
		pack.Rules = []core.CorrelationRule{}
	}

	switch format {
	case FormatYAML:
		return yaml.Marshal(&pack)
	case FormatJSON:
		return json.MarshalIndent(&pack, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported rule pack format %q", format)
	}
}

// ContentType returns the MIME type of a format
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/x-yaml"
}
