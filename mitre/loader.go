package mitre

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// LoadFramework loads the techniques and tactics of a STIX bundle file
func LoadFramework(filename string, logger *zap.SugaredLogger) (*Framework, error) {
	logger.Infof("Loading MITRE ATT&CK framework from %s", filename)

	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open MITRE framework file: %w", err)
	}
	defer f.Close()

	return ParseBundle(f, logger)
}

// ParseBundle decodes a STIX 2.1 bundle. Revoked and deprecated techniques are kept
// with their flags so coverage can exclude them; deprecated tactics are dropped.
// Objects that fail to decode or validate are skipped and logged.
func ParseBundle(r io.Reader, logger *zap.SugaredLogger) (*Framework, error) {
	var rawBundle struct {
		Type    string            `json:"type"`
		ID      string            `json:"id"`
		Objects []json.RawMessage `json:"objects"`
	}
	if err := json.NewDecoder(r).Decode(&rawBundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal STIX bundle: %w", err)
	}
	if rawBundle.Type != "bundle" {
		return nil, fmt.Errorf("expected STIX bundle, got type: %s", rawBundle.Type)
	}

	logger.Infof("Parsing %d STIX objects from bundle %s", len(rawBundle.Objects), rawBundle.ID)

	framework := &Framework{
		BundleID:   rawBundle.ID,
		Techniques: make([]AttackPattern, 0),
		Tactics:    make([]STIXTactic, 0),
	}

	var parseErrors []error
	for i, raw := range rawBundle.Objects {
		var header struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &header); err != nil || header.Type == "" {
			parseErrors = append(parseErrors, fmt.Errorf("object %d missing type field", i))
			continue
		}

		parsed, err := parseSTIXObject(header.Type, raw)
		if err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("object %d (type %s): %w", i, header.Type, err))
			continue
		}

		switch obj := parsed.(type) {
		case AttackPattern:
			if err := obj.Validate(); err != nil {
				parseErrors = append(parseErrors, err)
				continue
			}
			framework.Techniques = append(framework.Techniques, obj)
		case STIXTactic:
			if obj.Deprecated {
				continue
			}
			if err := obj.Validate(); err != nil {
				parseErrors = append(parseErrors, err)
				continue
			}
			framework.Tactics = append(framework.Tactics, obj)
		}
	}

	logger.Infow("MITRE ATT&CK bundle parsed",
		"bundle_id", rawBundle.ID,
		"techniques", len(framework.Techniques),
		"tactics", len(framework.Tactics),
		"parse_errors", len(parseErrors))

	for i, err := range parseErrors {
		if i >= 5 {
			logger.Warnf("  ... and %d more errors", len(parseErrors)-5)
			break
		}
		logger.Warnf("  - %v", err)
	}

	return framework, nil
}

// TacticBySlug finds a tactic by its short name (e.g. "credential-access")
func (f *Framework) TacticBySlug(slug string) *STIXTactic {
	for i := range f.Tactics {
		if f.Tactics[i].ShortName == slug {
			return &f.Tactics[i]
		}
	}
	return nil
}

// SubTechniqueCount returns the number of sub-techniques in the bundle
func (f *Framework) SubTechniqueCount() int {
	n := 0
	for i := range f.Techniques {
		if f.Techniques[i].IsSubTechnique() {
			n++
		}
	}
	return n
}
