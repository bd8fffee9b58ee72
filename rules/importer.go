package rules

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"attackmatrix/core"
	"attackmatrix/storage"
)

// RuleCreator is the slice of rule storage the importer writes through
type RuleCreator interface {
	CreateRule(ctx context.Context, rule *core.CorrelationRule) error
}

// TechniqueLookup resolves ATT&CK IDs to known techniques
type TechniqueLookup interface {
	GetTechnique(ctx context.Context, attackID string) (*core.Technique, error)
}

// ImportResult reports what happened to each rule of a pack
type ImportResult struct {
	Created  int      `json:"created"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"errors"`
	Errors   []string `json:"error_details"`
	Warnings []string `json:"warnings"`
}

// Importer writes rule packs into storage. Rules whose name is already taken are
// skipped; rules for unknown techniques or with invalid fields are reported as errors.
type Importer struct {
	rules      RuleCreator
	techniques TechniqueLookup
	logger     *zap.SugaredLogger
}

// NewImporter creates an importer. techniques may be nil to skip the technique check.
func NewImporter(rules RuleCreator, techniques TechniqueLookup, logger *zap.SugaredLogger) *Importer {
	return &Importer{
		rules:      rules,
		techniques: techniques,
		logger:     logger,
	}
}

// Import creates every rule of pack, attributing them to actorID
func (im *Importer) Import(ctx context.Context, pack *Pack, actorID *int64) (*ImportResult, error) {
	result := &ImportResult{
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	for i := range pack.Rules {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rule := pack.Rules[i]
		rule.CreatedBy = actorID
		rule.UpdatedBy = actorID

		if im.techniques != nil {
			if _, err := im.techniques.GetTechnique(ctx, rule.TechniqueID); err != nil {
				result.Failed++
				if errors.Is(err, storage.ErrTechniqueNotFound) {
					result.Errors = append(result.Errors, fmt.Sprintf("rule %d (%s): unknown technique %s", i+1, rule.Name, rule.TechniqueID))
					continue
				}
				result.Errors = append(result.Errors, fmt.Sprintf("rule %d (%s): %v", i+1, rule.Name, err))
				continue
			}
		}

		err := im.rules.CreateRule(ctx, &rule)
		switch {
		case err == nil:
			result.Created++
		case errors.Is(err, storage.ErrDuplicateRule):
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("rule %d (%s): already exists, skipped", i+1, rule.Name))
		default:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("rule %d (%s): %v", i+1, rule.Name, err))
		}
	}

	im.logger.Infow("Rule pack imported",
		"created", result.Created, "skipped", result.Skipped, "errors", result.Failed)
	return result, nil
}
