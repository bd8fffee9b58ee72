package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"attackmatrix/config"
	"attackmatrix/mitre"
	"attackmatrix/storage"
)

// SeedKnowledgeBase imports the configured ATT&CK bundle when the knowledge base has
// no tactics yet. It reports whether an import ran.
func SeedKnowledgeBase(ctx context.Context, cfg *config.Config, kb storage.KnowledgeBaseStorage, sugar *zap.SugaredLogger) (bool, error) {
	tactics, err := kb.ListTactics(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to inspect knowledge base: %w", err)
	}
	if len(tactics) > 0 {
		sugar.Infof("Knowledge base holds %d tactics", len(tactics))
		return false, nil
	}

	bundle := cfg.DataPaths.AttackBundle
	if bundle == "" {
		sugar.Warn("Knowledge base is empty; run 'attackmatrix import-attack' to load ATT&CK")
		return false, nil
	}
	if _, err := os.Stat(bundle); err != nil {
		return false, fmt.Errorf("attack bundle %s: %w", bundle, err)
	}

	importer := mitre.NewSTIXImporter(kb, cfg.Attack.BundleURL, cfg.Attack.DownloadTimeout, sugar)
	result, err := importer.ImportBundle(ctx, bundle)
	if err != nil {
		return false, fmt.Errorf("failed to import attack bundle: %w", err)
	}
	sugar.Infow("Imported ATT&CK bundle",
		"path", bundle,
		"tactics", result.TacticsImported,
		"techniques", result.TechniquesImported,
		"subtechniques", result.SubTechniquesImported,
		"links", result.LinksImported,
		"errors", len(result.Errors))
	return true, nil
}
