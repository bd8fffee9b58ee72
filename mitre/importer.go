package mitre

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"attackmatrix/core"
	"attackmatrix/metrics"
)

// DefaultBundleURL is the enterprise ATT&CK STIX bundle published by MITRE
const DefaultBundleURL = "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json"

// KnowledgeBaseWriter is the storage surface the importer writes through
type KnowledgeBaseWriter interface {
	UpsertTactic(ctx context.Context, tactic *core.Tactic) error
	UpsertTechnique(ctx context.Context, technique *core.Technique) error
	ReplaceTechniqueTactics(ctx context.Context, techniqueID string, tacticIDs []string) error
}

// STIXImporter imports MITRE ATT&CK data from STIX bundles
type STIXImporter struct {
	storage    KnowledgeBaseWriter
	logger     *zap.SugaredLogger
	client     *http.Client
	bundleURL  string
	maxRetries int
	backoff    time.Duration
}

// NewSTIXImporter creates a new STIX importer. An empty bundleURL selects DefaultBundleURL.
func NewSTIXImporter(storage KnowledgeBaseWriter, bundleURL string, timeout time.Duration, logger *zap.SugaredLogger) *STIXImporter {
	if bundleURL == "" {
		bundleURL = DefaultBundleURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &STIXImporter{
		storage:    storage,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		bundleURL:  bundleURL,
		maxRetries: 3,
		backoff:    time.Second,
	}
}

// ImportResult summarizes an import run
type ImportResult struct {
	TacticsImported       int      `json:"tactics_imported"`
	TechniquesImported    int      `json:"techniques_imported"`
	SubTechniquesImported int      `json:"subtechniques_imported"`
	LinksImported         int      `json:"links_imported"`
	Errors                []string `json:"errors"`
}

// ImportBundle imports a STIX bundle from a file path
func (si *STIXImporter) ImportBundle(ctx context.Context, bundlePath string) (*ImportResult, error) {
	framework, err := LoadFramework(bundlePath, si.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load STIX bundle: %w", err)
	}
	return si.ImportFramework(ctx, framework)
}

// ImportFramework writes tactics, then parent techniques, then sub-techniques, and
// links every technique to the tactics named by its kill chain phases. Individual
// object failures are collected in the result; context cancellation aborts the run.
func (si *STIXImporter) ImportFramework(ctx context.Context, framework *Framework) (*ImportResult, error) {
	result := &ImportResult{Errors: []string{}}

	slugToTactic := make(map[string]string, len(framework.Tactics))
	for i := range framework.Tactics {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tactic := framework.Tactics[i].ToCore()
		if err := si.storage.UpsertTactic(ctx, &tactic); err != nil {
			si.logger.Warnf("Failed to import tactic %s: %v", tactic.ID, err)
			result.Errors = append(result.Errors, fmt.Sprintf("tactic %s: %v", tactic.ID, err))
			continue
		}
		slugToTactic[tactic.ShortName] = tactic.ID
		result.TacticsImported++
	}
	metrics.AttackObjectsImported.WithLabelValues("tactic").Add(float64(result.TacticsImported))

	parents := make([]*AttackPattern, 0, len(framework.Techniques))
	subs := make([]*AttackPattern, 0)
	for i := range framework.Techniques {
		if framework.Techniques[i].IsSubTechnique() {
			subs = append(subs, &framework.Techniques[i])
		} else {
			parents = append(parents, &framework.Techniques[i])
		}
	}

	si.logger.Infof("Importing %d techniques and %d sub-techniques", len(parents), len(subs))
	for _, ap := range append(parents, subs...) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !si.importTechnique(ctx, ap, slugToTactic, result) {
			continue
		}
		if ap.IsSubTechnique() {
			result.SubTechniquesImported++
		} else {
			result.TechniquesImported++
		}
	}
	metrics.AttackObjectsImported.WithLabelValues("technique").Add(float64(result.TechniquesImported))
	metrics.AttackObjectsImported.WithLabelValues("subtechnique").Add(float64(result.SubTechniquesImported))

	si.logger.Infof("Import completed: %d tactics, %d techniques, %d sub-techniques, %d links, %d errors",
		result.TacticsImported, result.TechniquesImported, result.SubTechniquesImported, result.LinksImported, len(result.Errors))
	return result, nil
}

func (si *STIXImporter) importTechnique(ctx context.Context, ap *AttackPattern, slugToTactic map[string]string, result *ImportResult) bool {
	tech := ap.ToCore()
	if err := si.storage.UpsertTechnique(ctx, &tech); err != nil {
		si.logger.Warnf("Failed to import technique %s: %v", tech.AttackID, err)
		result.Errors = append(result.Errors, fmt.Sprintf("technique %s: %v", tech.AttackID, err))
		return false
	}

	tacticIDs := make([]string, 0, len(ap.KillChainPhases))
	for _, slug := range ap.TacticSlugs() {
		tacticID, ok := slugToTactic[slug]
		if !ok {
			si.logger.Debugw("Unknown kill chain phase", "technique_id", tech.AttackID, "phase", slug)
			continue
		}
		tacticIDs = append(tacticIDs, tacticID)
	}
	if err := si.storage.ReplaceTechniqueTactics(ctx, tech.AttackID, tacticIDs); err != nil {
		si.logger.Warnf("Failed to link technique %s to tactics: %v", tech.AttackID, err)
		result.Errors = append(result.Errors, fmt.Sprintf("technique %s links: %v", tech.AttackID, err))
		return true
	}
	result.LinksImported += len(tacticIDs)
	return true
}

// DownloadLatestBundle downloads the configured bundle to a temporary file and
// returns its path. The caller removes the file.
func (si *STIXImporter) DownloadLatestBundle(ctx context.Context) (string, error) {
	si.logger.Infof("Downloading MITRE ATT&CK bundle from %s", si.bundleURL)

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; attempt <= si.maxRetries; attempt++ {
		resp, err = si.fetch(ctx)
		if err == nil {
			break
		}
		if attempt == si.maxRetries {
			break
		}
		backoff := time.Duration(attempt) * si.backoff
		si.logger.Warnf("Download failed (attempt %d/%d), retrying in %v: %v", attempt, si.maxRetries, backoff, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to download bundle after %d attempts: %w", si.maxRetries, err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "json") && !strings.HasPrefix(contentType, "text/plain") {
		si.logger.Warnf("Unexpected Content-Type: %s", contentType)
	}

	tmpFile, err := os.CreateTemp("", "mitre-attack-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, resp.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write bundle to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	si.logger.Infof("Downloaded %d bytes to %s", written, tmpPath)
	return tmpPath, nil
}

func (si *STIXImporter) fetch(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, si.bundleURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "attackmatrix/1.0")

	resp, err := si.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}

// ImportLatest downloads and imports the configured bundle
func (si *STIXImporter) ImportLatest(ctx context.Context) (*ImportResult, error) {
	tmpPath, err := si.DownloadLatestBundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download latest bundle: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil {
			si.logger.Warnf("Failed to remove temp file %s: %v", tmpPath, err)
		}
	}()

	result, err := si.ImportBundle(ctx, tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to import bundle: %w", err)
	}
	return result, nil
}
