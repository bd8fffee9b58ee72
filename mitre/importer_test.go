package mitre

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"attackmatrix/core"
)

const testBundle = `{
  "type": "bundle",
  "id": "bundle--test",
  "objects": [
    {"type": "identity", "id": "identity--1", "name": "MITRE"},
    {"type": "x-mitre-tactic", "id": "x-mitre-tactic--1", "name": "Persistence", "x_mitre_shortname": "persistence",
     "external_references": [{"source_name": "mitre-attack", "external_id": "TA0003"}]},
    {"type": "x-mitre-tactic", "id": "x-mitre-tactic--2", "name": "Initial Access", "x_mitre_shortname": "initial-access",
     "external_references": [{"source_name": "mitre-attack", "external_id": "TA0001"}]},
    {"type": "x-mitre-tactic", "id": "x-mitre-tactic--3", "name": "Old", "x_mitre_shortname": "old", "x_mitre_deprecated": true,
     "external_references": [{"source_name": "mitre-attack", "external_id": "TA0099"}]},
    {"type": "attack-pattern", "id": "attack-pattern--2", "name": "SQL Stored Procedures", "x_mitre_is_subtechnique": true,
     "x_mitre_platforms": ["Windows", "Linux"],
     "kill_chain_phases": [{"kill_chain_name": "mitre-attack", "phase_name": "persistence"}],
     "external_references": [{"source_name": "mitre-attack", "external_id": "T1505.001"}]},
    {"type": "attack-pattern", "id": "attack-pattern--1", "name": "Server Software Component",
     "kill_chain_phases": [{"kill_chain_name": "mitre-attack", "phase_name": "persistence"}, {"kill_chain_name": "other", "phase_name": "x"}],
     "external_references": [{"source_name": "mitre-attack", "external_id": "T1505"}]},
    {"type": "attack-pattern", "id": "attack-pattern--3", "name": "Old Technique", "revoked": true,
     "kill_chain_phases": [{"kill_chain_name": "mitre-attack", "phase_name": "initial-access"}, {"kill_chain_name": "mitre-attack", "phase_name": "unknown"}],
     "external_references": [{"source_name": "mitre-attack", "external_id": "T1000"}]},
    {"type": "attack-pattern", "id": "attack-pattern--4", "name": "No ID", "external_references": []}
  ]
}`

type fakeWriter struct {
	tactics    []core.Tactic
	techniques []core.Technique
	links      map[string][]string
	failOn     string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{links: make(map[string][]string)}
}

func (f *fakeWriter) UpsertTactic(_ context.Context, tactic *core.Tactic) error {
	f.tactics = append(f.tactics, *tactic)
	return nil
}

func (f *fakeWriter) UpsertTechnique(_ context.Context, technique *core.Technique) error {
	if technique.AttackID == f.failOn {
		return errors.New("boom")
	}
	f.techniques = append(f.techniques, *technique)
	return nil
}

func (f *fakeWriter) ReplaceTechniqueTactics(_ context.Context, techniqueID string, tacticIDs []string) error {
	f.links[techniqueID] = tacticIDs
	return nil
}

func TestParseBundle(t *testing.T) {
	framework, err := ParseBundle(strings.NewReader(testBundle), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	assert.Equal(t, "bundle--test", framework.BundleID)
	assert.Len(t, framework.Tactics, 2)
	require.Len(t, framework.Techniques, 3)
	assert.Equal(t, 1, framework.SubTechniqueCount())

	tactic := framework.TacticBySlug("initial-access")
	require.NotNil(t, tactic)
	assert.Equal(t, "TA0001", tactic.TacticID())
	assert.Nil(t, framework.TacticBySlug("old"))

	revoked := framework.Techniques[2].ToCore()
	assert.Equal(t, "T1000", revoked.AttackID)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, []string{}, revoked.Platforms)
}

func TestParseBundle_RejectsNonBundle(t *testing.T) {
	_, err := ParseBundle(strings.NewReader(`{"type":"attack-pattern"}`), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	_, err = ParseBundle(strings.NewReader(`not json`), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestLoadFramework_MissingFile(t *testing.T) {
	_, err := LoadFramework(filepath.Join(t.TempDir(), "missing.json"), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestImportBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, []byte(testBundle), 0o600))

	w := newFakeWriter()
	importer := NewSTIXImporter(w, "", time.Second, zaptest.NewLogger(t).Sugar())

	result, err := importer.ImportBundle(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TacticsImported)
	assert.Equal(t, 2, result.TechniquesImported)
	assert.Equal(t, 1, result.SubTechniquesImported)
	assert.Equal(t, 3, result.LinksImported)
	assert.Empty(t, result.Errors)

	// parents are written before sub-techniques
	require.Len(t, w.techniques, 3)
	assert.Equal(t, "T1505.001", w.techniques[2].AttackID)
	assert.Equal(t, []string{"TA0003"}, w.links["T1505"])
	assert.Equal(t, []string{"TA0001"}, w.links["T1000"])
}

func TestImportFramework_CollectsErrors(t *testing.T) {
	framework, err := ParseBundle(strings.NewReader(testBundle), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	w := newFakeWriter()
	w.failOn = "T1505"
	result, err := NewSTIXImporter(w, "", 0, zaptest.NewLogger(t).Sugar()).ImportFramework(context.Background(), framework)
	require.NoError(t, err)

	assert.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.TechniquesImported)
	assert.NotContains(t, w.links, "T1505")
}

func TestImportFramework_Cancelled(t *testing.T) {
	framework, err := ParseBundle(strings.NewReader(testBundle), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSTIXImporter(newFakeWriter(), "", 0, zaptest.NewLogger(t).Sugar()).ImportFramework(ctx, framework)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportLatest_RetriesDownload(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testBundle))
	}))
	defer server.Close()

	w := newFakeWriter()
	importer := NewSTIXImporter(w, server.URL, time.Second, zaptest.NewLogger(t).Sugar())
	importer.backoff = time.Millisecond

	result, err := importer.ImportLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, result.TacticsImported)
}

func TestDownloadLatestBundle_GivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	importer := NewSTIXImporter(newFakeWriter(), server.URL, time.Second, zaptest.NewLogger(t).Sugar())
	importer.backoff = time.Millisecond

	_, err := importer.DownloadLatestBundle(context.Background())
	assert.Error(t, err)
}

func TestTacticColor(t *testing.T) {
	assert.Equal(t, "#4F8A8B", TacticColor("Execution"))
	assert.Equal(t, "#888888", TacticColor("unknown"))
	assert.Equal(t, 0, KillChainRank("initial-access"))
	assert.Equal(t, len(KillChainOrder), KillChainRank("reconnaissance"))
}
