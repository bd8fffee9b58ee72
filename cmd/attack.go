package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"attackmatrix/core"
	"attackmatrix/mitre"
)

// newImportAttackCmd creates the 'import-attack' command
func newImportAttackCmd() *cobra.Command {
	var (
		file     string
		download bool
	)

	cmd := &cobra.Command{
		Use:   "import-attack",
		Short: "Import the MITRE ATT&CK matrix from a STIX bundle",
		Long: `Import tactics, techniques and sub-techniques from a STIX 2.x bundle.

Use --file for a local enterprise-attack.json, or --download to fetch the latest
bundle from attack.bundle_url. Existing entries are updated in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && !download {
				return fmt.Errorf("either --file or --download is required")
			}
			if file != "" && download {
				return fmt.Errorf("--file and --download are mutually exclusive")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			importer := mitre.NewSTIXImporter(env.storage.KnowledgeBase, env.cfg.Attack.BundleURL, env.cfg.Attack.DownloadTimeout, env.sugar)

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Importing ATT&CK bundle..."
				if download {
					s.Suffix = " Downloading ATT&CK bundle..."
				}
				s.Start()
			}

			var result *mitre.ImportResult
			source := file
			if download {
				source = env.cfg.Attack.BundleURL
				result, err = importer.ImportLatest(ctx)
			} else {
				if _, statErr := os.Stat(file); statErr != nil {
					err = fmt.Errorf("cannot read bundle: %w", statErr)
				} else {
					result, err = importer.ImportBundle(ctx, file)
				}
			}

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("ATT&CK import failed: %w", err)
			}

			_ = env.storage.Audit.CreateAuditEntry(ctx, &core.AuditEntry{
				EventType:   core.EventAttackImported,
				Level:       core.AuditInfo,
				Description: fmt.Sprintf("Imported ATT&CK bundle from %s", source),
				EntityType:  "attack",
				Username:    "cli",
			})

			if outputJSON {
				return outputAsJSON(result)
			}
			renderAttackImport(source, result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to a STIX bundle")
	cmd.Flags().BoolVar(&download, "download", false, "Download the latest bundle from attack.bundle_url")

	return cmd
}
