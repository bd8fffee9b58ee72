package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"attackmatrix/core"
	"attackmatrix/rules"
	"attackmatrix/storage"
)

// newImportRulesCmd creates the 'import-rules' command
func newImportRulesCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "import-rules <file>",
		Short: "Import a YAML or JSON rule pack",
		Long: `Import correlation rules from a rule pack. The format is chosen by file extension
(.yaml, .yml, .json) or detected from the content.

Rules whose name already exists are skipped. Rules for unknown techniques are reported
as errors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			actorID, err := resolveActor(ctx, env.storage.Users, actor)
			if err != nil {
				return err
			}

			pack, err := rules.LoadFile(args[0], env.sugar)
			if err != nil {
				return err
			}

			importer := rules.NewImporter(env.storage.Rules, env.storage.KnowledgeBase, env.sugar)
			result, err := importer.Import(ctx, pack, actorID)
			if err != nil {
				return fmt.Errorf("rule import failed: %w", err)
			}

			_ = env.storage.Audit.CreateAuditEntry(ctx, &core.AuditEntry{
				EventType: core.EventRulesImported,
				Level:     core.AuditInfo,
				Description: fmt.Sprintf("Imported rule pack %s: %d created, %d skipped, %d failed",
					filepath.Base(args[0]), result.Created, result.Skipped, result.Failed),
				EntityType: "rule",
				UserID:     actorID,
				Username:   actorName(actor),
			})

			if outputJSON {
				return outputAsJSON(result)
			}
			renderRuleImport(args[0], result)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "as", "", "Username recorded as the creator of the imported rules")

	return cmd
}

// newExportRulesCmd creates the 'export-rules' command
func newExportRulesCmd() *cobra.Command {
	var (
		format    string
		output    string
		technique string
		active    bool
	)

	cmd := &cobra.Command{
		Use:   "export-rules",
		Short: "Export rules as a YAML or JSON rule pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			packFormat, err := rules.ParseFormat(format)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			filter := storage.RuleFilter{TechniqueID: strings.ToUpper(technique)}
			if active {
				filter.Active = &active
			}
			list, _, err := env.storage.Rules.ListRules(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			data, err := rules.Export(list, packFormat, time.Now())
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			if !quiet {
				successColor.Fprintf(os.Stderr, "✓ Exported %d rules to %s\n", len(list), output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "Pack format (yaml, json)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVar(&technique, "technique", "", "Only rules attached to this technique")
	cmd.Flags().BoolVar(&active, "active", false, "Only active rules")

	return cmd
}

// resolveActor looks up the user the CLI acts as. An empty name means no user.
func resolveActor(ctx context.Context, users storage.UserStorage, username string) (*int64, error) {
	if username == "" {
		return nil, nil
	}
	user, err := users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", username, err)
	}
	return &user.ID, nil
}

func actorName(username string) string {
	if username == "" {
		return "cli"
	}
	return username
}
