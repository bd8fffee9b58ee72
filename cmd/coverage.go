package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"attackmatrix/mitre"
	"attackmatrix/storage"
)

// coverageReport is the output of the 'coverage' command
type coverageReport struct {
	Global  mitre.GlobalCoverage   `json:"global"`
	Tactics []mitre.TacticCoverage `json:"tactics"`
	Rules   int                    `json:"total_rules"`
}

// newCoverageCmd creates the 'coverage' command
func newCoverageCmd() *cobra.Command {
	var (
		includeDeprecated bool
		tactic            string
		showUncovered     bool
	)

	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Report detection coverage of the ATT&CK matrix",
		Long: `Report how many techniques have at least one active rule, overall and per tactic.

Rules attached to a sub-technique also count for its parent technique. Revoked
techniques never take part; deprecated ones only with --include-deprecated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := buildCoverageReport(ctx, env.storage.KnowledgeBase, env.storage.Rules, includeDeprecated)
			if err != nil {
				return err
			}

			if tactic != "" {
				key := strings.ToLower(tactic)
				filtered := report.Tactics[:0]
				for _, tc := range report.Tactics {
					if strings.ToLower(tc.TacticID) == key || tc.ShortName == key {
						filtered = append(filtered, tc)
					}
				}
				if len(filtered) == 0 {
					return fmt.Errorf("unknown tactic %q", tactic)
				}
				report.Tactics = filtered
			}

			if outputJSON {
				return outputAsJSON(report)
			}
			renderCoverage(report, showUncovered)
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeDeprecated, "include-deprecated", false, "Count deprecated techniques")
	cmd.Flags().StringVar(&tactic, "tactic", "", "Only this tactic (TA code or shortname)")
	cmd.Flags().BoolVar(&showUncovered, "uncovered", false, "List uncovered technique IDs per tactic")

	return cmd
}

// buildCoverageReport computes global and per-tactic coverage from storage
func buildCoverageReport(ctx context.Context, kb storage.KnowledgeBaseStorage, ruleStore storage.RuleStorage, includeDeprecated bool) (*coverageReport, error) {
	techniques, err := kb.ListTechniques(ctx, storage.TechniqueFilter{IncludeDeprecated: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list techniques: %w", err)
	}
	tactics, err := kb.ListTactics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tactics: %w", err)
	}
	links, err := kb.ListTacticLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tactic links: %w", err)
	}
	ruleList, _, err := ruleStore.ListRules(ctx, storage.RuleFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	index := mitre.NewRuleIndex(ruleList)
	opts := mitre.CoverageOptions{IncludeDeprecated: includeDeprecated}
	return &coverageReport{
		Global:  mitre.ComputeGlobalCoverageIndexed(techniques, index, opts),
		Tactics: mitre.ComputeAllTacticCoverage(tactics, techniques, links, index, opts),
		Rules:   index.Len(),
	}, nil
}
