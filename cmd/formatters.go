package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"attackmatrix/core"
	"attackmatrix/mitre"
	"attackmatrix/rules"
	"attackmatrix/storage"
)

// renderMigrationStatus displays applied and pending migrations
func renderMigrationStatus(status *storage.MigrationStatus) {
	headerColor.Fprintln(stdout, "MIGRATIONS")
	headerColor.Fprintln(stdout, strings.Repeat("=", 80))
	fmt.Fprintf(stdout, "%-10s %-45s %-20s %-8s\n", "Version", "Name", "Applied At", "Took")
	fmt.Fprintln(stdout, strings.Repeat("-", 80))

	for _, m := range status.Applied {
		fmt.Fprintf(stdout, "%-10s %-45s %-20s %-8s\n",
			m.Version, truncate(m.Name, 44), formatTime(m.AppliedAt), fmt.Sprintf("%dms", m.Duration))
	}
	for _, v := range status.Pending {
		warningColor.Fprintf(stdout, "%-10s %-45s %-20s\n", v, "", "pending")
	}
	fmt.Fprintln(stdout, strings.Repeat("=", 80))

	printField("Registered", fmt.Sprintf("%d", status.TotalRegistered))
	printField("Applied", fmt.Sprintf("%d", status.AppliedCount))
	printField("Pending", fmt.Sprintf("%d", status.PendingCount))
	printField("Latest", status.LatestApplied)
	for _, issue := range status.IntegrityIssues {
		errorColor.Fprintf(stdout, "  ✗ %s\n", issue)
	}
}

// renderAttackImport displays the result of an ATT&CK import
func renderAttackImport(source string, result *mitre.ImportResult) {
	successColor.Fprintf(stdout, "✓ ATT&CK imported from %s\n", source)
	fmt.Fprintln(stdout)
	printSection("Imported")
	printField("Tactics", fmt.Sprintf("%d", result.TacticsImported))
	printField("Techniques", fmt.Sprintf("%d", result.TechniquesImported))
	printField("Sub-techniques", fmt.Sprintf("%d", result.SubTechniquesImported))
	printField("Tactic links", fmt.Sprintf("%d", result.LinksImported))
	renderProblems("Errors", result.Errors, errorColor)
}

// renderRuleImport displays the result of a rule pack import
func renderRuleImport(file string, result *rules.ImportResult) {
	if result.Failed == 0 {
		successColor.Fprintf(stdout, "✓ Imported %s\n", file)
	} else {
		warningColor.Fprintf(stdout, "! Imported %s with errors\n", file)
	}
	fmt.Fprintln(stdout)
	printField("Created", fmt.Sprintf("%d", result.Created))
	printField("Skipped", fmt.Sprintf("%d", result.Skipped))
	printField("Failed", fmt.Sprintf("%d", result.Failed))
	renderProblems("Errors", result.Errors, errorColor)
	renderProblems("Warnings", result.Warnings, warningColor)
}

func renderProblems(title string, problems []string, c *color.Color) {
	if len(problems) == 0 || quiet {
		return
	}
	fmt.Fprintln(stdout)
	printSection(title)
	for _, p := range problems {
		c.Fprintf(stdout, "  - %s\n", p)
	}
}

// renderUsersTable displays users in a formatted table
func renderUsersTable(users []core.User) {
	if len(users) == 0 {
		warningColor.Fprintln(stdout, "No users")
		return
	}

	headerColor.Fprintln(stdout, "USERS")
	headerColor.Fprintln(stdout, strings.Repeat("=", 90))
	fmt.Fprintf(stdout, "%-6s %-20s %-25s %-8s %-8s %-15s\n", "ID", "Username", "Full Name", "Role", "Active", "Last Login")
	fmt.Fprintln(stdout, strings.Repeat("-", 90))

	for _, u := range users {
		lastLogin := "Never"
		if u.LastLogin != nil {
			lastLogin = formatTimeSince(*u.LastLogin)
		}
		fmt.Fprintf(stdout, "%-6d %-20s %-25s %-8s %-8s %-15s\n",
			u.ID, truncate(u.Username, 19), truncate(u.FullName, 24), u.Role, formatBoolPlain(u.IsActive), lastLogin)
	}
	fmt.Fprintln(stdout, strings.Repeat("=", 90))
}

// renderCoverage displays global and per-tactic coverage
func renderCoverage(report *coverageReport, showUncovered bool) {
	g := report.Global

	headerColor.Fprintln(stdout, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintln(stdout, "  ATT&CK Detection Coverage")
	headerColor.Fprintln(stdout, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(stdout)

	printSection("Overall")
	printField("Techniques", fmt.Sprintf("%d (%d parents, %d sub-techniques)", g.TotalTechniques, g.ParentTechniques, g.SubTechniques))
	printField("Covered", fmt.Sprintf("%d", g.CoveredTechniques))
	printField("Uncovered", fmt.Sprintf("%d", g.UncoveredTechniques))
	printField("Coverage", formatPercent(g.CoveragePercentage))
	printField("Rules", fmt.Sprintf("%d", report.Rules))
	printField("Levels", fmt.Sprintf("excellent %d, good %d, basic %d, none %d",
		g.CoverageLevels.Excellent, g.CoverageLevels.Good, g.CoverageLevels.Basic, g.CoverageLevels.None))
	printField("Rules by severity", fmt.Sprintf("critical %d, high %d, medium %d, low %d",
		g.RulesBySeverity.Critical, g.RulesBySeverity.High, g.RulesBySeverity.Medium, g.RulesBySeverity.Low))
	fmt.Fprintln(stdout)

	printSection("By Tactic")
	fmt.Fprintf(stdout, "  %-8s %-28s %-10s %-10s %s\n", "ID", "Tactic", "Covered", "Total", "Coverage")
	fmt.Fprintln(stdout, "  "+strings.Repeat("-", 70))
	for _, tc := range report.Tactics {
		fmt.Fprintf(stdout, "  %-8s %-28s %-10d %-10d %s %s\n",
			tc.TacticID, truncate(tc.Name, 27), tc.CoveredTechniques, tc.TotalTechniques,
			coverageBar(tc.CoveragePercentage), formatPercent(tc.CoveragePercentage))
		if showUncovered && len(tc.UncoveredTechniqueIDs) > 0 {
			infoColor.Fprintf(stdout, "           uncovered: %s\n", strings.Join(tc.UncoveredTechniqueIDs, ", "))
		}
	}
}

// printSection prints a section header
func printSection(title string) {
	headerColor.Fprintf(stdout, "  %s\n", title)
	headerColor.Fprintln(stdout, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(stdout, "  %-25s %s\n", key+":", value)
}

// formatPercent colors a coverage percentage by rating
func formatPercent(p float64) string {
	s := fmt.Sprintf("%.1f%%", p)
	switch {
	case p >= 80:
		return color.New(color.FgGreen).Sprint(s)
	case p >= 50:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgRed).Sprint(s)
	}
}

// coverageBar renders a percentage as a 20-cell bar
func coverageBar(p float64) string {
	filled := int(p / 5)
	if filled > 20 {
		filled = 20
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", 20-filled) + "]"
}

func formatBoolPlain(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	switch {
	case duration < time.Minute:
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
