package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReportFileName is the human-readable QA report written per iteration.
const ReportFileName = "qa_report.md"

// WriteReport renders the validator results as markdown into the spec
// directory and returns the file path.
func WriteReport(specDir string, iteration int, results []Result) (string, error) {
	path := filepath.Join(specDir, ReportFileName)
	if err := os.WriteFile(path, []byte(RenderReport(iteration, results)), 0o644); err != nil {
		return "", fmt.Errorf("qa report: %w", err)
	}
	return path, nil
}

// RenderReport formats one QA iteration's evidence.
func RenderReport(iteration int, results []Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# QA Report\n\n")
	fmt.Fprintf(&b, "Iteration %d, generated %s\n\n", iteration, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "| validator | outcome | duration | summary |\n")
	fmt.Fprintf(&b, "|---|---|---|---|\n")
	for _, r := range results {
		fmt.Fprintf(&b, "| %s | %s | %dms | %s |\n", r.Name, outcome(r), r.DurationMs, sanitizeCell(r.Summary))
	}
	for _, r := range results {
		if len(r.Evidence) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s evidence\n\n", r.Name)
		keys := make([]string, 0, len(r.Evidence))
		for k := range r.Evidence {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s**: %v\n", k, r.Evidence[k])
		}
	}
	return b.String()
}

func outcome(r Result) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Passed:
		return "passed"
	default:
		return "FAILED (" + string(r.Severity) + ")"
	}
}

func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
