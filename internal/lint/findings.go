package lint

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one ESLint finding.
type Message struct {
	RuleID   string `json:"ruleId"`
	Severity int    `json:"severity"`
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// FileResult is ESLint's JSON formatter output for one file.
type FileResult struct {
	FilePath     string    `json:"filePath"`
	Messages     []Message `json:"messages"`
	ErrorCount   int       `json:"errorCount"`
	WarningCount int       `json:"warningCount"`
}

// ParseFindings decodes the output of `eslint --format json`.
func ParseFindings(output string) ([]FileResult, error) {
	var results []FileResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &results); err != nil {
		return nil, fmt.Errorf("parsing eslint output: %w", err)
	}
	return results, nil
}

// Summarize renders findings one per line as `line:col severity rule message`.
func Summarize(results []FileResult) string {
	var b strings.Builder
	var errs, warns int
	for _, r := range results {
		errs += r.ErrorCount
		warns += r.WarningCount
		for _, m := range r.Messages {
			sev := "warning"
			if m.Severity == 2 {
				sev = "error"
			}
			rule := m.RuleID
			if rule == "" {
				rule = "-"
			}
			fmt.Fprintf(&b, "%d:%d %s %s %s\n", m.Line, m.Column, sev, rule, m.Message)
		}
	}
	fmt.Fprintf(&b, "%d error(s), %d warning(s)\n", errs, warns)
	return b.String()
}
