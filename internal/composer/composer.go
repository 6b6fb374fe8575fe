// Package composer condenses stored reports and prescriptions into the
// text summaries handed to the chat model, within a token budget.
package composer

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const defaultMaxContextTokens = 4000

// Entry is one stored item rendered into the chat context.
type Entry struct {
	Title string
	Date  time.Time
	Lines []string
}

// Context is the composed chat context.
type Context struct {
	ReportData       string
	PrescriptionData string
}

// Composer assembles chat context from the profile summary and stored
// entries. Newest entries are kept first when the budget runs out.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose renders the profile summary and the report entries into
// ReportData and the prescription entries into PrescriptionData. Whatever
// the profile leaves of the budget is split evenly; prescriptions also get
// the share reports did not use.
func (c *Composer) Compose(profileSummary string, reports, prescriptions []Entry) Context {
	var sb strings.Builder
	if profileSummary != "" {
		sb.WriteString("[Patient Profile]\n")
		sb.WriteString(profileSummary)
		sb.WriteString("\n\n")
	}

	remaining := c.MaxContextTokens - EstimateTokens(sb.String())
	if remaining < 0 {
		remaining = 0
	}
	reportBudget := remaining / 2
	prescriptionBudget := remaining - reportBudget

	reportText, used := pack(reports, reportBudget)
	sb.WriteString(reportText)
	prescriptionText, _ := pack(prescriptions, prescriptionBudget+reportBudget-used)

	return Context{
		ReportData:       strings.TrimSpace(sb.String()),
		PrescriptionData: strings.TrimSpace(prescriptionText),
	}
}

// pack sorts entries newest first and keeps those that fit in budget,
// skipping any single entry too large to fit. It returns the text and the
// tokens it used.
func pack(entries []Entry, budget int) (string, int) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.After(sorted[j].Date)
	})

	var sb strings.Builder
	used := 0
	for _, e := range sorted {
		text := formatEntry(e)
		tokens := EstimateTokens(text)
		if used+tokens > budget {
			continue
		}
		sb.WriteString(text)
		used += tokens
	}
	return sb.String(), used
}

func formatEntry(e Entry) string {
	var sb strings.Builder
	if e.Date.IsZero() {
		fmt.Fprintf(&sb, "%s\n", e.Title)
	} else {
		fmt.Fprintf(&sb, "%s (%s)\n", e.Title, e.Date.Format("2006-01-02"))
	}
	for _, l := range e.Lines {
		sb.WriteString("- ")
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
