package telegram

import (
	"fmt"
	"strings"

	"hintwise/api/internal/session"
	"hintwise/api/internal/util"
)

const (
	thinking    = "_Thinking…_"
	maxQuestion = 500
	maxSummary  = 800
	maxHint     = 600
	maxSolution = 1600
)

// formatWorksheet renders question, problem, hints and solution in that order.
// The solution section only appears once it was asked for.
func formatWorksheet(s session.Snapshot) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")

	b.WriteString("❓ *Question*\n")
	b.WriteString(esc(util.Truncate(s.Question, maxQuestion)))
	b.WriteString("\n\n")

	b.WriteString("📝 *Problem*\n")
	b.WriteString(section(s.Summary, s.HasSummary, s.Loading.Summary, maxSummary))
	b.WriteString("\n\n")

	b.WriteString("💡 *Hints*\n")
	b.WriteString(formatHints(s.Hints, s.Loading.Hint))

	if s.HasSolution || s.Loading.Solution {
		b.WriteString("\n\n✅ *Solution*\n")
		b.WriteString(section(s.Solution, s.HasSolution, s.Loading.Solution, maxSolution))
	}
	return b.String()
}

// Нумерованный список подсказок; пока грузится следующая, показываем заглушку.
func formatHints(hints []string, loading bool) string {
	var b strings.Builder
	for i, h := range hints {
		fmt.Fprintf(&b, "%d. %s\n", i+1, esc(util.Truncate(strings.TrimSpace(h), maxHint)))
	}
	if loading {
		b.WriteString(thinking)
	} else if len(hints) == 0 {
		b.WriteString("—")
	}
	return strings.TrimRight(b.String(), "\n")
}

// section renders one field: the loading marker until a value arrives.
func section(text string, has, loading bool, limit int) string {
	if loading && !has {
		return thinking
	}
	if !has {
		return "—"
	}
	return esc(util.Truncate(strings.TrimSpace(text), limit))
}
