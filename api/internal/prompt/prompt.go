// Package prompt builds the text prompts HintWise sends for each worksheet field.
package prompt

import (
	"fmt"
	"strings"
)

// SuggestionCount is the number of prompts the home screen always shows.
const SuggestionCount = 12

func Summary(question string) string {
	return fmt.Sprintf(`Rephrase the following question as a short, clear problem statement.
Keep every given value and condition. Do not solve it and do not add hints.
Answer with the problem statement only.

Question: %s`, strings.TrimSpace(question))
}

// Hint asks for the next hint. Earlier hints are included so the model moves
// one step further instead of repeating itself.
func Hint(question string, previous []string) string {
	var b strings.Builder
	b.WriteString("You are a patient tutor. The student is working on this question:\n\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\n")
	if len(previous) == 0 {
		b.WriteString("Give ONE short hint that helps the student take the first step. ")
	} else {
		b.WriteString("Hints already given:\n")
		for i, h := range previous {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(h))
		}
		b.WriteString("\nGive ONE new hint that goes a little further than the ones above. ")
	}
	b.WriteString("Never reveal the final answer. Answer with the hint text only, at most three sentences.")
	return b.String()
}

func Solution(question string) string {
	return fmt.Sprintf(`Solve the following question step by step.
Number the steps, keep each step short and finish with a line "Answer: ...".

Question: %s`, strings.TrimSpace(question))
}

func Suggestions() string {
	return fmt.Sprintf(`Generate exactly %d short, diverse, thought-provoking questions a curious student might ask
(math, science, history, language, logic, everyday life). Each question must be under 60 characters.
Return ONLY a JSON array of %d strings, no markdown, no commentary.`, SuggestionCount, SuggestionCount)
}
