package llm

import (
	"fmt"
	"strings"

	"github.com/xaenox/onebot-agent/internal/models"
)

// BuildPreamble is the system message sent ahead of the history.
func BuildPreamble(systemPrompt, now, summary string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(systemPrompt))
	b.WriteString("\n\nSystem information you may use:\n")
	fmt.Fprintf(&b, "Current time: %s", now)
	if summary != "" {
		b.WriteString("\n\nSummary of the earlier conversation:\n")
		b.WriteString(summary)
	}
	return b.String()
}

const summarizePrompt = `You maintain a running summary of a chat between a user and an assistant.
Extend the existing summary with the new messages below. Keep facts, names,
decisions, requests and open questions. Leave out greetings, thanks and
other pleasantries. Reply with the updated summary only, as plain text.

Existing summary:
%s

New messages:
%s`

func buildSummarizePrompt(material []models.Turn, previous string) string {
	if previous == "" {
		previous = "(none)"
	}

	var lines []string
	for _, t := range material {
		switch t.Kind {
		case models.TurnHuman:
			lines = append(lines, "User: "+t.Text)
		case models.TurnAgentFinal:
			lines = append(lines, "Assistant: "+t.Text)
		}
	}
	return fmt.Sprintf(summarizePrompt, previous, strings.Join(lines, "\n"))
}
