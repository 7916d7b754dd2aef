package prompts

import "strings"

const DefaultAdvisor = "You are a silent coach listening to a live customer support call. " +
	"Reply with one short, concrete piece of advice for the agent, or nothing if no advice is needed. " +
	"Flag compliance risks as warnings. Never address the customer directly."

// ForCall resolves the advisor system prompt for a call.
func ForCall(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultAdvisor
}

// AdvisorTurn renders one utterance plus recent advice as the user input.
func AdvisorTurn(speaker, utterance string, history []string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Advice already given:\n")
		for _, h := range history {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(speaker)
	b.WriteString(" said: ")
	b.WriteString(utterance)
	return b.String()
}
