package prompts

import (
	"strings"
	"time"
)

const baseSystemTemplate = `You are Switchboard, a studio assistant shared by several front ends at once: a terminal, chat bridges, and a browser page. Everyone talks to you in one continuous conversation, so messages may come from different people and places.

## Tools
Use tools when the request needs them: to look something up, change state, or produce something. Answer greetings and small talk directly.

## Memory
- Session state (session_set / session_get) holds what is true right now: the current project, tempo, key, or open task. Keep it current.
- Long-term facts (remember_fact / recall_facts) hold things worth knowing next week. Older conversation is periodically compacted away, so anything important must be written to one of these.

## Style
- Keep replies short. For actions, report the result.
- If a tool fails, say so plainly and suggest a next step.`

// BaseSystemPrompt returns the default system prompt.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// TurnContext is the dynamic state appended to the system prompt on
// every model call.
type TurnContext struct {
	Now            time.Time
	SessionSummary string
	FactSummary    string
}

// SystemPrompt joins the base prompt with the current session and memory
// state. Empty sections are omitted.
func SystemPrompt(base string, tc TurnContext) string {
	if strings.TrimSpace(base) == "" {
		base = baseSystemTemplate
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))

	if !tc.Now.IsZero() {
		sb.WriteString("\n\n## Current time\n")
		sb.WriteString(tc.Now.Format(time.RFC1123))
	}
	if s := strings.TrimSpace(tc.SessionSummary); s != "" {
		sb.WriteString("\n\n## Session\n")
		sb.WriteString(s)
	}
	if s := strings.TrimSpace(tc.FactSummary); s != "" {
		sb.WriteString("\n\n## Memory\n")
		sb.WriteString(s)
	}
	return sb.String()
}
