package prompts

// FlushSentinel is the reply the model gives once it has finished
// saving memory before compaction.
const FlushSentinel = "MEMORY_FLUSHED"

const flushTemplate = `[system] The conversation is about to be compacted: everything except the most recent messages will be removed from your context.

Before that happens, save anything you will still need:
- decisions that were made (category "decision")
- open tasks and promised follow-ups (category "task")
- learned context about the user and their projects ("user", "project", "preference", "context")

Use remember_fact for each item, and session_set for live session state. Do not repeat facts that are already stored. When you are done, reply with exactly ` + FlushSentinel + ` and nothing else.`

// FlushInstruction returns the user-role message sent during the
// compaction flush sub-turn.
func FlushInstruction() string {
	return flushTemplate
}
