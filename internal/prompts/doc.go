// Package prompts holds the text switchboard sends to the model: the
// default system prompt, the per-turn context sections, and the
// compaction flush instruction.
//
// Prompt text lives in Go rather than config because it is program
// logic. Each prompt gets an exported function that takes the dynamic
// parts and returns the finished string. Operators replace only the base
// system prompt, via system_prompt_file.
package prompts
