// Package prompts contains the LLM prompt text Reeve sends for its own
// operations, plus the persona loader that serves the system prompt.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. The persona is
// the exception: it is the user-facing identity of the agent, lives in
// a markdown file named by config, and hot-reloads on edit.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
