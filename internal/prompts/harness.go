package prompts

import (
	"fmt"
	"strings"
)

// EmptyResponseNudge is injected when the model returns no content
// after executing tool calls. It gives the model one more chance to
// produce a user-visible response.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the user-facing message returned when the
// model fails to produce content even after being nudged.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// availabilityTemplate frames a tool-calling round. The format verb is
// the comma-separated tool list.
const availabilityTemplate = `Tools available in this round: %s.
Call tools only to gather information or act on the user's request. When
you have what you need, reply in plain text instead of calling more
tools. Never call a tool twice with identical arguments.`

// AvailabilityNote returns the per-round system note naming the tools
// the model may call.
func AvailabilityNote(tools []string) string {
	if len(tools) == 0 {
		return "No tools are available in this round. Reply in plain text."
	}
	return fmt.Sprintf(availabilityTemplate, strings.Join(tools, ", "))
}

// CorrectionNotice returns the note injected when a reply proposed a
// tool call that cannot run as written.
func CorrectionNotice(problem string) string {
	return fmt.Sprintf("Your previous reply proposed an invalid tool call: %s. Use only the tools provided, with arguments as a single valid JSON object.", problem)
}

// toolBudgetTemplate explains a forced wrap-up after too many
// tool-calling rounds. The format verb is the round limit.
const toolBudgetTemplate = `You have used all %d tool rounds for this turn. Summarize what you found and answer the user now with what you have. Tools are no longer available.`

// ToolBudgetNotice returns the note injected when the round cap forces
// a final response.
func ToolBudgetNotice(maxRounds int) string {
	return fmt.Sprintf(toolBudgetTemplate, maxRounds)
}

// ToolFailureStreakNotice returns the note injected when one tool keeps
// failing and the turn moves on without it.
func ToolFailureStreakNotice(tool string, failures int) string {
	return fmt.Sprintf("The %s tool failed %d times in a row and has been disabled for this turn. Answer with what you have and mention the problem if it matters to the user.", tool, failures)
}

// RepeatedToolCallNotice returns the note injected when the model keeps
// proposing the same call and the turn is forced to a response.
func RepeatedToolCallNotice(tool string) string {
	return fmt.Sprintf("You already called %s with those exact arguments and have its result above. Use it to answer the user now.", tool)
}
