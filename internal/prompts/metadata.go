package prompts

import "fmt"

// metadataTemplate is the prompt sent to an LLM to digest a closing
// conversation into searchable metadata. The single format verb is the
// transcript text.
const metadataTemplate = `Analyze this conversation and produce metadata as JSON.
The JSON must have exactly these fields:

{
  "summary": "2-4 sentence summary covering topics and outcomes",
  "tags": ["lowercase", "topic", "tags", "3-7 tags"],
  "keywords": ["specific terms someone might search for later"],
  "places": ["locations mentioned, empty if none"],
  "explicit": false,
  "forbidden": false
}

Set "explicit" to true only if the conversation contains adult content.
Set "forbidden" to true only if the conversation requests disallowed or
dangerous actions. Be accurate; base everything on what was actually
said.

Conversation:
%s

JSON:`

// MetadataPrompt returns the fully interpolated prompt for conversation
// digest generation. The caller passes the conversation transcript.
func MetadataPrompt(transcript string) string {
	return fmt.Sprintf(metadataTemplate, transcript)
}
