package classify

import (
	"fmt"
	"strings"

	"github.com/sells-group/solicitation-watch/internal/links"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
)

// DefaultMaxChars caps the message text sent to the model.
const DefaultMaxChars = 20000

// TruncatedMarker is appended to message text that exceeded the ceiling.
const TruncatedMarker = "[TRUNCATED]"

// PromptInput is everything the classifier may show the model about one
// submission. Images are optional.
type PromptInput struct {
	Text         string
	MessageType  model.MessageType
	EmailSubject string
	EmailFrom    string
	Evidence     *anthropic.ContentPart
	Landing      *anthropic.ContentPart
	LandingURL   string
	Comments     []string
	MaxChars     int
}

const responseContract = `Respond with a single JSON object and nothing else:
{
  "violations": [
    {
      "code": "<one of the codes above>",
      "title": "<short title>",
      "rationale": "<why this text or image matches the code>",
      "evidence": [<numbers of the message lines that show it>],
      "severity": <integer 1-5>,
      "confidence": <number 0-1>
    }
  ],
  "summary": "<one or two sentences describing the solicitation>",
  "confidence": <number 0-1, your overall confidence>
}
Return "violations": [] when nothing applies. Never invent codes outside the list.`

// BuildPrompt renders the system prompt for tax and the user content parts
// for in.
func BuildPrompt(tax *Taxonomy, in PromptInput) (string, []anthropic.ContentPart) {
	return systemPrompt(tax), userParts(in)
}

func systemPrompt(tax *Taxonomy) string {
	var sb strings.Builder
	sb.WriteString("You review political fundraising solicitations for deceptive practices. ")
	sb.WriteString("Classify the message strictly against this closed list of violation codes.\n\n")
	for _, c := range tax.Codes {
		fmt.Fprintf(&sb, "%s: %s (default severity %d)\n", c.Code, c.Title, c.Severity)
		for _, r := range c.Rules {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	sb.WriteString("\nReviewer comments, when present, are corrections from a human analyst and take precedence over your own reading.\n\n")
	sb.WriteString(responseContract)
	return sb.String()
}

func userParts(in PromptInput) []anthropic.ContentPart {
	var parts []anthropic.ContentPart

	var sb strings.Builder
	fmt.Fprintf(&sb, "Message type: %s\n", in.MessageType)
	if in.MessageType == model.MessageTypeEmail {
		if in.EmailFrom != "" {
			fmt.Fprintf(&sb, "From: %s\n", in.EmailFrom)
		}
		if in.EmailSubject != "" {
			fmt.Fprintf(&sb, "Subject: %s\n", in.EmailSubject)
		}
	}
	sb.WriteString("\nMessage text (numbered lines):\n")
	sb.WriteString(numberLines(truncate(in.Text, in.MaxChars)))
	parts = append(parts, anthropic.TextPart(sb.String()))

	if in.Evidence != nil {
		parts = append(parts,
			anthropic.TextPart("Image of the original message:"),
			*in.Evidence,
		)
	}
	if in.Landing != nil {
		label := "Screenshot of the donation landing page"
		if in.LandingURL != "" {
			label += " at " + links.StripQuery(in.LandingURL)
		}
		parts = append(parts, anthropic.TextPart(label+":"), *in.Landing)
	}

	if len(in.Comments) > 0 {
		var cb strings.Builder
		cb.WriteString("Reviewer comments:\n")
		for _, c := range in.Comments {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			fmt.Fprintf(&cb, "- %s\n", c)
		}
		parts = append(parts, anthropic.TextPart(cb.String()))
	}
	return parts
}

// truncate cuts text to maxChars runes and flags the cut inline.
func truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxChars {
		return text
	}
	return fmt.Sprintf("%s\n%s %d of %d characters shown", string(r[:maxChars]), TruncatedMarker, maxChars, len(r))
}

// numberLines prefixes each line with its 1-based number so findings can
// cite evidence by line. The truncation marker is left unnumbered.
func numberLines(text string) string {
	if text == "" {
		return "(no text)\n"
	}
	var sb strings.Builder
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, TruncatedMarker) {
			sb.WriteString(line + "\n")
			continue
		}
		n++
		fmt.Fprintf(&sb, "[%d] %s\n", n, line)
	}
	return sb.String()
}
