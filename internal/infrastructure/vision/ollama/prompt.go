package ollama

import "strings"

const maxHintRunes = 4000

func buildVisionPrompt(instruction, hint string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))

	hint = strings.TrimSpace(hint)
	if hint == "" {
		return b.String()
	}
	if runes := []rune(hint); len(runes) > maxHintRunes {
		hint = string(runes[:maxHintRunes])
	}
	b.WriteString(`

The page also carries an unreliable embedded text layer. Use it only to resolve
characters that are unreadable in the image; the image is authoritative.

Text layer:
`)
	b.WriteString(hint)
	return b.String()
}
