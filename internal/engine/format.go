package engine

import (
	"strings"
	"unicode/utf8"
)

// whatsAppMaxRunes is the WhatsApp text message body limit.
const whatsAppMaxRunes = 4096

// FormatForWhatsApp converts common markdown to WhatsApp's text conventions
// and enforces the channel's length limit.
//
// WhatsApp uses *bold*, _italic_, ~strikethrough~ and has no headings or
// links syntax: **x** becomes *x*, heading markers are stripped, and
// everything past the length limit is cut on a word boundary with an
// ellipsis.
func FormatForWhatsApp(text string) string {
	text = strings.TrimSpace(text)

	// **bold** → *bold*. Loop so ***x*** collapses all the way down.
	for strings.Contains(text, "**") {
		text = strings.ReplaceAll(text, "**", "*")
	}
	// __italic__ → _italic_, same treatment.
	for strings.Contains(text, "__") {
		text = strings.ReplaceAll(text, "__", "_")
	}

	// Strip heading markers and convert list dashes at line starts.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		for strings.HasPrefix(trimmed, "#") {
			trimmed = strings.TrimPrefix(trimmed, "#")
		}
		lines[i] = strings.TrimLeft(trimmed, " ")
	}
	text = strings.Join(lines, "\n")

	// Collapse runs of 3+ newlines; WhatsApp renders them as dead space.
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	if utf8.RuneCountInString(text) <= whatsAppMaxRunes {
		return text
	}

	runes := []rune(text)
	cut := whatsAppMaxRunes - 1 // room for the ellipsis
	// Back up to a word boundary.
	for cut > 0 && runes[cut] != ' ' && runes[cut] != '\n' {
		cut--
	}
	if cut == 0 {
		cut = whatsAppMaxRunes - 1
	}
	return strings.TrimRight(string(runes[:cut]), " \n") + "…"
}
