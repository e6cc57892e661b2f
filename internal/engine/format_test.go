package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestFormatForWhatsAppMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "The **Aurora X2** is in stock.", "The *Aurora X2* is in stock."},
		{"bold italic", "Only ***two*** left.", "Only *two* left."},
		{"italic", "Delivery is __free__ this week.", "Delivery is _free_ this week."},
		{"nested underscores", "Offer ends ___today___.", "Offer ends _today_."},
		{"heading stripped", "## Payment options\nCard or transfer.", "Payment options\nCard or transfer."},
		{"blank runs collapsed", "Hi.\n\n\n\nStill there?", "Hi.\n\nStill there?"},
		{"surrounding space trimmed", "  quick answer \n", "quick answer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatForWhatsApp(tc.in))
		})
	}
}

func TestFormatForWhatsAppLengthCap(t *testing.T) {
	long := strings.Repeat("palabra ", 1000) // ~8000 runes

	got := FormatForWhatsApp(long)

	assert.LessOrEqual(t, utf8.RuneCountInString(got), whatsAppMaxRunes)
	assert.True(t, strings.HasSuffix(got, "…"))
	// Cut lands on a word boundary, never mid-word.
	assert.True(t, strings.HasSuffix(strings.TrimSuffix(got, "…"), "palabra"))
}

func TestFormatForWhatsAppShortTextUntouched(t *testing.T) {
	in := "¿Le interesa el modelo azul?"
	assert.Equal(t, in, FormatForWhatsApp(in))
}
