package aggregate

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Labeler maps a breakdown key to a display label.
type Labeler interface {
	Label(key string) string
}

// Humanize title-cases snake_case enum values: "hard_hat" becomes
// "Hard Hat", "false_positive" becomes "False Positive".
type Humanize struct{}

func (Humanize) Label(key string) string {
	return HumanizeKey(key)
}

// HumanizeKey is the function form of Humanize. A Caser keeps state, so a
// fresh one is built per call.
func HumanizeKey(key string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(key, "_", " "))
}

// Names labels keys from a lookup table, such as camera or domain names
// from the catalog, falling back to the key itself.
type Names map[string]string

func (n Names) Label(key string) string {
	if name, ok := n[key]; ok && name != "" {
		return name
	}
	return key
}
