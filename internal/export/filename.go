package export

import (
	"strings"
	"unicode"
)

// DefaultFilename is used when the title is blank or sanitises to nothing.
const DefaultFilename = "cratere-layout.pdf"

const maxFilenameRunes = 100

// Filename turns a free-text book title into a safe download name.
func Filename(title string) string {
	t := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(title))

	t = strings.Join(strings.Fields(t), "-")
	if r := []rune(t); len(r) > maxFilenameRunes {
		t = string(r[:maxFilenameRunes])
	}
	if t == "" {
		return DefaultFilename
	}
	return t + ".pdf"
}
