package content

import (
	"strings"
	"unicode/utf8"
)

// DefaultWidth is the bubble text width used when Cowsay gets a non-positive width.
const DefaultWidth = 40

const cow = `        \   ^__^
         \  (oo)\_______
            (__)\       )\/\
                ||----w |
                ||     ||
`

// Cowsay renders text in a speech bubble above a cow. Paragraphs are
// refilled to width columns; blank lines separate paragraphs.
func Cowsay(text string, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	lines := Wrap(text, width)
	if len(lines) == 0 {
		lines = []string{""}
	}
	longest := 0
	for _, l := range lines {
		if n := utf8.RuneCountInString(l); n > longest {
			longest = n
		}
	}

	var b strings.Builder
	b.WriteString(" " + strings.Repeat("_", longest+2) + "\n")
	for i, l := range lines {
		left, right := "|", "|"
		switch {
		case len(lines) == 1:
			left, right = "<", ">"
		case i == 0:
			left, right = "/", "\\"
		case i == len(lines)-1:
			left, right = "\\", "/"
		}
		pad := strings.Repeat(" ", longest-utf8.RuneCountInString(l))
		b.WriteString(left + " " + l + pad + " " + right + "\n")
	}
	b.WriteString(" " + strings.Repeat("-", longest+2) + "\n")
	b.WriteString(cow)
	return b.String()
}

// Wrap fills text into lines of at most width runes. Words longer than
// width are split.
func Wrap(text string, width int) []string {
	text = strings.ReplaceAll(text, "\t", "        ")
	var lines []string
	for i, para := range paragraphs(text) {
		if i > 0 {
			lines = append(lines, "")
		}
		var cur []rune
		for _, word := range strings.Fields(para) {
			w := []rune(word)
			for len(w) > width {
				if len(cur) > 0 {
					lines = append(lines, string(cur))
					cur = nil
				}
				lines = append(lines, string(w[:width]))
				w = w[width:]
			}
			switch {
			case len(w) == 0:
			case len(cur) == 0:
				cur = w
			case len(cur)+1+len(w) <= width:
				cur = append(append(cur, ' '), w...)
			default:
				lines = append(lines, string(cur))
				cur = w
			}
		}
		if len(cur) > 0 {
			lines = append(lines, string(cur))
		}
	}
	return lines
}

func paragraphs(text string) []string {
	var out []string
	var cur []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, " "))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}
