// Package prompts holds the fixed role instructions of the coding pipeline and
// the labelled template every stage prompt is rendered with.
package prompts

import "strings"

// Section is one labelled input field of a stage prompt.
type Section struct {
	Label string
	Body  string
}

// Render builds a stage prompt:
//
//	{system}
//	### {Label}:
//	{Body}
//	...
//	### {output}:
//
// Sections are written in the order given; bodies are inserted verbatim.
func Render(system string, sections []Section, output string) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n")
	for _, s := range sections {
		writeLabel(&b, s.Label)
		b.WriteString(s.Body)
		b.WriteString("\n")
	}
	writeLabel(&b, output)
	return b.String()
}

func writeLabel(b *strings.Builder, label string) {
	b.WriteString("### ")
	b.WriteString(label)
	b.WriteString(":\n")
}
