// Package codecheck finds fenced code blocks in generated text and checks
// that they parse, using tree-sitter grammars.
package codecheck

import (
	"regexp"
	"strings"
)

// fencePattern matches a markdown fenced block: ```lang\n ... \n```
var fencePattern = regexp.MustCompile("(?ms)^[ \t]*```[ \t]*([A-Za-z0-9_+#.-]*)[^\n]*\n(.*?)^[ \t]*```[ \t]*$")

// Block is one fenced code block.
type Block struct {
	// Lang is the lowercased info-string language ("" when absent).
	Lang string

	// Code is the block body without the fences.
	Code string

	// Line is the 1-based line of the opening fence in the source text.
	Line int
}

// ExtractBlocks returns the fenced code blocks in text, in order.
// An unterminated fence is ignored.
func ExtractBlocks(text string) []Block {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Lang: strings.ToLower(text[m[2]:m[3]]),
			Code: text[m[4]:m[5]],
			Line: strings.Count(text[:m[0]], "\n") + 1,
		})
	}
	return blocks
}
