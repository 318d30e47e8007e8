package codecheck

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Issue is one syntax problem found in a code block.
type Issue struct {
	Lang    string
	Line    int // 1-based, relative to the checked text
	Column  int // 1-based
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", i.Lang, i.Line, i.Column, i.Message)
}

// Result summarises a check.
type Result struct {
	// Checked is the number of blocks parsed.
	Checked int

	// Skipped is the number of blocks in languages without a grammar.
	Skipped int

	Issues []Issue
}

// OK reports whether every checked block parsed cleanly.
func (r Result) OK() bool {
	return len(r.Issues) == 0
}

// Err returns a *SyntaxError when issues were found.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &SyntaxError{Issues: r.Issues}
}

// SyntaxError reports code blocks that failed to parse.
type SyntaxError struct {
	Issues []Issue
}

func (e *SyntaxError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "syntax errors in generated code: " + strings.Join(parts, "; ")
}

// Checker parses fenced code blocks with tree-sitter. Text without any
// fence is checked as a whole.
type Checker struct {
	languages   *LanguageRegistry
	defaultLang string
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithDefaultLanguage sets the language of unfenced text. When unset,
// unfenced text passes if any registered grammar parses it cleanly.
func WithDefaultLanguage(lang string) CheckerOption {
	return func(c *Checker) {
		c.defaultLang = lang
	}
}

// NewChecker creates a checker over DefaultLanguages.
func NewChecker(opts ...CheckerOption) *Checker {
	return NewCheckerWithRegistry(DefaultLanguages, opts...)
}

// NewCheckerWithRegistry creates a checker over a custom registry.
func NewCheckerWithRegistry(r *LanguageRegistry, opts ...CheckerOption) *Checker {
	c := &Checker{languages: r}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Supported reports whether lang has a grammar.
func (c *Checker) Supported(lang string) bool {
	_, _, ok := c.languages.Lookup(lang)
	return ok
}

// Check parses every fenced block in text. Blocks without a known language
// are skipped, not failed. Blank text passes.
func (c *Checker) Check(ctx context.Context, text string) (Result, error) {
	blocks := ExtractBlocks(text)
	if len(blocks) == 0 {
		if strings.TrimSpace(text) == "" {
			return Result{}, nil
		}
		return c.checkUnfenced(ctx, text)
	}

	var res Result
	for _, block := range blocks {
		name, lang, ok := c.languages.Lookup(block.Lang)
		if !ok {
			res.Skipped++
			continue
		}

		issue, err := parseBlock(ctx, name, lang, block)
		if err != nil {
			return res, err
		}
		res.Checked++
		if issue != nil {
			res.Issues = append(res.Issues, *issue)
		}
	}
	return res, nil
}

// checkUnfenced parses the whole text in the default language, or in every
// registered language until one accepts it. When none does, the issue that
// got furthest into the text is reported.
func (c *Checker) checkUnfenced(ctx context.Context, text string) (Result, error) {
	names := c.languages.Names()
	if c.defaultLang != "" {
		name, _, ok := c.languages.Lookup(c.defaultLang)
		if !ok {
			return Result{Skipped: 1}, nil
		}
		names = []string{name}
	}

	block := Block{Code: text}
	var best *Issue
	for _, name := range names {
		_, lang, _ := c.languages.Lookup(name)
		issue, err := parseBlock(ctx, name, lang, block)
		if err != nil {
			return Result{}, err
		}
		if issue == nil {
			return Result{Checked: 1}, nil
		}
		if best == nil || issue.Line > best.Line || (issue.Line == best.Line && issue.Column > best.Column) {
			best = issue
		}
	}
	if best == nil {
		return Result{Skipped: 1}, nil
	}
	return Result{Checked: 1, Issues: []Issue{*best}}, nil
}

// parseBlock returns the first syntax issue in block, or nil.
func parseBlock(ctx context.Context, name string, lang *sitter.Language, block Block) (*Issue, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	content := []byte(block.Code)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s block: %w", name, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}

	bad := firstErrorNode(root)
	if bad == nil {
		bad = root
	}
	pt := bad.StartPoint()

	msg := "syntax error"
	if bad.IsMissing() {
		msg = "missing " + bad.Type()
	} else if snippet := strings.TrimSpace(firstLine(bad.Content(content))); snippet != "" {
		msg = fmt.Sprintf("syntax error near %q", snippet)
	}

	return &Issue{
		Lang:    name,
		Line:    codeLine(block) + int(pt.Row),
		Column:  int(pt.Column) + 1,
		Message: msg,
	}, nil
}

// firstErrorNode walks down the branches that contain errors and returns
// the first ERROR or MISSING node in document order.
func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !(child.HasError() || child.IsMissing()) {
			continue
		}
		if found := firstErrorNode(child); found != nil {
			return found
		}
	}
	return nil
}

// codeLine is the 1-based source line of the block's first code line.
func codeLine(b Block) int {
	if b.Line == 0 {
		return 1
	}
	return b.Line + 1
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
