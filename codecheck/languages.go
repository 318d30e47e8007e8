package codecheck

import (
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageRegistry maps fence languages and their aliases to grammars.
// Thread-safe for concurrent access.
type LanguageRegistry struct {
	mu      sync.RWMutex
	grammar map[string]*sitter.Language // canonical name → grammar
	aliases map[string]string           // alias → canonical name
}

// NewLanguageRegistry creates an empty registry.
func NewLanguageRegistry() *LanguageRegistry {
	return &LanguageRegistry{
		grammar: make(map[string]*sitter.Language),
		aliases: make(map[string]string),
	}
}

// Register adds a grammar under name and its aliases. The first registration
// of an alias wins.
func (r *LanguageRegistry) Register(name string, aliases []string, lang *sitter.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.grammar[name] = lang
	for _, a := range append([]string{name}, aliases...) {
		a = strings.ToLower(a)
		if _, exists := r.aliases[a]; !exists {
			r.aliases[a] = name
		}
	}
}

// Lookup resolves a fence language to its canonical name and grammar.
func (r *LanguageRegistry) Lookup(lang string) (string, *sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.aliases[strings.ToLower(lang)]
	if !ok {
		return "", nil, false
	}
	return name, r.grammar[name], true
}

// Names returns the canonical language names, sorted.
func (r *LanguageRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.grammar))
	for name := range r.grammar {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultLanguages is the registry used by NewChecker.
var DefaultLanguages = NewLanguageRegistry()

func init() {
	DefaultLanguages.Register("go", []string{"golang"}, golang.GetLanguage())
	DefaultLanguages.Register("python", []string{"py", "python3"}, python.GetLanguage())
	DefaultLanguages.Register("javascript", []string{"js", "jsx", "node"}, javascript.GetLanguage())
	DefaultLanguages.Register("typescript", []string{"ts"}, typescript.GetLanguage())
	DefaultLanguages.Register("tsx", nil, tsx.GetLanguage())
	DefaultLanguages.Register("java", nil, java.GetLanguage())
}
