package parser

import (
	"path/filepath"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// Language identifies the grammar used to parse a source file.
type Language string

const (
	LangNone       Language = ""
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
	LangJavaScript Language = "javascript"
)

var extensionLanguages = map[string]Language{
	".ts":  LangTypeScript,
	".mts": LangTypeScript,
	".cts": LangTypeScript,
	".tsx": LangTSX,
	".js":  LangJavaScript,
	".jsx": LangJavaScript,
	".mjs": LangJavaScript,
	".cjs": LangJavaScript,
}

// LanguageFor returns the grammar for path, or LangNone for files that carry
// no import statements (json, env files).
func LanguageFor(path string) Language {
	ext := strings.ToLower(filepath.Ext(path))
	if strings.HasSuffix(strings.ToLower(path), ".d.ts") {
		return LangTypeScript
	}
	return extensionLanguages[ext]
}

func grammar(lang Language) *sitter.Language {
	switch lang {
	case LangTypeScript:
		return sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript())
	case LangTSX:
		return sitter.NewLanguage(tree_sitter_typescript.LanguageTSX())
	case LangJavaScript:
		return sitter.NewLanguage(tree_sitter_javascript.Language())
	default:
		return nil
	}
}
