package parser

import (
	"fmt"
	"strings"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/shared/util"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// ImportKind distinguishes the syntactic forms that introduce a dependency.
type ImportKind string

const (
	ImportStatic   ImportKind = "import"
	ImportType     ImportKind = "type"
	ImportReexport ImportKind = "reexport"
	ImportRequire  ImportKind = "require"
	ImportDynamic  ImportKind = "dynamic"
)

type Location struct {
	Line   int
	Column int
}

// Import is one module specifier referenced by a file.
type Import struct {
	Specifier string
	Kind      ImportKind
	Location  Location
}

var importHandlers = map[string]NodeHandler{
	"import_statement":      handleImportStatement,
	"export_statement":      handleExportStatement,
	"import_require_clause": handleImportRequire,
	"call_expression":       handleCallExpression,
}

var importEngine = NewExtractorEngine(importHandlers)

func handleImportStatement(ctx *ExtractionContext, node *sitter.Node) bool {
	source := node.ChildByFieldName("source")
	spec := ctx.StringValue(source)
	if spec == "" {
		// `import x = require("...")` keeps its source inside the clause.
		return false
	}
	kind := ImportStatic
	if isTypeOnly(node) {
		kind = ImportType
	}
	ctx.Imports = append(ctx.Imports, Import{Specifier: spec, Kind: kind, Location: ctx.Location(source)})
	return true
}

func handleExportStatement(ctx *ExtractionContext, node *sitter.Node) bool {
	source := node.ChildByFieldName("source")
	spec := ctx.StringValue(source)
	if spec == "" {
		return false
	}
	kind := ImportReexport
	if isTypeOnly(node) {
		kind = ImportType
	}
	ctx.Imports = append(ctx.Imports, Import{Specifier: spec, Kind: kind, Location: ctx.Location(source)})
	return true
}

func handleImportRequire(ctx *ExtractionContext, node *sitter.Node) bool {
	source := node.ChildByFieldName("source")
	if spec := ctx.StringValue(source); spec != "" {
		ctx.Imports = append(ctx.Imports, Import{Specifier: spec, Kind: ImportRequire, Location: ctx.Location(source)})
	}
	return true
}

func handleCallExpression(ctx *ExtractionContext, node *sitter.Node) bool {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return false
	}

	var kind ImportKind
	switch {
	case fn.Kind() == "import":
		kind = ImportDynamic
	case fn.Kind() == "identifier" && ctx.Text(fn) == "require":
		kind = ImportRequire
	default:
		return false
	}

	args := node.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return false
	}
	arg := args.NamedChild(0)
	spec := ctx.StringValue(arg)
	if spec == "" {
		spec = plainTemplate(ctx, arg)
	}
	if spec != "" {
		ctx.Imports = append(ctx.Imports, Import{Specifier: spec, Kind: kind, Location: ctx.Location(arg)})
	}
	return false
}

// plainTemplate accepts a template literal without substitutions.
func plainTemplate(ctx *ExtractionContext, node *sitter.Node) string {
	if node == nil || node.Kind() != "template_string" {
		return ""
	}
	for i := uint(0); i < node.NamedChildCount(); i++ {
		if node.NamedChild(i).Kind() == "template_substitution" {
			return ""
		}
	}
	raw := ctx.Text(node)
	if len(raw) < 2 {
		return ""
	}
	return raw[1 : len(raw)-1]
}

func isTypeOnly(node *sitter.Node) bool {
	for i := uint(0); i < node.ChildCount(); i++ {
		if node.Child(i).Kind() == "type" {
			return true
		}
	}
	return false
}

// Extractor finds the import specifiers of TypeScript and JavaScript files
// and resolves the relative ones to project paths.
type Extractor struct {
	pools    *Pools
	resolver *Resolver
	cache    *LRUCache[string, []Import]
}

func NewExtractor(resolver *Resolver, cacheSize int) *Extractor {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	return &Extractor{
		pools:    NewPools(),
		resolver: resolver,
		cache:    NewLRUCache[string, []Import](cacheSize),
	}
}

// Pools exposes the parser pools so other consumers share them.
func (e *Extractor) Pools() *Pools { return e.pools }

// Supports reports whether path is parsed for imports.
func (e *Extractor) Supports(path string) bool {
	return LanguageFor(path) != LangNone
}

// Imports returns every specifier in content in source order. A file whose
// syntax tree contains errors yields DEPENDENCY_PARSE_FAILURE so the caller
// can keep the previous edges.
func (e *Extractor) Imports(path string, content []byte) ([]Import, error) {
	lang := LanguageFor(path)
	if lang == LangNone {
		return nil, nil
	}

	key := string(lang) + ":" + util.ContentHash(content)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	tree := e.pools.Parse(path, content)
	if tree == nil {
		return nil, parseFailure(path, fmt.Errorf("parser returned no tree"))
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		issues := collectSyntaxIssues(root, content, 1)
		cause := fmt.Errorf("syntax error")
		if len(issues) > 0 {
			cause = fmt.Errorf("%s at %d:%d", issues[0].Message, issues[0].Line, issues[0].Column)
		}
		return nil, parseFailure(path, cause)
	}

	ctx := &ExtractionContext{Path: path, Source: content}
	importEngine.Walk(ctx, root)

	e.cache.Put(key, ctx.Imports)
	return ctx.Imports, nil
}

func parseFailure(path string, err error) error {
	return domainerrors.AddContext(
		domainerrors.Wrap(err, domainerrors.CodeDependencyParseFailure, "cannot extract imports"),
		domainerrors.CtxPath, path,
	)
}

// Dependencies is the resolved import set of one file.
type Dependencies struct {
	// Resolved holds project paths, sorted and unique.
	Resolved []string
	// Unresolved holds relative specifiers that matched no file yet.
	Unresolved []string
}

// Dependencies extracts and resolves the project-local imports of path.
// Package imports are ignored. A self-import is kept as an edge so it shows
// up as a cycle.
func (e *Extractor) Dependencies(path string, content []byte) (Dependencies, error) {
	imports, err := e.Imports(path, content)
	if err != nil {
		return Dependencies{}, err
	}

	var deps Dependencies
	for _, imp := range imports {
		if !IsRelative(imp.Specifier) {
			continue
		}
		target, ok := e.resolver.Resolve(path, imp.Specifier)
		if !ok {
			deps.Unresolved = append(deps.Unresolved, imp.Specifier)
			continue
		}
		deps.Resolved = append(deps.Resolved, target)
	}
	deps.Resolved = util.SortedUnique(deps.Resolved)
	deps.Unresolved = util.SortedUnique(deps.Unresolved)
	return deps, nil
}

// IsRelative reports whether spec addresses a file rather than a package.
func IsRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}
