package parser

import (
	"testing"

	domainerrors "devloop/internal/core/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownFiles(paths ...string) func(string) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(rel string) bool { return set[rel] }
}

func specifiers(imports []Import) []string {
	out := make([]string, 0, len(imports))
	for _, imp := range imports {
		out = append(out, imp.Specifier)
	}
	return out
}

func TestExtractor_Imports(t *testing.T) {
	ex := NewExtractor(NewResolver(knownFiles(), nil), 16)

	t.Run("TypeScriptForms", func(t *testing.T) {
		src := []byte(`import express from "express";
import { db } from "./config/db.config";
import type { User } from "./models/user";
import "./bootstrap";
export * from "./routes";
export { helper } from "../shared/helper";
import legacy = require("./legacy");
const lazy = await import("./lazy");
const cjs = require('./cjs');
const dyn = import(` + "`./plain`" + `);
const skipped = import(` + "`./views/${name}`" + `);
export const port = 3000;
`)
		imports, err := ex.Imports("src/main.ts", src)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"express",
			"./config/db.config",
			"./models/user",
			"./bootstrap",
			"./routes",
			"../shared/helper",
			"./legacy",
			"./lazy",
			"./cjs",
			"./plain",
		}, specifiers(imports))

		kinds := map[string]ImportKind{}
		for _, imp := range imports {
			kinds[imp.Specifier] = imp.Kind
		}
		assert.Equal(t, ImportType, kinds["./models/user"])
		assert.Equal(t, ImportReexport, kinds["./routes"])
		assert.Equal(t, ImportRequire, kinds["./legacy"])
		assert.Equal(t, ImportDynamic, kinds["./lazy"])
		assert.Equal(t, ImportStatic, kinds["./bootstrap"])
		assert.Equal(t, 2, imports[1].Location.Line)
	})

	t.Run("TSX", func(t *testing.T) {
		src := []byte("import { Button } from './button';\nexport const App = () => <Button />;\n")
		imports, err := ex.Imports("src/app.tsx", src)
		require.NoError(t, err)
		assert.Equal(t, []string{"./button"}, specifiers(imports))
	})

	t.Run("CommonJS", func(t *testing.T) {
		src := []byte("const svc = require('./service');\nmodule.exports = { svc };\n")
		imports, err := ex.Imports("lib/index.cjs", src)
		require.NoError(t, err)
		assert.Equal(t, []string{"./service"}, specifiers(imports))
	})

	t.Run("NoGrammar", func(t *testing.T) {
		imports, err := ex.Imports("package.json", []byte(`{"name":"x"}`))
		require.NoError(t, err)
		assert.Empty(t, imports)
		assert.False(t, ex.Supports(".env"))
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := ex.Imports("src/broken.ts", []byte("import { a from './a';\nconst = ;\n"))
		require.Error(t, err)
		assert.True(t, domainerrors.IsCode(err, domainerrors.CodeDependencyParseFailure))
	})

	t.Run("Cached", func(t *testing.T) {
		src := []byte("import './cached';\n")
		_, err := ex.Imports("src/a.ts", src)
		require.NoError(t, err)
		before := ex.cache.Len()
		_, err = ex.Imports("src/b.ts", src)
		require.NoError(t, err)
		assert.Equal(t, before, ex.cache.Len())
	})
}

func TestExtractor_Dependencies(t *testing.T) {
	resolver := NewResolver(knownFiles(
		"src/config/db.config.ts",
		"src/controllers/users.controller.ts",
		"src/routes/index.ts",
		"src/models/user.ts",
	), nil)
	ex := NewExtractor(resolver, 0)

	src := []byte(`import express from "express";
import { db } from "./config/db.config";
import "./controllers/users.controller.js";
import routes from "./routes";
import { User } from "./models/user";
import { User as Again } from "./models/user.ts";
import missing from "./missing";
import outside from "../../outside";
`)
	deps, err := ex.Dependencies("src/main.ts", src)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"src/config/db.config.ts",
		"src/controllers/users.controller.ts",
		"src/models/user.ts",
		"src/routes/index.ts",
	}, deps.Resolved)
	assert.Equal(t, []string{"../../outside", "./missing"}, deps.Unresolved)
}

func TestExtractor_DependenciesKeepsSelfImport(t *testing.T) {
	ex := NewExtractor(NewResolver(knownFiles("src/loop.ts", "src/util.ts"), nil), 0)

	deps, err := ex.Dependencies("src/loop.ts", []byte("import { again } from './loop';\nimport { u } from './util';\nexport const again = 1;\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"src/loop.ts", "src/util.ts"}, deps.Resolved)
}

func TestResolver_Candidates(t *testing.T) {
	r := NewResolver(knownFiles("a/b.mts", "a/c/index.js", "data.json"), nil)

	tests := []struct {
		from, spec string
		want       string
		ok         bool
	}{
		{"a/x.ts", "./b.mjs", "a/b.mts", true},
		{"a/x.ts", "./b", "a/b.mts", true},
		{"a/x.ts", "./c", "a/c/index.js", true},
		{"a/x.ts", "../data.json", "data.json", true},
		{"a/x.ts", "./nope", "", false},
		{"x.ts", "../escape", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, ok := r.Resolve(tt.from, tt.spec)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, IsRelative("./a"))
	assert.True(t, IsRelative(".."))
	assert.False(t, IsRelative("react"))
	assert.False(t, IsRelative("@scope/pkg"))
}

func TestPools_SyntaxIssues(t *testing.T) {
	pools := NewPools()

	assert.Empty(t, pools.SyntaxIssues("src/ok.ts", []byte("export const a = 1;\n")))
	assert.Empty(t, pools.SyntaxIssues(".env", []byte("=== not code")))

	issues := pools.SyntaxIssues("src/bad.ts", []byte("export const a = 1;\nconst = ;\n"))
	require.NotEmpty(t, issues)
	assert.Equal(t, 2, issues[0].Line)
	assert.GreaterOrEqual(t, issues[0].Length, 1)
	assert.NotEmpty(t, issues[0].Message)
}

func TestLRUCache(t *testing.T) {
	c := NewLRUCache[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Evict("a")
	assert.Equal(t, 1, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 2, c.Cap())
	assert.Equal(t, 1, NewLRUCache[int, int](0).Cap())
}
