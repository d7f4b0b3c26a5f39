package parser

import (
	"sync"
	"sync/atomic"

	"devloop/internal/shared/observability"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// Pools recycles tree-sitter parsers, one pool per supported grammar. Every
// save re-parses the changed file, so a parser is not allocated per event.
// Safe for concurrent use.
type Pools struct {
	byLang map[Language]*sync.Pool
	leased atomic.Int64
}

func NewPools() *Pools {
	p := &Pools{byLang: make(map[Language]*sync.Pool, 3)}
	for _, lang := range []Language{LangTypeScript, LangTSX, LangJavaScript} {
		g := grammar(lang)
		p.byLang[lang] = &sync.Pool{New: func() any {
			sp := sitter.NewParser()
			_ = sp.SetLanguage(g)
			return sp
		}}
	}
	return p
}

// lease hands out a parser for lang together with its release func. The
// parser is nil when lang has no grammar.
func (p *Pools) lease(lang Language) (*sitter.Parser, func()) {
	pool := p.byLang[lang]
	if pool == nil {
		return nil, func() {}
	}
	sp := pool.Get().(*sitter.Parser)
	p.leased.Add(1)
	observability.ParsersInUse.Inc()
	return sp, func() {
		sp.Reset()
		pool.Put(sp)
		p.leased.Add(-1)
		observability.ParsersInUse.Dec()
	}
}

// Parse parses content with the grammar selected by path. The caller owns
// the returned tree and must Close it. A nil tree means the file has no
// grammar.
func (p *Pools) Parse(path string, content []byte) *sitter.Tree {
	sp, release := p.lease(LanguageFor(path))
	if sp == nil {
		return nil
	}
	defer release()
	return sp.Parse(content, nil)
}
