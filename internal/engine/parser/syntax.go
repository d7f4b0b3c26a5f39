package parser

import (
	"fmt"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// SyntaxIssue is an ERROR or MISSING node of a parsed file. Positions are
// 1-based.
type SyntaxIssue struct {
	Message string
	Line    int
	Column  int
	Length  int
}

// SyntaxIssues parses content with the grammar for path and reports every
// error node. Files without a grammar have no issues.
func (p *Pools) SyntaxIssues(path string, content []byte) []SyntaxIssue {
	tree := p.Parse(path, content)
	if tree == nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	return collectSyntaxIssues(root, content, 0)
}

// collectSyntaxIssues walks the error-bearing part of the tree. A limit of 0
// collects everything.
func collectSyntaxIssues(node *sitter.Node, content []byte, limit int) []SyntaxIssue {
	var out []SyntaxIssue
	var walk func(n *sitter.Node) bool
	walk = func(n *sitter.Node) bool {
		if n == nil {
			return true
		}
		switch {
		case n.IsMissing():
			out = append(out, issueAt(n, fmt.Sprintf("missing %q", n.Kind()), 1))
		case n.IsError():
			out = append(out, issueAt(n, unexpectedMessage(n, content), int(n.EndByte()-n.StartByte())))
			return limit == 0 || len(out) < limit
		case !n.HasError():
			return true
		default:
			for i := uint(0); i < n.ChildCount(); i++ {
				if !walk(n.Child(i)) {
					return false
				}
			}
		}
		return limit == 0 || len(out) < limit
	}
	walk(node)
	return out
}

func issueAt(n *sitter.Node, msg string, length int) SyntaxIssue {
	if length < 1 {
		length = 1
	}
	pos := n.StartPosition()
	return SyntaxIssue{
		Message: msg,
		Line:    int(pos.Row) + 1,
		Column:  int(pos.Column) + 1,
		Length:  length,
	}
}

func unexpectedMessage(n *sitter.Node, content []byte) string {
	text := strings.TrimSpace(string(content[n.StartByte():n.EndByte()]))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 24 {
		text = text[:24] + "..."
	}
	if text == "" {
		return "syntax error"
	}
	return fmt.Sprintf("unexpected %q", text)
}
