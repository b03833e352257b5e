// Package filter parses a small text condition language into the tagged
// filter trees the SQL builder compiles, so command-line callers can write
// `total > 100 and status = "open"` instead of hand-building JSON arrays.
package filter

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Float", Pattern: `-?\d+\.\d+`},
	{Name: "Int", Pattern: `-?\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operators", Pattern: `>=|<=|!=|>|<|=`},
	{Name: "Punct", Pattern: `[(),]`},
	{Name: "whitespace", Pattern: `\s+`},
})

// Parser turns condition text into tagged filter trees.
type Parser struct {
	parser *participle.Parser[Expr]
}

// New builds a Parser. Keywords match case-insensitively.
func New() (*Parser, error) {
	parser, err := participle.Build[Expr](
		participle.Lexer(filterLexer),
		participle.Unquote("String"),
		participle.CaseInsensitive("Ident"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}

	return &Parser{parser: parser}, nil
}

// Parse compiles input into a tagged filter tree ready for a query's
// Filters field.
func (p *Parser) Parse(input string) ([]interface{}, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	expr, err := p.parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	node, err := compileExpr(expr)
	if err != nil {
		return nil, err
	}
	tree, ok := node.([]interface{})
	if !ok {
		return nil, fmt.Errorf("filter must be a condition, not a bare value")
	}
	return tree, nil
}

func validateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("filter is empty")
	}
	if strings.Contains(input, ";") {
		return fmt.Errorf("multiple statements not allowed")
	}
	if strings.Contains(input, "'") {
		return fmt.Errorf("single quotes not allowed, use double quotes")
	}
	return nil
}

var cmpTags = map[string]string{
	"=":  "Eq",
	"!=": "NotEq",
	"<":  "Lt",
	"<=": "LtE",
	">":  "Gt",
	">=": "GtE",
}

func compileExpr(e *Expr) (interface{}, error) {
	return compileChain("Or", len(e.Terms), func(i int) (interface{}, error) {
		return compileAnd(e.Terms[i])
	})
}

func compileAnd(c *AndChain) (interface{}, error) {
	return compileChain("And", len(c.Terms), func(i int) (interface{}, error) {
		return compileNot(c.Terms[i])
	})
}

// compileChain joins n compiled children under tag, or passes a single child
// through untouched.
func compileChain(tag string, n int, child func(i int) (interface{}, error)) (interface{}, error) {
	if n == 1 {
		return child(0)
	}
	out := make([]interface{}, 0, n+1)
	out = append(out, tag)
	for i := 0; i < n; i++ {
		node, err := child(i)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func compileNot(n *NotExpr) (interface{}, error) {
	if n.Negated != nil {
		inner, err := compileNot(n.Negated)
		if err != nil {
			return nil, err
		}
		return []interface{}{"Not", inner}, nil
	}
	return compileTerm(n.Term)
}

func compileTerm(t *Term) (interface{}, error) {
	if t.Paren != nil {
		return compileExpr(t.Paren)
	}
	return compileComparison(t.Comparison)
}

func compileComparison(c *Comparison) (interface{}, error) {
	left := compileOperand(c.Left)

	if c.Tail == nil {
		// Bare operand: only a column makes sense as a truthiness test.
		if c.Left.Column == nil {
			return nil, fmt.Errorf("a bare literal is not a condition")
		}
		return left, nil
	}

	switch {
	case c.Tail.Cmp != nil:
		tag, ok := cmpTags[c.Tail.Cmp.Op]
		if !ok {
			return nil, fmt.Errorf("unknown operator %q", c.Tail.Cmp.Op)
		}
		return []interface{}{tag, left, compileOperand(c.Tail.Cmp.Right)}, nil

	case c.Tail.In != nil:
		list := make([]interface{}, 0, len(c.Tail.In.Elements)+1)
		list = append(list, "List")
		for _, el := range c.Tail.In.Elements {
			list = append(list, compileOperand(el))
		}
		tag := "In"
		if c.Tail.In.Not {
			tag = "NotIn"
		}
		return []interface{}{tag, left, list}, nil

	case c.Tail.Is != nil:
		tag := "Is"
		if c.Tail.Is.Not {
			tag = "IsNot"
		}
		return []interface{}{tag, left, []interface{}{"Const", nil}}, nil
	}

	return nil, fmt.Errorf("incomplete condition")
}

func compileOperand(o *Operand) []interface{} {
	switch {
	case o.String != nil:
		return []interface{}{"Const", *o.String}
	case o.Float != nil:
		return []interface{}{"Const", *o.Float}
	case o.Int != nil:
		return []interface{}{"Const", *o.Int}
	case o.True:
		return []interface{}{"Const", true}
	case o.False:
		return []interface{}{"Const", false}
	case o.Null:
		return []interface{}{"Const", nil}
	case o.Column != nil:
		return []interface{}{"Name", *o.Column}
	}
	return []interface{}{"Const", nil}
}
