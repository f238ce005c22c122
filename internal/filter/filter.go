// Package filter parses and evaluates recipient filter expressions against
// agent rosters.
//
// Grammar:
//
//	expression := orExpr
//	orExpr     := andExpr ('||' andExpr)*
//	andExpr    := notExpr ('&&' notExpr)*
//	notExpr    := '!' primary | primary
//	primary    := '(' orExpr ')' | condition
//	condition  := key ('=' | '!=') value
//
// Values support '*' wildcards: prefix*, *suffix, *contains*, or arbitrary
// placement. Keys resolve through AgentInfo.Get: "name" and "role" are
// first-class, everything else is a metadata lookup.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/hmdev/channelmesh/internal/message"
)

// Expression is a parsed filter that can be evaluated against an agent.
type Expression interface {
	Evaluate(agent *message.AgentInfo) bool
	String() string
}

// Parse compiles a filter string. An empty or all-whitespace filter returns
// (nil, nil): broadcast semantics.
func Parse(input string) (Expression, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	p := &parser{input: input}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return expr, nil
}

// Validate reports whether a filter string parses. Used by send to reject
// bad requests before anything is stored.
func Validate(input string) error {
	_, err := Parse(input)
	return err
}

type orExpression struct{ terms []Expression }

func (e *orExpression) Evaluate(agent *message.AgentInfo) bool {
	for _, t := range e.terms {
		if t.Evaluate(agent) {
			return true
		}
	}
	return false
}

func (e *orExpression) String() string { return joinTerms(e.terms, " || ") }

type andExpression struct{ terms []Expression }

func (e *andExpression) Evaluate(agent *message.AgentInfo) bool {
	for _, t := range e.terms {
		if !t.Evaluate(agent) {
			return false
		}
	}
	return true
}

func (e *andExpression) String() string { return joinTerms(e.terms, " && ") }

type notExpression struct{ inner Expression }

func (e *notExpression) Evaluate(agent *message.AgentInfo) bool {
	return !e.inner.Evaluate(agent)
}

func (e *notExpression) String() string { return "!" + e.inner.String() }

// condition is a single key-operator-value atom.
type condition struct {
	key      string
	negate   bool
	value    string
	wildcard *regexp.Regexp // non-nil when value needs glob matching
}

func (c *condition) Evaluate(agent *message.AgentInfo) bool {
	got := agent.Get(c.key)
	if got == "" {
		// Absent keys compare as null: never equal, always not-equal.
		return c.negate
	}
	return c.matches(got) != c.negate
}

func (c *condition) matches(got string) bool {
	if c.wildcard != nil {
		return c.wildcard.MatchString(got)
	}
	return got == c.value
}

func (c *condition) String() string {
	op := "="
	if c.negate {
		op = "!="
	}
	return c.key + op + c.value
}

func joinTerms(terms []Expression, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func newCondition(key string, negate bool, value string) (*condition, error) {
	c := &condition{key: key, negate: negate, value: value}
	if strings.Contains(value, "*") {
		re, err := compileGlob(value)
		if err != nil {
			return nil, err
		}
		c.wildcard = re
	}
	return c, nil
}

// compileGlob turns a value with '*' wildcards into an anchored regexp.
func compileGlob(value string) (*regexp.Regexp, error) {
	parts := strings.Split(value, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseOr() (Expression, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expression{first}
	for p.peek("||") {
		p.consume("||")
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &orExpression{terms: terms}, nil
}

func (p *parser) parseAnd() (Expression, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	terms := []Expression{first}
	for p.peek("&&") {
		p.consume("&&")
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &andExpression{terms: terms}, nil
}

func (p *parser) parseNot() (Expression, error) {
	p.skipSpace()
	if p.peek("!") && !p.peek("!=") {
		p.consume("!")
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &notExpression{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expression, error) {
	p.skipSpace()
	if p.peek("(") {
		p.consume("(")
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.peek(")") {
			return nil, fmt.Errorf("expected ')' at position %d", p.pos)
		}
		p.consume(")")
		return expr, nil
	}
	return p.parseCondition()
}

func (p *parser) parseCondition() (Expression, error) {
	p.skipSpace()
	key := p.parseIdentifier()
	if key == "" {
		return nil, fmt.Errorf("expected identifier at position %d", p.pos)
	}

	p.skipSpace()
	negate := false
	switch {
	case p.peek("!="):
		p.consume("!=")
		negate = true
	case p.peek("="):
		p.consume("=")
	default:
		return nil, fmt.Errorf("expected '=' or '!=' at position %d", p.pos)
	}

	p.skipSpace()
	value := p.parseValue()
	if value == "" {
		return nil, fmt.Errorf("expected value at position %d", p.pos)
	}
	return newCondition(key, negate, value)
}

func (p *parser) parseIdentifier() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == '.' {
			p.pos++
		} else {
			break
		}
	}
	return p.input[start:p.pos]
}

func (p *parser) parseValue() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == '.' || c == '*' {
			p.pos++
			continue
		}
		break
	}
	return strings.TrimSpace(p.input[start:p.pos])
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek(s string) bool {
	p.skipSpace()
	return strings.HasPrefix(p.input[p.pos:], s)
}

func (p *parser) consume(s string) {
	p.skipSpace()
	p.pos += len(s)
}
