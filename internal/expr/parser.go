package expr

import "strings"

// node is a parsed expression tree element.
type node interface {
	eval(ev *evaluator) (Value, error)
}

type literalNode struct{ v Value }

type identNode struct {
	name string
	pos  int
}

type accessNode struct {
	target node
	key    node
}

type notNode struct{ operand node }

type binaryNode struct {
	op          tokenKind
	left, right node
}

type callNode struct {
	name string
	args []node
	pos  int
}

// Program is a parsed expression ready for evaluation.
type Program struct {
	src  string
	root node
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.src }

// Compile parses an expression. A surrounding ${{ }} wrapper is accepted
// and stripped.
func Compile(src string) (*Program, error) {
	body := unwrap(src)
	if strings.TrimSpace(body) == "" {
		return nil, newError(src, 0, "empty expression")
	}
	toks, err := tokenize(body)
	if err != nil {
		if ee, ok := err.(*ExpressionError); ok {
			ee.Expression = src
		}
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, newError(src, tok.pos, "unexpected %q", tok.text)
	}
	return &Program{src: src, root: root}, nil
}

func unwrap(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") && strings.Count(s, "${{") == 1 {
		return s[3 : len(s)-2]
	}
	return s
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		if tok.kind == tokEOF {
			return tok, newError(p.src, tok.pos, "expected %s, got end of expression", what)
		}
		return tok, newError(p.src, tok.pos, "expected %s, got %q", what, tok.text)
	}
	return tok, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokEq || k == tokNe; k = p.peek().kind {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: k, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokLt || k == tokLe || k == tokGt || k == tokGe; k = p.peek().kind {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: k, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.advance()
			tok := p.advance()
			switch tok.kind {
			case tokIdent, tokTrue, tokFalse, tokNull:
				n = &accessNode{target: n, key: &literalNode{v: String(tok.text)}}
			default:
				return nil, newError(p.src, tok.pos, "expected property name after '.'")
			}
		case tokLBracket:
			p.advance()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			n = &accessNode{target: n, key: key}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		return &literalNode{v: Number(tok.num)}, nil
	case tokString:
		return &literalNode{v: String(tok.text)}, nil
	case tokTrue:
		return &literalNode{v: Bool(true)}, nil
	case tokFalse:
		return &literalNode{v: Bool(false)}, nil
	case tokNull:
		return &literalNode{v: Null}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return &identNode{name: tok.text, pos: tok.pos}, nil
	case tokEOF:
		return nil, newError(p.src, tok.pos, "unexpected end of expression")
	default:
		return nil, newError(p.src, tok.pos, "unexpected %q", tok.text)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	p.advance() // (
	call := &callNode{name: strings.ToLower(name.text), pos: name.pos}
	if p.peek().kind == tokRParen {
		p.advance()
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		tok := p.advance()
		switch tok.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		default:
			return nil, newError(p.src, tok.pos, "expected ',' or ')' in call to %s", name.text)
		}
	}
}

// walk visits every node of the tree depth-first.
func walk(n node, fn func(node)) {
	if n == nil {
		return
	}
	fn(n)
	switch t := n.(type) {
	case *accessNode:
		walk(t.target, fn)
		walk(t.key, fn)
	case *notNode:
		walk(t.operand, fn)
	case *binaryNode:
		walk(t.left, fn)
		walk(t.right, fn)
	case *callNode:
		for _, a := range t.args {
			walk(a, fn)
		}
	}
}
