package expr

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokDot
	tokComma
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokNot
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokAnd
	tokOr
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src string
	pos int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// tokenize splits src into tokens, always terminated by tokEOF.
func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	var out []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && strings.ContainsRune(" \t\r\n", rune(l.src[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==":
		l.pos += 2
		return token{kind: tokEq, text: two, pos: start}, nil
	case "!=":
		l.pos += 2
		return token{kind: tokNe, text: two, pos: start}, nil
	case "<=":
		l.pos += 2
		return token{kind: tokLe, text: two, pos: start}, nil
	case ">=":
		l.pos += 2
		return token{kind: tokGe, text: two, pos: start}, nil
	case "&&":
		l.pos += 2
		return token{kind: tokAnd, text: two, pos: start}, nil
	case "||":
		l.pos += 2
		return token{kind: tokOr, text: two, pos: start}, nil
	}

	single := map[byte]tokenKind{
		'.': tokDot, ',': tokComma, '(': tokLParen, ')': tokRParen,
		'[': tokLBracket, ']': tokRBracket, '!': tokNot, '<': tokLt, '>': tokGt,
	}
	if kind, ok := single[c]; ok {
		// A dot directly followed by a digit starts a number such as .5.
		if !(c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) && l.prevAllowsNumber()) {
			l.pos++
			return token{kind: kind, text: string(c), pos: start}, nil
		}
	}

	switch {
	case c == '\'':
		return l.lexString()
	case isDigit(c) || c == '-' || c == '.':
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		switch text {
		case "true":
			return token{kind: tokTrue, text: text, pos: start}, nil
		case "false":
			return token{kind: tokFalse, text: text, pos: start}, nil
		case "null":
			return token{kind: tokNull, text: text, pos: start}, nil
		}
		return token{kind: tokIdent, text: text, pos: start}, nil
	}
	return token{}, newError(l.src, start, "unexpected character %q", c)
}

// prevAllowsNumber reports whether the previous non-space byte cannot end
// an operand, so a leading '.' must belong to a number literal.
func (l *lexer) prevAllowsNumber() bool {
	i := l.pos - 1
	for i >= 0 && strings.ContainsRune(" \t\r\n", rune(l.src[i])) {
		i--
	}
	if i < 0 {
		return true
	}
	p := l.src[i]
	return !(isIdentPart(p) || p == ')' || p == ']' || p == '\'')
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, newError(l.src, start, "unterminated string literal")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isDigit(c) || c == '.' || c == 'x' || c == 'X' || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			l.pos++
			continue
		}
		if (c == '+' || c == '-') && (l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E') {
			l.pos++
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	n, err := parseNumberLiteral(text)
	if err != nil {
		return token{}, newError(l.src, start, "invalid number %q", text)
	}
	return token{kind: tokNumber, text: text, num: n, pos: start}, nil
}

func parseNumberLiteral(text string) (float64, error) {
	neg := strings.HasPrefix(text, "-")
	body := strings.TrimPrefix(text, "-")
	if strings.HasPrefix(body, "0x") || strings.HasPrefix(body, "0X") {
		i, err := strconv.ParseInt(body[2:], 16, 64)
		if err != nil {
			return 0, err
		}
		if neg {
			i = -i
		}
		return float64(i), nil
	}
	return strconv.ParseFloat(text, 64)
}
