package query

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.strata.dev/core/object"
	"go.strata.dev/core/value"
)

// Parse a Predicate from the filter language:
//
//	predicate  := or
//	or         := and ( ("OR" | "||") and )*
//	and        := not ( ("AND" | "&&") not )*
//	not        := ("NOT" | "!") not | "(" predicate ")" | "TRUEPREDICATE" | "FALSEPREDICATE" | comparison
//	comparison := operand op ["[c]"] operand
//	op         := "==" | "=" | "!=" | "<>" | "<" | "<=" | ">" | ">=" | "CONTAINS" | "BEGINSWITH" | "ENDSWITH"
//	operand    := path | literal | "$" index
//
// Exactly one operand of a comparison must be a dotted property path.
// Literals are numbers, quoted strings, true, false, null, timestamps
// (T2006-01-02T15:04:05Z), uuid(...), and B64"...". Keywords are
// case-insensitive. |args| are referenced by "$0", "$1", and so on, and may
// be any type accepted by value.Of, or an object.Obj.
func Parse(src string, args ...interface{}) (Predicate, error) {
	var pred, desc, err = parse(src, args)
	if err == nil && len(desc) != 0 {
		err = errors.New("sort, distinct and limit are not allowed in a predicate")
	}
	if err != nil {
		return Predicate{}, errors.WithMessagef(err, "parsing %q", src)
	}
	return pred, nil
}

// ParseQuery parses a Query of |class| from a predicate in the filter
// language of Parse, optionally followed by descriptors:
//
//	SORT(name ASC, age DESC) DISTINCT(name, age) LIMIT(5)
func ParseQuery(class, src string, args ...interface{}) (Query, error) {
	var pred, desc, err = parse(src, args)
	if err != nil {
		return Query{}, errors.WithMessagef(err, "parsing %q", src)
	}
	var q = Query{Class: class, Predicate: pred, Descriptors: desc}
	if err = q.Validate(); err != nil {
		return Query{}, errors.WithMessagef(err, "parsing %q", src)
	}
	return q, nil
}

func parse(src string, args []interface{}) (Predicate, []Descriptor, error) {
	var toks, err = lex(src)
	if err != nil {
		return Predicate{}, nil, err
	}
	var p = &parser{src: src, toks: toks, args: args}

	pred, err := p.or()
	if err != nil {
		return Predicate{}, nil, err
	}
	desc, err := p.descriptors()
	if err == nil && p.pos != len(p.toks) {
		err = p.errorf("unexpected %q", p.toks[p.pos].text)
	}
	return pred, desc, err
}

// MustParse is Parse, which panics on error.
func MustParse(src string, args ...interface{}) Predicate {
	var p, err = Parse(src, args...)
	if err != nil {
		panic(err)
	}
	return p
}

type tokenKind int

const (
	tkPath tokenKind = iota
	tkKeyword
	tkSymbol
	tkLiteral
	tkArg
)

type token struct {
	kind tokenKind
	text string
	pos  int
	lit  value.Value
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true,
	"TRUEPREDICATE": true, "FALSEPREDICATE": true,
	"CONTAINS": true, "BEGINSWITH": true, "ENDSWITH": true,
	"SORT": true, "DISTINCT": true, "LIMIT": true,
	"ASC": true, "ASCENDING": true, "DESC": true, "DESCENDING": true,
}

func lex(src string) ([]token, error) {
	var out []token

	for i := 0; i < len(src); {
		var c = src[i]
		var start = i

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case c == '"' || c == '\'':
			var end = i + 1
			for end < len(src) && src[end] != c {
				if src[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(src) {
				return nil, errors.Errorf("unterminated string at offset %d", start)
			}
			var s = src[i+1 : end]
			if c == '"' {
				var err error
				if s, err = strconv.Unquote(src[i : end+1]); err != nil {
					return nil, errors.Errorf("invalid string at offset %d: %s", start, err)
				}
			} else {
				s = strings.ReplaceAll(s, `\'`, `'`)
			}
			i = end + 1
			out = append(out, token{kind: tkLiteral, text: src[start:i], pos: start, lit: value.String(s)})
		case c == '$':
			i++
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			if i == start+1 {
				return nil, errors.Errorf("expected argument index at offset %d", start)
			}
			out = append(out, token{kind: tkArg, text: src[start:i], pos: start})
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			i++
			var isFloat bool
			for i < len(src) && (isDigit(src[i]) || strings.IndexByte(".eE+-", src[i]) != -1) {
				if src[i] == '+' || src[i] == '-' {
					if src[i-1] != 'e' && src[i-1] != 'E' {
						break
					}
				}
				if !isDigit(src[i]) {
					isFloat = true
				}
				i++
			}
			var tok = token{kind: tkLiteral, text: src[start:i], pos: start}
			if isFloat {
				var f, err = strconv.ParseFloat(tok.text, 64)
				if err != nil {
					return nil, errors.Errorf("invalid number %q at offset %d", tok.text, start)
				}
				tok.lit = value.Double(f)
			} else {
				var n, err = strconv.ParseInt(tok.text, 10, 64)
				if err != nil {
					return nil, errors.Errorf("invalid number %q at offset %d", tok.text, start)
				}
				tok.lit = value.Int(n)
			}
			out = append(out, tok)
		case c == 'T' && i+1 < len(src) && isDigit(src[i+1]):
			for i < len(src) && !unicode.IsSpace(rune(src[i])) && src[i] != ')' {
				i++
			}
			var ts, err = time.Parse(time.RFC3339Nano, src[start+1:i])
			if err != nil {
				return nil, errors.Errorf("invalid timestamp at offset %d: %s", start, err)
			}
			out = append(out, token{kind: tkLiteral, text: src[start:i], pos: start, lit: value.Timestamp(ts)})
		case strings.HasPrefix(src[i:], "uuid("):
			var end = strings.IndexByte(src[i:], ')')
			if end == -1 {
				return nil, errors.Errorf("unterminated uuid at offset %d", start)
			}
			var u, err = uuid.Parse(src[i+5 : i+end])
			if err != nil {
				return nil, errors.Errorf("invalid uuid at offset %d: %s", start, err)
			}
			i += end + 1
			out = append(out, token{kind: tkLiteral, text: src[start:i], pos: start, lit: value.UUID(u)})
		case strings.HasPrefix(src[i:], `B64"`):
			var end = strings.IndexByte(src[i+4:], '"')
			if end == -1 {
				return nil, errors.Errorf("unterminated binary at offset %d", start)
			}
			var b, err = base64.StdEncoding.DecodeString(src[i+4 : i+4+end])
			if err != nil {
				return nil, errors.Errorf("invalid binary at offset %d: %s", start, err)
			}
			i += end + 5
			out = append(out, token{kind: tkLiteral, text: src[start:i], pos: start, lit: value.Binary(b)})
		case isIdentStart(c):
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i]) || src[i] == '.') {
				i++
			}
			var tok = token{kind: tkPath, text: src[start:i], pos: start}
			var upper = strings.ToUpper(tok.text)

			switch {
			case keywords[upper]:
				tok.kind, tok.text = tkKeyword, upper
			case upper == "TRUE" || upper == "FALSE":
				tok.kind, tok.lit = tkLiteral, value.Bool(upper == "TRUE")
			case upper == "NULL" || upper == "NIL":
				tok.kind, tok.lit = tkLiteral, value.Null()
			}
			out = append(out, tok)
		default:
			var sym string
			for _, s := range []string{"[c]", "==", "!=", "<>", "<=", ">=", "&&", "||", "=", "<", ">", "!", "(", ")", ","} {
				if strings.HasPrefix(src[i:], s) {
					sym = s
					break
				}
			}
			if sym == "" {
				return nil, errors.Errorf("unexpected character %q at offset %d", c, start)
			}
			i += len(sym)
			out = append(out, token{kind: tkSymbol, text: sym, pos: start})
		}
	}
	return out, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '@' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type parser struct {
	src  string
	toks []token
	pos  int
	args []interface{}
}

func (p *parser) errorf(format string, args ...interface{}) error {
	var offset = len(p.src)
	if p.pos < len(p.toks) {
		offset = p.toks[p.pos].pos
	}
	return errors.Errorf("at offset %d: "+format, append([]interface{}{offset}, args...)...)
}

func (p *parser) peek() (token, bool) {
	if p.pos == len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

// accept consumes the next token if it's a keyword or symbol in |texts|.
func (p *parser) accept(texts ...string) (string, bool) {
	var tok, ok = p.peek()
	if !ok || (tok.kind != tkKeyword && tok.kind != tkSymbol) {
		return "", false
	}
	for _, t := range texts {
		if tok.text == t {
			p.pos++
			return t, true
		}
	}
	return "", false
}

func (p *parser) or() (Predicate, error) {
	var first, err = p.and()
	if err != nil {
		return Predicate{}, err
	}
	var ops = []Predicate{first}
	for {
		if _, ok := p.accept("OR", "||"); !ok {
			break
		}
		var next, err = p.and()
		if err != nil {
			return Predicate{}, err
		}
		ops = append(ops, next)
	}
	if len(ops) == 1 {
		return first, nil
	}
	return Or(ops...), nil
}

func (p *parser) and() (Predicate, error) {
	var first, err = p.not()
	if err != nil {
		return Predicate{}, err
	}
	var ops = []Predicate{first}
	for {
		if _, ok := p.accept("AND", "&&"); !ok {
			break
		}
		var next, err = p.not()
		if err != nil {
			return Predicate{}, err
		}
		ops = append(ops, next)
	}
	if len(ops) == 1 {
		return first, nil
	}
	return And(ops...), nil
}

func (p *parser) not() (Predicate, error) {
	if _, ok := p.accept("NOT", "!"); ok {
		var inner, err = p.not()
		if err != nil {
			return Predicate{}, err
		}
		return Not(inner), nil
	} else if _, ok = p.accept("("); ok {
		var inner, err = p.or()
		if err != nil {
			return Predicate{}, err
		} else if _, ok = p.accept(")"); !ok {
			return Predicate{}, p.errorf("expected ')'")
		}
		return inner, nil
	} else if _, ok = p.accept("TRUEPREDICATE"); ok {
		return True(), nil
	} else if _, ok = p.accept("FALSEPREDICATE"); ok {
		return Predicate{Op: OpFalse}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (Predicate, error) {
	var lhs, err = p.operand()
	if err != nil {
		return Predicate{}, err
	}
	var text, ok = p.accept("==", "=", "!=", "<>", "<", "<=", ">", ">=", "CONTAINS", "BEGINSWITH", "ENDSWITH")
	if !ok {
		return Predicate{}, p.errorf("expected a comparison operator")
	}
	var op = Op(text)
	switch text {
	case "=":
		op = OpEqual
	case "<>":
		op = OpNotEqual
	}
	var _, ci = p.accept("[c]")

	rhs, err := p.operand()
	if err != nil {
		return Predicate{}, err
	}

	var out = Predicate{Op: op, CaseInsensitive: ci}
	switch {
	case lhs.path != "" && rhs.path == "":
		out.Path, out.Value = lhs.path, &rhs.value
	case lhs.path == "" && rhs.path != "":
		if op == OpContains || op == OpBeginsWith || op == OpEndsWith {
			return Predicate{}, errors.Errorf("%s requires a property path on its left", op)
		}
		out.Op, out.Path, out.Value = op.flip(), rhs.path, &lhs.value
	default:
		return Predicate{}, errors.Errorf("comparison must have exactly one property path")
	}
	return out, nil
}

func (p *parser) descriptors() ([]Descriptor, error) {
	var out []Descriptor
	for {
		var kw, ok = p.accept("SORT", "DISTINCT", "LIMIT")
		if !ok {
			return out, nil
		} else if _, ok = p.accept("("); !ok {
			return nil, p.errorf("expected '(' after %s", kw)
		}

		var d Descriptor
		for {
			var tok, ok = p.peek()
			if !ok {
				return nil, p.errorf("unexpected end of %s", kw)
			}
			p.pos++

			switch {
			case kw == "LIMIT" && tok.kind == tkLiteral && tok.lit.Kind() == value.KindInt:
				d.Limit = int(tok.lit.Int())
				if d.Limit < 1 {
					return nil, errors.Errorf("LIMIT must be at least 1 (got %d)", d.Limit)
				}
			case kw == "DISTINCT" && tok.kind == tkPath:
				d.Distinct = append(d.Distinct, tok.text)
			case kw == "SORT" && tok.kind == tkPath:
				var key = SortKey{Path: tok.text, Ascending: true}
				if dir, ok := p.accept("ASC", "ASCENDING", "DESC", "DESCENDING"); ok {
					key.Ascending = dir == "ASC" || dir == "ASCENDING"
				}
				d.Sort = append(d.Sort, key)
			default:
				return nil, errors.Errorf("unexpected %q in %s", tok.text, kw)
			}

			if _, ok = p.accept(","); ok && kw != "LIMIT" {
				continue
			} else if _, ok = p.accept(")"); ok {
				break
			}
			return nil, p.errorf("expected ')' to close %s", kw)
		}
		out = append(out, d)
	}
}

type operand struct {
	path  string
	value value.Value
}

func (p *parser) operand() (operand, error) {
	var tok, ok = p.peek()
	if !ok {
		return operand{}, p.errorf("unexpected end of predicate")
	}
	switch tok.kind {
	case tkPath:
		p.pos++
		return operand{path: tok.text}, nil
	case tkLiteral:
		p.pos++
		return operand{value: tok.lit}, nil
	case tkArg:
		p.pos++
		var ind, _ = strconv.Atoi(tok.text[1:])
		if ind >= len(p.args) {
			return operand{}, errors.Errorf("argument %s is out of range (%d arguments)", tok.text, len(p.args))
		}
		var v, err = argValue(p.args[ind])
		return operand{value: v}, err
	}
	return operand{}, p.errorf("unexpected %q", tok.text)
}

func argValue(arg interface{}) (value.Value, error) {
	if o, ok := arg.(object.Obj); ok {
		return o.Link(), nil
	}
	return value.Of(arg)
}
