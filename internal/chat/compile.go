package chat

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/builtins"
	"github.com/nikolalohinski/gonja/v2/exec"
	"github.com/nikolalohinski/gonja/v2/loaders"
	"github.com/nikolalohinski/gonja/v2/nodes"
	"github.com/nikolalohinski/gonja/v2/parser"
	"github.com/nikolalohinski/gonja/v2/tokens"
)

const templateName = "/chat_template.jinja"

// environment is gonja's default environment with "if" replaced by a
// block that renders in the enclosing scope, so a {% set %} inside an
// if body stays visible after endif.
var environment = sync.OnceValue(func() *exec.Environment {
	structures := exec.NewControlStructureSet(map[string]parser.ControlStructureParser{}).
		Update(builtins.ControlStructures)
	if err := structures.Replace("if", parseIf); err != nil {
		panic(err)
	}
	return &exec.Environment{
		Context:           gonja.DefaultContext,
		Filters:           builtins.Filters,
		Tests:             builtins.Tests,
		ControlStructures: structures,
		Methods:           builtins.Methods,
	}
})

func parseTemplate(source string) (*exec.Template, error) {
	loader, err := loaders.NewMemoryLoader(map[string]string{templateName: bindFilters(source)})
	if err != nil {
		return nil, err
	}
	return exec.NewTemplate(templateName, gonja.DefaultConfig, loader, environment())
}

type ifBlock struct {
	location   *tokens.Token
	conditions []nodes.Expression
	wrappers   []*nodes.Wrapper
}

func (b *ifBlock) Position() *tokens.Token { return b.location }

func (b *ifBlock) String() string {
	return fmt.Sprintf("if(Line=%d Col=%d)", b.location.Line, b.location.Col)
}

func (b *ifBlock) Execute(r *exec.Renderer, _ *nodes.ControlStructureBlock) error {
	for i, cond := range b.conditions {
		v := r.Eval(cond)
		if v.IsError() {
			return v
		}
		if v.IsTrue() {
			return nodes.Walk(r, b.wrappers[i])
		}
	}
	if len(b.wrappers) > len(b.conditions) {
		return nodes.Walk(r, b.wrappers[len(b.conditions)])
	}
	return nil
}

func parseIf(p *parser.Parser, args *parser.Parser) (nodes.ControlStructure, error) {
	b := &ifBlock{location: args.Current()}
	cond, err := args.ParseExpression()
	if err != nil {
		return nil, err
	}
	if !args.End() {
		return nil, args.Error("malformed if condition", nil)
	}
	b.conditions = append(b.conditions, cond)

	for {
		wrapper, tagArgs, err := p.WrapUntil("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		b.wrappers = append(b.wrappers, wrapper)
		switch wrapper.EndTag {
		case "elif":
			cond, err := tagArgs.ParseExpression()
			if err != nil {
				return nil, err
			}
			if !tagArgs.End() {
				return nil, tagArgs.Error("malformed elif condition", nil)
			}
			b.conditions = append(b.conditions, cond)
		default:
			if !tagArgs.End() {
				return nil, tagArgs.Error("arguments not allowed here", nil)
			}
		}
		if wrapper.EndTag == "endif" {
			return b, nil
		}
	}
}

// keywords never start an operand and never take a call trailer.
var keywords = map[string]bool{
	"if": true, "elif": true, "else": true, "for": true, "in": true, "is": true,
	"and": true, "or": true, "not": true, "set": true, "recursive": true,
}

type edit struct {
	pos   int
	close bool
}

// bindFilters parenthesizes each filtered operand so that
// "'a' + x | trim + 'b'" parses as "'a' + (x | trim) + 'b'". gonja applies
// a filter to the whole expression on its left, Jinja to the nearest
// operand. Sources that do not lex are returned unchanged and left for
// the parser to report.
func bindFilters(source string) string {
	toks := lex(source)
	if len(toks) == 0 || toks[len(toks)-1].Type != tokens.EOF {
		return source
	}
	for _, tok := range toks {
		if tok.Type == tokens.Error {
			return source
		}
	}

	b := binder{toks: toks, chained: make(map[int]bool)}
	var edits []edit
	for i, tok := range toks {
		if tok.Type != tokens.Pipe || b.chained[i] {
			continue
		}
		start, ok := b.operandStart(b.prev(i))
		if !ok {
			continue
		}
		end, ok := b.chainEnd(i)
		if !ok {
			continue
		}
		edits = append(edits, edit{pos: toks[start].Pos}, edit{pos: end, close: true})
	}
	if len(edits) == 0 {
		return source
	}
	slices.SortStableFunc(edits, func(x, y edit) int {
		if c := cmp.Compare(x.pos, y.pos); c != 0 {
			return c
		}
		switch {
		case x.close && !y.close:
			return -1
		case !x.close && y.close:
			return 1
		}
		return 0
	})

	var out strings.Builder
	out.Grow(len(source) + len(edits))
	last := 0
	for _, e := range edits {
		out.WriteString(source[last:e.pos])
		if e.close {
			out.WriteByte(')')
		} else {
			out.WriteByte('(')
		}
		last = e.pos
	}
	out.WriteString(source[last:])
	return out.String()
}

func lex(source string) []*tokens.Token {
	l := tokens.NewLexer(source, gonja.DefaultConfig)
	go l.Run()
	var toks []*tokens.Token
	for tok := range l.Tokens {
		toks = append(toks, tok)
	}
	return toks
}

type binder struct {
	toks    []*tokens.Token
	chained map[int]bool
}

func (b *binder) prev(i int) int {
	for i--; i >= 0 && b.toks[i].Type == tokens.Whitespace; i-- {
	}
	return i
}

func (b *binder) next(i int) int {
	for i++; i < len(b.toks) && b.toks[i].Type == tokens.Whitespace; i++ {
	}
	return i
}

func (b *binder) is(i int, typ tokens.Type) bool {
	return i >= 0 && i < len(b.toks) && b.toks[i].Type == typ
}

func (b *binder) keyword(i int) bool {
	return keywords[b.toks[i].Val] || b.is(b.prev(i), tokens.BlockBegin)
}

// trailable reports whether the token at i can be followed by a
// subscript, call or attribute that extends the same operand.
func (b *binder) trailable(i int) bool {
	if i < 0 {
		return false
	}
	switch b.toks[i].Type {
	case tokens.String, tokens.RightParenthesis, tokens.RightBracket, tokens.RightBrace:
		return true
	case tokens.Name:
		return !b.keyword(i)
	}
	return false
}

// operandStart walks back from the last token of an operand to its first.
func (b *binder) operandStart(j int) (int, bool) {
	if j < 0 {
		return 0, false
	}
	switch tok := b.toks[j]; tok.Type {
	case tokens.RightParenthesis, tokens.RightBracket, tokens.RightBrace:
		open, ok := b.match(j, -1)
		if !ok {
			return 0, false
		}
		if p := b.prev(open); tok.Type != tokens.RightBrace && b.trailable(p) {
			return b.operandStart(p)
		}
		return open, true
	case tokens.Name:
		if b.keyword(j) {
			return 0, false
		}
		fallthrough
	case tokens.String, tokens.Integer, tokens.Float:
		if d := b.prev(j); b.is(d, tokens.Dot) {
			if p := b.prev(d); b.trailable(p) {
				return b.operandStart(p)
			}
		}
		return j, true
	}
	return 0, false
}

// chainEnd returns the source offset just past the filter chain that
// starts with the pipe at i, marking the chain's later pipes.
func (b *binder) chainEnd(i int) (int, bool) {
	for {
		n := b.next(i)
		if !b.is(n, tokens.Name) {
			return 0, false
		}
		last := n
		if a := b.next(n); b.is(a, tokens.LeftParenthesis) {
			c, ok := b.match(a, 1)
			if !ok {
				return 0, false
			}
			last = c
		}
		end := b.toks[last].Pos + len(b.toks[last].Val)
		p := b.next(last)
		if !b.is(p, tokens.Pipe) {
			return end, true
		}
		b.chained[p] = true
		i = p
	}
}

// match finds the bracket paired with the one at i, scanning in dir.
func (b *binder) match(i, dir int) (int, bool) {
	depth := 0
	for k := i; k >= 0 && k < len(b.toks); k += dir {
		switch b.toks[k].Type {
		case tokens.LeftParenthesis, tokens.LeftBracket, tokens.LeftBrace:
			depth += dir
		case tokens.RightParenthesis, tokens.RightBracket, tokens.RightBrace:
			depth -= dir
		case tokens.BlockBegin, tokens.BlockEnd, tokens.VariableBegin, tokens.VariableEnd:
			return 0, false
		}
		if depth == 0 {
			return k, true
		}
	}
	return 0, false
}
