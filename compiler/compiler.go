// Package compiler translates source text into bytecode prototypes in a
// single pass: lexing, recursive-descent parsing and code emission are
// interleaved and no syntax tree is built.
//
// Registers are allocated with a compile-time stack pointer that mirrors
// the interpreter's register window. Every sub-expression claims registers
// at the current top and releases them in strict last-in-first-out order;
// misuse is an internal error. Jumps whose targets are not yet known are
// recorded in a patch list and fixed up when the target is reached.
package compiler

import (
	"fmt"

	"github.com/chazu/sprout/bytecode"
	"github.com/chazu/sprout/fixed"
)

// Error is a compile error: a message and the 0-based source position.
type Error struct {
	Msg    string
	Line   int
	Column int
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line+1, e.Msg)
}

// internalError marks a violated compiler invariant. It is never turned
// into an ordinary error.
type internalError string

func (e internalError) Error() string { return "compiler internal error: " + string(e) }

const (
	maxSymbols   = 200 // live symbols across all nested functions
	maxUpvals    = 255
	maxConsts    = 1 << 16
	maxCallArgs  = 255
	maxJumpDelta = 1<<15 - 1
)

// compiler holds the state of one compilation.
type compiler struct {
	lex  *Lexer
	tok  Token // current token
	prev Token // last consumed token
	fs   *funcState

	// syms is the symbol table shared by all nested functions. Each
	// function owns the tail starting at its symBase; each block scope the
	// tail starting at its mark. Capacity is fixed.
	syms []symbol
}

// Compile compiles a whole program. The result is the prototype of the
// top-level chunk, with every function literal reachable through its
// constant pool. On failure it returns a *Error and no prototype.
func Compile(name string, src []byte) (proto *bytecode.Proto, err error) {
	c := &compiler{
		lex:  NewLexer(string(src)),
		syms: make([]symbol, 0, maxSymbols),
	}
	defer func() {
		if r := recover(); r != nil {
			cerr, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			proto, err = nil, cerr
		}
		c.syms = nil
		c.fs = nil
	}()

	c.advance()
	c.openFunction(name, 0)
	c.fs.isMain = true
	for c.tok.Type != TokenEOF {
		c.statement()
	}
	c.emitABC(bytecode.OpReturnUndef, 0, 0, 0)
	return c.closeFunction(), nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (c *compiler) advance() {
	c.prev = c.tok
	c.tok = c.lex.NextToken()
	if c.tok.Type == TokenError {
		c.errorAt(c.tok.Pos, c.tok.Literal)
	}
}

func (c *compiler) check(t TokenType) bool { return c.tok.Type == t }

func (c *compiler) accept(t TokenType) bool {
	if c.tok.Type == t {
		c.advance()
		return true
	}
	return false
}

func (c *compiler) expect(t TokenType) Token {
	if c.tok.Type != t {
		c.errorf("expected %s, found %s", tokenDesc(t), c.tokenText())
	}
	tok := c.tok
	c.advance()
	return tok
}

func (c *compiler) expectIdent() string {
	return c.expect(TokenIdentifier).Literal
}

func (c *compiler) tokenText() string {
	switch c.tok.Type {
	case TokenEOF:
		return "end of file"
	case TokenIdentifier, TokenNumber:
		return fmt.Sprintf("'%s'", c.tok.Literal)
	case TokenString:
		return "string"
	}
	return tokenDesc(c.tok.Type)
}

func tokenDesc(t TokenType) string {
	switch t {
	case TokenEOF, TokenNumber, TokenString, TokenIdentifier:
		return t.String()
	}
	return "'" + t.String() + "'"
}

func (c *compiler) errorAt(pos Position, msg string) {
	panic(&Error{Msg: msg, Line: pos.Line, Column: pos.Column})
}

func (c *compiler) errorf(format string, args ...any) {
	c.errorAt(c.tok.Pos, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (c *compiler) pc() int { return len(c.fs.proto.Code) }

func (c *compiler) emit(in bytecode.Instr) int {
	fs := c.fs
	pc := len(fs.proto.Code)
	fs.lines.Mark(pc, c.prev.Pos.Line)
	fs.proto.Code = append(fs.proto.Code, in)
	return pc
}

func (c *compiler) emitABC(op bytecode.Opcode, a, b, cc int) int {
	return c.emit(bytecode.ABC(op, uint8(a), uint8(b), uint8(cc)))
}

func (c *compiler) emitABx(op bytecode.Opcode, a, bx int) int {
	return c.emit(bytecode.ABx(op, uint8(a), uint16(bx)))
}

// emitJump emits a jump with an unresolved target.
func (c *compiler) emitJump(op bytecode.Opcode, a int) int {
	return c.emit(bytecode.AsBx(op, uint8(a), 0))
}

// patch points the jump at pc to target.
func (c *compiler) patch(pc, target int) {
	delta := target - (pc + 1)
	if delta > maxJumpDelta || delta < -maxJumpDelta-1 {
		c.errorf("control structure too large")
	}
	code := c.fs.proto.Code
	code[pc] = code[pc].WithSBx(int16(delta))
}

// patchHere points the jump at pc to the next instruction, if pc >= 0.
func (c *compiler) patchHere(pc int) {
	if pc >= 0 {
		c.patch(pc, c.pc())
	}
}

// emitJumpTo emits a jump to an already known target.
func (c *compiler) emitJumpTo(op bytecode.Opcode, a, target int) {
	c.patch(c.emitJump(op, a), target)
}

// loadNumber emits the shortest load of n into reg.
func (c *compiler) loadNumber(reg int, n fixed.Fix) {
	if n.IsInt() {
		c.emit(bytecode.AsBx(bytecode.OpLoadInt, uint8(reg), int16(n.Int())))
		return
	}
	c.emitABC(bytecode.OpLoadNum, reg, 0, 0)
	c.emit(bytecode.Instr(n.Raw()))
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// stringConst returns the pool index of s, adding it once.
func (c *compiler) stringConst(s string) int {
	fs := c.fs
	if i, ok := fs.strings[s]; ok {
		return i
	}
	i := c.addConst(bytecode.Const{Kind: bytecode.ConstString, Str: s})
	fs.strings[s] = i
	return i
}

func (c *compiler) addConst(k bytecode.Const) int {
	p := c.fs.proto
	if len(p.Consts) >= maxConsts {
		c.errorf("too many constants in function")
	}
	p.Consts = append(p.Consts, k)
	return len(p.Consts) - 1
}

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// claim reserves the register at the top of the window.
func (c *compiler) claim() int {
	fs := c.fs
	if fs.vsp >= bytecode.MaxSlots {
		c.errorf("function or expression too complex")
	}
	r := fs.vsp
	fs.vsp++
	if fs.vsp > fs.proto.NumSlots {
		fs.proto.NumSlots = fs.vsp
	}
	return r
}

// release frees register r, which must be the top of the window.
func (c *compiler) release(r int) {
	fs := c.fs
	if r != fs.vsp-1 {
		panic(internalError(fmt.Sprintf("release of register %d with top %d", r, fs.vsp-1)))
	}
	fs.vsp--
}

// releaseTo releases every register at or above r.
func (c *compiler) releaseTo(r int) {
	for c.fs.vsp > r {
		c.release(c.fs.vsp - 1)
	}
}
