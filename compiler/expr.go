package compiler

import (
	"github.com/chazu/sprout/bytecode"
	"github.com/chazu/sprout/fixed"
)

// ---------------------------------------------------------------------------
// Compiled values
// ---------------------------------------------------------------------------

type expKind uint8

const (
	// Constants, loaded only when they reach a register.
	expNumber expKind = iota
	expString
	expNull
	expTrue
	expFalse
	expUndef

	// Values already in a register.
	expTemp  // owned register at the top of the window
	expLocal // a declared local's register

	// Places that must be read into a register before use.
	expGlobal
	expUpval
	expIndex
)

// exp describes where the value of a compiled expression lives.
type exp struct {
	kind expKind
	num  fixed.Fix // expNumber
	idx  int       // constant index (expString, expGlobal) or upvalue index
	reg  int       // expTemp, expLocal, and the object register of expIndex

	// expIndex only.
	objTemp  bool
	key      int // constant index if keyConst, register otherwise
	keyConst bool
	keyTemp  bool
}

func (e exp) isConst() bool { return e.kind <= expUndef }

func (e exp) inReg() bool { return e.kind == expTemp || e.kind == expLocal }

// topReg returns the highest register e owns, or -1.
func (e exp) topReg() int {
	switch {
	case e.kind == expTemp:
		return e.reg
	case e.kind == expIndex && e.keyTemp:
		return e.key
	case e.kind == expIndex && e.objTemp:
		return e.reg
	}
	return -1
}

// truth classifies a constant as truthy or falsy. ok is false for values
// only known at run time.
func (e exp) truth() (truthy, ok bool) {
	switch e.kind {
	case expNumber:
		return e.num != 0, true
	case expString, expTrue:
		return true, true
	case expNull, expFalse, expUndef:
		return false, true
	}
	return false, false
}

func numberExp(n fixed.Fix) exp { return exp{kind: expNumber, num: n} }

func boolExp(b bool) exp {
	if b {
		return exp{kind: expTrue}
	}
	return exp{kind: expFalse}
}

// exp2reg emits code that places e's value in target. It releases nothing.
func (c *compiler) exp2reg(e exp, target int) {
	switch e.kind {
	case expNumber:
		c.loadNumber(target, e.num)
	case expString:
		c.emitABx(bytecode.OpLoadK, target, e.idx)
	case expNull:
		c.emitABC(bytecode.OpLoadNull, target, 0, 0)
	case expTrue:
		c.emitABC(bytecode.OpLoadBool, target, 1, 0)
	case expFalse:
		c.emitABC(bytecode.OpLoadBool, target, 0, 0)
	case expUndef:
		c.emitABC(bytecode.OpLoadUndef, target, 0, 0)
	case expTemp, expLocal:
		if e.reg != target {
			c.emitABC(bytecode.OpMove, target, e.reg, 0)
		}
	case expGlobal:
		c.emitABx(bytecode.OpGetGlobal, target, e.idx)
	case expUpval:
		c.emitABC(bytecode.OpGetUpval, target, e.idx, 0)
	case expIndex:
		if e.keyConst {
			c.emitABC(bytecode.OpGetField, target, e.reg, e.key)
		} else {
			c.emitABC(bytecode.OpGetIndex, target, e.reg, e.key)
		}
	default:
		panic(internalError("unknown expression kind"))
	}
}

// free releases the registers e owns.
func (c *compiler) free(e exp) {
	switch e.kind {
	case expTemp:
		c.release(e.reg)
	case expIndex:
		if e.keyTemp {
			c.release(e.key)
		}
		if e.objTemp {
			c.release(e.reg)
		}
	}
}

// freeExps releases the registers of two expressions, higher first.
func (c *compiler) freeExps(a, b exp) {
	if a.topReg() > b.topReg() {
		c.free(a)
		c.free(b)
		return
	}
	c.free(b)
	c.free(a)
}

// toTemp moves e into a freshly owned register at the top of the window.
func (c *compiler) toTemp(e exp) exp {
	if e.kind == expTemp {
		return e
	}
	c.free(e)
	r := c.claim()
	c.exp2reg(e, r)
	return exp{kind: expTemp, reg: r}
}

// toReg returns e unchanged if it already lives in a register and moves
// it into a temporary otherwise.
func (c *compiler) toReg(e exp) exp {
	if e.inReg() {
		return e
	}
	return c.toTemp(e)
}

// exprToNext compiles an expression into the next free register and keeps
// that register claimed.
func (c *compiler) exprToNext() int {
	want := c.fs.vsp
	e := c.toTemp(c.expr())
	if e.reg != want {
		panic(internalError("expression result not at window top"))
	}
	return e.reg
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

const (
	precOr  = 1
	precAnd = 2
	precPow = 12
)

type binop struct {
	prec  int
	op    bytecode.Opcode
	swap  bool // operands exchanged: a > b is b < a
	right bool // right-associative
}

var binops = map[TokenType]binop{
	TokenOrOr:   {prec: precOr, op: bytecode.OpJmpIf},
	TokenAndAnd: {prec: precAnd, op: bytecode.OpJmpIfNot},
	TokenEq:     {prec: 3, op: bytecode.OpEq},
	TokenNe:     {prec: 3, op: bytecode.OpNe},
	TokenLt:     {prec: 4, op: bytecode.OpLt},
	TokenLe:     {prec: 4, op: bytecode.OpLe},
	TokenGt:     {prec: 4, op: bytecode.OpLt, swap: true},
	TokenGe:     {prec: 4, op: bytecode.OpLe, swap: true},
	TokenPipe:   {prec: 5, op: bytecode.OpBor},
	TokenCaret:  {prec: 6, op: bytecode.OpBxor},
	TokenAmp:    {prec: 7, op: bytecode.OpBand},
	TokenShl:    {prec: 8, op: bytecode.OpShl},
	TokenShr:    {prec: 8, op: bytecode.OpShr},
	TokenUshr:   {prec: 8, op: bytecode.OpUshr},
	TokenPlus:   {prec: 9, op: bytecode.OpAdd},
	TokenMinus:  {prec: 9, op: bytecode.OpSub},
	TokenStar:   {prec: 10, op: bytecode.OpMul},
	TokenSlash:  {prec: 10, op: bytecode.OpDiv},
	TokenPct:    {prec: 10, op: bytecode.OpMod},
	TokenPow:    {prec: precPow, op: bytecode.OpPow, right: true},
}

// compoundOps maps compound assignment tokens to their arithmetic opcode.
var compoundOps = map[TokenType]bytecode.Opcode{
	TokenAddAssign: bytecode.OpAdd,
	TokenSubAssign: bytecode.OpSub,
	TokenMulAssign: bytecode.OpMul,
	TokenDivAssign: bytecode.OpDiv,
	TokenModAssign: bytecode.OpMod,
}

// fold evaluates op on two number constants.
func fold(op bytecode.Opcode, a, b fixed.Fix) exp {
	switch op {
	case bytecode.OpAdd:
		return numberExp(fixed.Add(a, b))
	case bytecode.OpSub:
		return numberExp(fixed.Sub(a, b))
	case bytecode.OpMul:
		return numberExp(fixed.Mul(a, b))
	case bytecode.OpDiv:
		return numberExp(fixed.Div(a, b))
	case bytecode.OpMod:
		return numberExp(fixed.Mod(a, b))
	case bytecode.OpPow:
		return numberExp(fixed.Pow(a, b))
	case bytecode.OpBand:
		return numberExp(fixed.And(a, b))
	case bytecode.OpBor:
		return numberExp(fixed.Or(a, b))
	case bytecode.OpBxor:
		return numberExp(fixed.Xor(a, b))
	case bytecode.OpShl:
		return numberExp(fixed.Shl(a, b))
	case bytecode.OpShr:
		return numberExp(fixed.Shr(a, b))
	case bytecode.OpUshr:
		return numberExp(fixed.UShr(a, b))
	case bytecode.OpEq:
		return boolExp(a == b)
	case bytecode.OpNe:
		return boolExp(a != b)
	case bytecode.OpLt:
		return boolExp(a < b)
	case bytecode.OpLe:
		return boolExp(a <= b)
	}
	panic(internalError("fold of " + op.String()))
}

// expr compiles a full expression, including the conditional operator.
func (c *compiler) expr() exp {
	e := c.binary(precOr)
	if !c.accept(TokenQuestion) {
		return e
	}
	cond := c.toReg(e)
	skip := c.emitJump(bytecode.OpJmpIfNot, cond.reg)
	c.free(cond)

	t := c.claim()
	a := c.expr()
	c.exp2reg(a, t)
	c.free(a)
	end := c.emitJump(bytecode.OpJmp, 0)
	c.expect(TokenColon)

	c.patchHere(skip)
	b := c.expr()
	c.exp2reg(b, t)
	c.free(b)
	c.patchHere(end)
	return exp{kind: expTemp, reg: t}
}

// binary compiles operators of precedence limit and above by precedence
// climbing.
func (c *compiler) binary(limit int) exp {
	left := c.unary()
	for {
		info, ok := binops[c.tok.Type]
		if !ok || info.prec < limit {
			return left
		}
		c.advance()

		if info.prec == precOr || info.prec == precAnd {
			left = c.logical(info, left)
			continue
		}

		// Constants are loaded after the right operand; anything that could
		// change while the right operand runs is read now.
		if !left.isConst() && !left.inReg() {
			left = c.toTemp(left)
		}
		next := info.prec + 1
		if info.right {
			next = info.prec
		}
		right := c.binary(next)
		left = c.arith(info, left, right)
	}
}

// logical compiles a short-circuiting && or ||. The result is the last
// operand evaluated.
func (c *compiler) logical(info binop, left exp) exp {
	l := c.toTemp(left)
	j := c.emitJump(info.op, l.reg)
	r := c.binary(info.prec + 1)
	c.exp2reg(r, l.reg)
	c.free(r)
	c.patchHere(j)
	return l
}

// arith combines two operands with an arithmetic, bitwise or comparison
// opcode.
func (c *compiler) arith(info binop, left, right exp) exp {
	if left.kind == expNumber && right.kind == expNumber {
		if info.swap {
			return fold(info.op, right.num, left.num)
		}
		return fold(info.op, left.num, right.num)
	}
	right = c.toReg(right)
	left = c.toReg(left)
	c.freeExps(left, right)
	t := c.claim()
	b, cc := left.reg, right.reg
	if info.swap {
		b, cc = cc, b
	}
	c.emitABC(info.op, t, b, cc)
	return exp{kind: expTemp, reg: t}
}

// unary compiles prefix operators. Their operand binds tighter than every
// binary operator except **, so -2 ** 2 is -(2 ** 2).
func (c *compiler) unary() exp {
	var op bytecode.Opcode
	switch c.tok.Type {
	case TokenMinus:
		op = bytecode.OpNeg
	case TokenBang:
		op = bytecode.OpNot
	case TokenTilde:
		op = bytecode.OpBnot
	case TokenHash:
		op = bytecode.OpLen
	default:
		return c.postfix()
	}
	c.advance()
	e := c.binary(precPow)

	switch {
	case op == bytecode.OpNeg && e.kind == expNumber:
		return numberExp(fixed.Neg(e.num))
	case op == bytecode.OpBnot && e.kind == expNumber:
		return numberExp(fixed.Not(e.num))
	case op == bytecode.OpNot:
		if truthy, ok := e.truth(); ok {
			return boolExp(!truthy)
		}
	}
	e = c.toReg(e)
	c.free(e)
	t := c.claim()
	c.emitABC(op, t, e.reg, 0)
	return exp{kind: expTemp, reg: t}
}

// ---------------------------------------------------------------------------
// Postfix expressions: calls, members, indexing
// ---------------------------------------------------------------------------

func (c *compiler) postfix() exp {
	e := c.primary()
	for {
		switch c.tok.Type {
		case TokenDot:
			c.advance()
			name := c.expectIdent()
			e = c.index(e, exp{kind: expString, idx: c.stringConst(name)})
		case TokenLBracket:
			c.advance()
			obj := c.toReg(e)
			key := c.expr()
			c.expect(TokenRBracket)
			e = c.index(obj, key)
		case TokenLParen:
			c.advance()
			if e.kind == expIndex {
				e = c.methodCall(e)
			} else {
				e = c.call(e)
			}
		default:
			return e
		}
	}
}

// index builds the place obj[key]. A string key whose constant index fits
// in an operand is kept as a constant.
func (c *compiler) index(obj, key exp) exp {
	obj = c.toReg(obj)
	e := exp{kind: expIndex, reg: obj.reg, objTemp: obj.kind == expTemp}
	if key.kind == expString && key.idx <= 0xFF {
		e.keyConst, e.key = true, key.idx
		return e
	}
	key = c.toReg(key)
	e.key, e.keyTemp = key.reg, key.kind == expTemp
	return e
}

// call compiles a plain call; this is undefined in the callee.
func (c *compiler) call(fn exp) exp {
	f := c.toTemp(fn)
	this := c.claim()
	c.emitABC(bytecode.OpLoadUndef, this, 0, 0)
	return c.finishCall(f.reg)
}

// methodCall compiles obj.name(args) or obj[key](args): the callee is
// looked up on obj and obj is passed as this.
func (c *compiler) methodCall(m exp) exp {
	get := bytecode.OpGetIndex
	if m.keyConst {
		get = bytecode.OpGetField
	}
	var a int
	if m.objTemp {
		// Look the method up into the slot above the object, then exchange
		// them so the callee sits below its receiver.
		o := m.reg
		if !m.keyTemp && c.claim() != o+1 {
			panic(internalError("method receiver not at window top"))
		}
		c.emitABC(get, o+1, o, m.key)
		c.emitABC(bytecode.OpSwap, o, o+1, 0)
		a = o
	} else {
		if m.keyTemp {
			a = m.key
		} else {
			a = c.claim()
		}
		c.emitABC(get, a, m.reg, m.key)
		c.emitABC(bytecode.OpMove, c.claim(), m.reg, 0)
	}
	return c.finishCall(a)
}

// finishCall compiles the argument list after the callee in a and this in
// a+1, emits the call and leaves the result in a.
func (c *compiler) finishCall(a int) exp {
	if c.fs.vsp != a+2 {
		panic(internalError("call frame not at window top"))
	}
	c.claim() // resume pc
	c.claim() // caller distance
	n := 0
	if !c.check(TokenRParen) {
		for {
			if n == maxCallArgs {
				c.errorf("too many arguments")
			}
			c.exprToNext()
			n++
			if !c.accept(TokenComma) {
				break
			}
		}
	}
	c.expect(TokenRParen)
	c.emitABC(bytecode.OpCall, a, n, 0)
	c.releaseTo(a + 1)
	return exp{kind: expTemp, reg: a}
}

// ---------------------------------------------------------------------------
// Primary expressions
// ---------------------------------------------------------------------------

func (c *compiler) primary() exp {
	tok := c.tok
	switch tok.Type {
	case TokenNumber:
		c.advance()
		n, err := fixed.Parse(tok.Literal)
		if err != nil {
			c.errorAt(tok.Pos, "malformed number '"+tok.Literal+"'")
		}
		return numberExp(n)
	case TokenString:
		c.advance()
		return exp{kind: expString, idx: c.stringConst(tok.Literal)}
	case TokenTrue:
		c.advance()
		return exp{kind: expTrue}
	case TokenFalse:
		c.advance()
		return exp{kind: expFalse}
	case TokenNull:
		c.advance()
		return exp{kind: expNull}
	case TokenUndefined:
		c.advance()
		return exp{kind: expUndef}
	case TokenThis:
		c.advance()
		return exp{kind: expLocal, reg: bytecode.SlotThis}
	case TokenIdentifier:
		c.advance()
		return c.resolve(tok.Literal)
	case TokenLParen:
		c.advance()
		e := c.expr()
		c.expect(TokenRParen)
		return e
	case TokenLBracket:
		c.advance()
		return c.arrayLiteral()
	case TokenLBrace:
		c.advance()
		return c.tableLiteral()
	case TokenFunction:
		c.advance()
		r := c.claim()
		c.closure(r, "", tok.Pos.Line)
		return exp{kind: expTemp, reg: r}
	}
	c.errorf("expected expression, found %s", c.tokenText())
	panic("unreachable")
}

// arrayLiteral compiles [a, b, ...]; a trailing comma is allowed.
func (c *compiler) arrayLiteral() exp {
	r := c.claim()
	pc := c.emitABC(bytecode.OpNewArray, r, 0, 0)
	n := 0
	for !c.check(TokenRBracket) {
		v := c.toReg(c.expr())
		c.emitABC(bytecode.OpAppend, r, v.reg, 0)
		c.free(v)
		n++
		if !c.accept(TokenComma) {
			break
		}
	}
	c.expect(TokenRBracket)
	c.fs.proto.Code[pc] = bytecode.ABC(bytecode.OpNewArray, uint8(r), uint8(min(n, 0xFF)), 0)
	return exp{kind: expTemp, reg: r}
}

// tableLiteral compiles {name: v, "key": v, ...}; a trailing comma is
// allowed.
func (c *compiler) tableLiteral() exp {
	r := c.claim()
	c.emitABC(bytecode.OpNewTable, r, 0, 0)
	for !c.check(TokenRBrace) {
		if !c.check(TokenIdentifier) && !c.check(TokenString) {
			c.errorf("expected table key, found %s", c.tokenText())
		}
		k := c.stringConst(c.tok.Literal)
		c.advance()
		c.expect(TokenColon)
		v := c.toReg(c.expr())
		if k <= 0xFF {
			c.emitABC(bytecode.OpSetField, r, k, v.reg)
		} else {
			kr := c.claim()
			c.emitABx(bytecode.OpLoadK, kr, k)
			c.emitABC(bytecode.OpSetIndex, r, kr, v.reg)
			c.release(kr)
		}
		c.free(v)
		if !c.accept(TokenComma) {
			break
		}
	}
	c.expect(TokenRBrace)
	return exp{kind: expTemp, reg: r}
}

// closure compiles a parameter list and body into a nested prototype and
// emits its instantiation into register r.
func (c *compiler) closure(r int, name string, line int) {
	c.openFunction(name, line)
	c.expect(TokenLParen)
	n := 0
	for !c.check(TokenRParen) {
		if n == maxCallArgs {
			c.errorf("too many parameters")
		}
		c.declareLocal(c.expectIdent())
		n++
		if !c.accept(TokenComma) {
			break
		}
	}
	c.expect(TokenRParen)
	c.expect(TokenLBrace)
	for !c.check(TokenRBrace) {
		if c.check(TokenEOF) {
			c.errorf("expected '}' to close function body")
		}
		c.statement()
	}
	c.advance()
	c.emitABC(bytecode.OpReturnUndef, 0, 0, 0)
	p := c.closeFunction()
	p.NumParams = n

	k := c.addConst(bytecode.Const{Kind: bytecode.ConstProto, Proto: p})
	c.emitABx(bytecode.OpClosure, r, k)
}
