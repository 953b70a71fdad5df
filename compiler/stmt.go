package compiler

import "github.com/chazu/sprout/bytecode"

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *compiler) statement() {
	switch c.tok.Type {
	case TokenSemicolon:
		c.advance()
	case TokenLBrace:
		c.block()
	case TokenLet:
		c.advance()
		c.letRest(c.expectIdent())
		c.accept(TokenSemicolon)
	case TokenFunction:
		c.functionStatement()
	case TokenIf:
		c.ifStatement()
	case TokenWhile:
		c.whileStatement()
	case TokenDo:
		c.doStatement()
	case TokenFor:
		c.forStatement()
	case TokenSwitch:
		c.switchStatement()
	case TokenBreak:
		c.advance()
		c.jumpOut(jumpBreak)
		c.accept(TokenSemicolon)
	case TokenContinue:
		c.advance()
		c.jumpOut(jumpContinue)
		c.accept(TokenSemicolon)
	case TokenReturn:
		c.returnStatement()
	default:
		c.simpleStatement()
		c.accept(TokenSemicolon)
	}
	if c.fs.vsp != c.localTop() {
		panic(internalError("registers leaked by statement"))
	}
}

// localTop returns the register just above the innermost live local of
// the current function.
func (c *compiler) localTop() int {
	if len(c.syms) == c.fs.symBase {
		return bytecode.NumHeader
	}
	return c.syms[len(c.syms)-1].reg + 1
}

func (c *compiler) block() {
	c.expect(TokenLBrace)
	s := c.enterScope()
	for !c.check(TokenRBrace) {
		if c.check(TokenEOF) {
			c.errorf("expected '}' to close block")
		}
		c.statement()
	}
	c.advance()
	c.leaveScope(s)
}

// scoped compiles a statement in its own scope, so a declaration in an
// unbraced loop or branch body ends with the body.
func (c *compiler) scoped() {
	s := c.enterScope()
	c.statement()
	c.leaveScope(s)
}

// letRest compiles the declarations of a let statement after its first
// name. Each initialiser is evaluated before its name comes into scope.
func (c *compiler) letRest(name string) {
	for {
		var r int
		if c.accept(TokenAssign) {
			r = c.exprToNext()
		} else {
			r = c.claim()
			c.emitABC(bytecode.OpLoadUndef, r, 0, 0)
		}
		c.bindLocal(name, r)
		if !c.accept(TokenComma) {
			return
		}
		name = c.expectIdent()
	}
}

// functionStatement compiles a named function declaration. At the top
// level it defines a global; inside a function it declares a local that is
// already in scope in its own body, so the function can recurse.
func (c *compiler) functionStatement() {
	line := c.tok.Pos.Line
	c.advance()
	name := c.expectIdent()
	if c.fs.isMain {
		r := c.claim()
		c.closure(r, name, line)
		c.emitABx(bytecode.OpSetGlobal, r, c.stringConst(name))
		c.release(r)
		return
	}
	c.closure(c.declareLocal(name), name, line)
}

func (c *compiler) returnStatement() {
	c.advance()
	if c.check(TokenSemicolon) || c.check(TokenRBrace) || c.check(TokenEOF) {
		c.emitABC(bytecode.OpReturnUndef, 0, 0, 0)
		c.accept(TokenSemicolon)
		return
	}
	e := c.toReg(c.expr())
	c.emitABC(bytecode.OpReturn, e.reg, 0, 0)
	c.free(e)
	c.accept(TokenSemicolon)
}

// simpleStatement compiles an expression statement, an assignment or a
// compound assignment.
func (c *compiler) simpleStatement() {
	lhs := c.expr()
	switch {
	case c.check(TokenAssign):
		c.requirePlace(lhs)
		c.advance()
		c.assign(lhs)
	case compoundOps[c.tok.Type] != 0:
		op := compoundOps[c.tok.Type]
		c.requirePlace(lhs)
		c.advance()
		c.compoundAssign(lhs, op)
	default:
		c.free(lhs)
	}
}

func (c *compiler) requirePlace(e exp) {
	switch e.kind {
	case expLocal, expGlobal, expUpval, expIndex:
		return
	}
	c.errorf("cannot assign to expression")
}

func (c *compiler) assign(lhs exp) {
	if lhs.kind == expLocal {
		rhs := c.expr()
		c.exp2reg(rhs, lhs.reg)
		c.free(rhs)
		return
	}
	rhs := c.toReg(c.expr())
	c.store(lhs, rhs.reg)
	c.free(rhs)
	c.free(lhs)
}

func (c *compiler) compoundAssign(lhs exp, op bytecode.Opcode) {
	if lhs.kind == expLocal {
		rhs := c.toReg(c.expr())
		c.emitABC(op, lhs.reg, lhs.reg, rhs.reg)
		c.free(rhs)
		return
	}
	t := c.claim()
	c.exp2reg(lhs, t)
	rhs := c.toReg(c.expr())
	c.emitABC(op, t, t, rhs.reg)
	c.free(rhs)
	c.store(lhs, t)
	c.release(t)
	c.free(lhs)
}

// store writes register r to the place lhs.
func (c *compiler) store(lhs exp, r int) {
	switch lhs.kind {
	case expLocal:
		c.emitABC(bytecode.OpMove, lhs.reg, r, 0)
	case expGlobal:
		c.emitABx(bytecode.OpSetGlobal, r, lhs.idx)
	case expUpval:
		c.emitABC(bytecode.OpSetUpval, r, lhs.idx, 0)
	case expIndex:
		if lhs.keyConst {
			c.emitABC(bytecode.OpSetField, lhs.reg, lhs.key, r)
		} else {
			c.emitABC(bytecode.OpSetIndex, lhs.reg, lhs.key, r)
		}
	default:
		panic(internalError("store to a value"))
	}
}

// ---------------------------------------------------------------------------
// Conditions
// ---------------------------------------------------------------------------

// condition compiles a parenthesised condition.
func (c *compiler) condition() exp {
	c.expect(TokenLParen)
	e := c.expr()
	c.expect(TokenRParen)
	return e
}

// jumpIfNot emits a forward jump taken when e is falsy and releases e. It
// returns -1 when e is a constant that never takes the jump.
func (c *compiler) jumpIfNot(e exp) int {
	if truthy, ok := e.truth(); ok {
		if truthy {
			return -1
		}
		return c.emitJump(bytecode.OpJmp, 0)
	}
	e = c.toReg(e)
	pc := c.emitJump(bytecode.OpJmpIfNot, e.reg)
	c.free(e)
	return pc
}

// jumpIf emits a jump to target taken when e is truthy and releases e.
func (c *compiler) jumpIf(e exp, target int) {
	if truthy, ok := e.truth(); ok {
		if truthy {
			c.emitJumpTo(bytecode.OpJmp, 0, target)
		}
		return
	}
	e = c.toReg(e)
	c.emitJumpTo(bytecode.OpJmpIf, e.reg, target)
	c.free(e)
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (c *compiler) ifStatement() {
	c.advance()
	skip := c.jumpIfNot(c.condition())
	c.scoped()
	if !c.accept(TokenElse) {
		c.patchHere(skip)
		return
	}
	end := c.emitJump(bytecode.OpJmp, 0)
	c.patchHere(skip)
	c.scoped()
	c.patchHere(end)
}

func (c *compiler) whileStatement() {
	c.advance()
	top := c.pc()
	exit := c.jumpIfNot(c.condition())
	c.pushBreakable(true)
	c.scoped()
	c.emitJumpTo(bytecode.OpJmp, 0, top)
	c.patchHere(exit)
	c.popBreakable(c.pc(), top)
}

func (c *compiler) doStatement() {
	c.advance()
	top := c.pc()
	c.pushBreakable(true)
	c.scoped()
	c.expect(TokenWhile)
	cont := c.pc()
	c.jumpIf(c.condition(), top)
	c.popBreakable(c.pc(), cont)
	c.accept(TokenSemicolon)
}

// forStatement compiles both loop forms that start with for: the C-style
// loop and for (let x in e).
func (c *compiler) forStatement() {
	c.advance()
	c.expect(TokenLParen)
	s := c.enterScope()

	switch {
	case c.accept(TokenSemicolon):
	case c.accept(TokenLet):
		name := c.expectIdent()
		if c.accept(TokenIn) {
			c.forIn(name)
			c.leaveScope(s)
			return
		}
		c.letRest(name)
		c.expect(TokenSemicolon)
	default:
		c.simpleStatement()
		c.expect(TokenSemicolon)
	}

	// The step is compiled before the body, so both jump around it:
	//
	//	top:  if !cond goto exit; goto body
	//	step: step; goto top
	//	body: body; goto step
	//	exit:
	top := c.pc()
	exit := -1
	if !c.check(TokenSemicolon) {
		exit = c.jumpIfNot(c.expr())
	}
	c.expect(TokenSemicolon)
	step := top
	toBody := -1
	if !c.check(TokenRParen) {
		toBody = c.emitJump(bytecode.OpJmp, 0)
		step = c.pc()
		c.simpleStatement()
		c.emitJumpTo(bytecode.OpJmp, 0, top)
	}
	c.expect(TokenRParen)
	c.patchHere(toBody)

	c.pushBreakable(true)
	c.scoped()
	c.emitJumpTo(bytecode.OpJmp, 0, step)
	c.patchHere(exit)
	c.popBreakable(c.pc(), step)
	c.leaveScope(s)
}

// forIn compiles the rest of for (let name in e) inside the loop's scope.
// Three locals hold the iterated value, the cursor and the loop variable.
// A captured loop variable is closed at the end of every iteration so
// each closure sees its own value.
func (c *compiler) forIn(name string) {
	base := c.exprToNext()
	c.bindLocal(hiddenIter, base)
	c.declareLocal(hiddenCursor)
	varSym := len(c.syms)
	v := c.declareLocal(name)
	c.expect(TokenRParen)

	c.emitABC(bytecode.OpIter, base, 0, 0)
	toNext := c.emitJump(bytecode.OpJmp, 0)
	body := c.pc()
	c.pushBreakable(true)
	c.scoped()
	cont := c.pc()
	if c.syms[varSym].captured {
		c.emitABC(bytecode.OpClose, v, 0, 0)
	}
	c.patchHere(toNext)
	c.emitJumpTo(bytecode.OpNext, base, body)
	c.popBreakable(c.pc(), cont)
}

// switchStatement compiles a switch with fallthrough. Case values are
// tested in order with ==; a failed test jumps to the next test, and the
// last failed test jumps to the default label when there is one.
func (c *compiler) switchStatement() {
	c.advance()
	c.expect(TokenLParen)
	s := c.enterScope()
	v := c.exprToNext()
	c.bindLocal(hiddenSwitch, v)
	c.expect(TokenRParen)
	c.expect(TokenLBrace)
	c.pushBreakable(false)

	miss, defaultPC := -1, -1
	inBody := false
	for !c.check(TokenRBrace) {
		switch c.tok.Type {
		case TokenCase:
			c.advance()
			fall := -1
			if inBody {
				fall = c.emitJump(bytecode.OpJmp, 0)
			}
			c.patchHere(miss)
			e := c.toReg(c.expr())
			c.expect(TokenColon)
			c.free(e)
			t := c.claim()
			c.emitABC(bytecode.OpEq, t, v, e.reg)
			miss = c.emitJump(bytecode.OpJmpIfNot, t)
			c.release(t)
			c.patchHere(fall)
			inBody = true
		case TokenDefault:
			c.advance()
			c.expect(TokenColon)
			if defaultPC >= 0 {
				c.errorAt(c.prev.Pos, "multiple default labels in switch")
			}
			if !inBody {
				// Leading default: entry goes to the first test.
				miss = c.emitJump(bytecode.OpJmp, 0)
			}
			defaultPC = c.pc()
			inBody = true
		case TokenEOF:
			c.errorf("expected '}' to close switch")
		default:
			if !inBody {
				c.errorf("expected case or default, found %s", c.tokenText())
			}
			if c.check(TokenLet) || c.check(TokenFunction) {
				// Other cases would jump past the initialisation.
				c.errorf("declaration in a case body must be inside a block")
			}
			c.statement()
		}
	}
	c.advance()

	if miss >= 0 {
		if defaultPC >= 0 {
			c.patch(miss, defaultPC)
		} else {
			c.patchHere(miss)
		}
	}
	c.popBreakable(c.pc(), -1)
	c.leaveScope(s)
}
