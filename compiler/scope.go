package compiler

import "github.com/chazu/sprout/bytecode"

// ---------------------------------------------------------------------------
// Function contexts
// ---------------------------------------------------------------------------

// funcState is the compile-time context of one function literal, chained
// to the enclosing function's context.
type funcState struct {
	parent  *funcState
	proto   *bytecode.Proto
	lines   bytecode.LineWriter
	strings map[string]int
	isMain  bool

	vsp     int // first free register
	symBase int // first symbol owned by this function

	breakables []breakable
	patches    []pendingJump
}

// symbol is a named local bound to a register.
type symbol struct {
	name     string
	reg      int
	captured bool
}

// openFunction starts compiling a new function nested in the current one.
func (c *compiler) openFunction(name string, line int) {
	c.fs = &funcState{
		parent:  c.fs,
		proto:   &bytecode.Proto{Name: name, Line: line, NumSlots: bytecode.NumHeader},
		strings: make(map[string]int),
		vsp:     bytecode.NumHeader,
		symBase: len(c.syms),
	}
}

// closeFunction finishes the current function and returns to its parent.
func (c *compiler) closeFunction() *bytecode.Proto {
	fs := c.fs
	if len(fs.breakables) != 0 || len(fs.patches) != 0 {
		panic(internalError("unresolved jumps at end of function"))
	}
	fs.proto.Lines = fs.lines.Bytes()
	c.syms = c.syms[:fs.symBase]
	c.fs = fs.parent
	return fs.proto
}

// ---------------------------------------------------------------------------
// Block scopes
// ---------------------------------------------------------------------------

// blockScope marks the symbol table and register window at scope entry.
type blockScope struct {
	sym int
	reg int
}

func (c *compiler) enterScope() blockScope {
	return blockScope{sym: len(c.syms), reg: c.fs.vsp}
}

// leaveScope drops the scope's symbols and registers, emitting a CLOSE
// when any of them was captured by a closure.
func (c *compiler) leaveScope(s blockScope) {
	if c.fs.vsp != s.reg+len(c.syms)-s.sym {
		panic(internalError("unbalanced registers at scope exit"))
	}
	if c.anyCaptured(s.sym) {
		c.emitABC(bytecode.OpClose, s.reg, 0, 0)
	}
	c.syms = c.syms[:s.sym]
	c.releaseTo(s.reg)
}

func (c *compiler) anyCaptured(from int) bool {
	for _, s := range c.syms[from:] {
		if s.captured {
			return true
		}
	}
	return false
}

// declareLocal binds name to a freshly claimed register.
func (c *compiler) declareLocal(name string) int {
	r := c.claim()
	c.bindLocal(name, r)
	return r
}

// bindLocal binds name to register r, which the caller has claimed.
func (c *compiler) bindLocal(name string, r int) {
	if len(c.syms) >= maxSymbols {
		c.errorf("too many local variables")
	}
	c.syms = append(c.syms, symbol{name: name, reg: r})
}

// Hidden locals hold loop and switch state; their names cannot collide
// with identifiers.
const (
	hiddenIter   = "(for iterable)"
	hiddenCursor = "(for cursor)"
	hiddenSwitch = "(switch)"
)

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

// findLocal looks name up among fs's symbols, innermost first.
func (c *compiler) findLocal(fs *funcState, name string) int {
	top := len(c.syms)
	if fs != c.fs {
		// Symbols of an enclosing function end where its child's begin.
		top = c.childOf(fs).symBase
	}
	for i := top - 1; i >= fs.symBase; i-- {
		if c.syms[i].name == name {
			return i
		}
	}
	return -1
}

// childOf returns the function directly nested in fs on the current chain.
func (c *compiler) childOf(fs *funcState) *funcState {
	child := c.fs
	for child.parent != fs {
		child = child.parent
	}
	return child
}

// resolve classifies a name as a local, an upvalue or a global.
func (c *compiler) resolve(name string) exp {
	if i := c.findLocal(c.fs, name); i >= 0 {
		return exp{kind: expLocal, reg: c.syms[i].reg}
	}
	if u := c.findUpval(c.fs, name); u >= 0 {
		return exp{kind: expUpval, idx: u}
	}
	return exp{kind: expGlobal, idx: c.stringConst(name)}
}

// findUpval returns the index of fs's upvalue for name, creating capture
// descriptors along the chain of enclosing functions, or -1 if name is not
// a local of any enclosing function.
func (c *compiler) findUpval(fs *funcState, name string) int {
	if fs.parent == nil {
		return -1
	}
	if i := c.findLocal(fs.parent, name); i >= 0 {
		c.syms[i].captured = true
		return c.addUpval(fs, true, c.syms[i].reg, name)
	}
	u := c.findUpval(fs.parent, name)
	if u < 0 {
		return -1
	}
	return c.addUpval(fs, false, u, name)
}

// addUpval returns the index of an upvalue descriptor, sharing one
// descriptor between repeated captures of the same variable.
func (c *compiler) addUpval(fs *funcState, fromStack bool, index int, name string) int {
	for i, u := range fs.proto.Upvals {
		if u.FromStack == fromStack && int(u.Index) == index {
			return i
		}
	}
	if len(fs.proto.Upvals) >= maxUpvals {
		c.errorf("too many captured variables")
	}
	fs.proto.Upvals = append(fs.proto.Upvals, bytecode.UpvalDesc{
		FromStack: fromStack,
		Index:     uint8(index),
		Name:      name,
	})
	return len(fs.proto.Upvals) - 1
}

// ---------------------------------------------------------------------------
// Break / continue
// ---------------------------------------------------------------------------

type jumpKind uint8

const (
	jumpBreak jumpKind = iota
	jumpContinue
)

// pendingJump is a break or continue waiting for its target.
type pendingJump struct {
	pc   int
	kind jumpKind
}

// breakable is an enclosing loop or switch.
type breakable struct {
	isLoop     bool
	patchStart int // first pending jump belonging to this construct
	sym        int // symbols declared inside start here
	reg        int // and occupy registers from here
}

func (c *compiler) pushBreakable(isLoop bool) {
	fs := c.fs
	fs.breakables = append(fs.breakables, breakable{
		isLoop:     isLoop,
		patchStart: len(fs.patches),
		sym:        len(c.syms),
		reg:        fs.vsp,
	})
}

// popBreakable resolves the construct's pending jumps. A switch passes a
// negative continueTarget; its continues stay pending for the enclosing
// loop.
func (c *compiler) popBreakable(breakTarget, continueTarget int) {
	fs := c.fs
	b := fs.breakables[len(fs.breakables)-1]
	fs.breakables = fs.breakables[:len(fs.breakables)-1]
	kept := fs.patches[:b.patchStart]
	for _, j := range fs.patches[b.patchStart:] {
		switch {
		case j.kind == jumpBreak:
			c.patch(j.pc, breakTarget)
		case continueTarget >= 0:
			c.patch(j.pc, continueTarget)
		default:
			kept = append(kept, j)
		}
	}
	fs.patches = kept
}

// jumpOut emits a break or continue. Leaving scopes that hold captured
// variables closes them on the way out.
func (c *compiler) jumpOut(kind jumpKind) {
	fs := c.fs
	i := len(fs.breakables) - 1
	if kind == jumpContinue {
		for i >= 0 && !fs.breakables[i].isLoop {
			i--
		}
	}
	if i < 0 {
		if kind == jumpBreak {
			c.errorAt(c.prev.Pos, "break outside loop or switch")
		}
		c.errorAt(c.prev.Pos, "continue outside loop")
	}
	b := fs.breakables[i]
	var pc int
	if c.anyCaptured(b.sym) {
		pc = c.emitJump(bytecode.OpJmpClose, b.reg)
	} else {
		pc = c.emitJump(bytecode.OpJmp, 0)
	}
	fs.patches = append(fs.patches, pendingJump{pc: pc, kind: kind})
}
