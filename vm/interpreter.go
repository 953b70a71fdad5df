package vm

import (
	"bytes"

	"github.com/chazu/sprout/alloc"
	"github.com/chazu/sprout/bytecode"
	"github.com/chazu/sprout/fixed"
)

// hostMarker in a frame's resume-pc slot marks a frame entered from Go.
const hostMarker = ^uint32(0)

const initialStack = 256

// frame is the interpreter's view of the running call. Everything else
// about the call chain lives in the frame headers on the value stack.
type frame struct {
	base int
	pc   int
	fn   alloc.Ptr
	code *code
}

// ensureStack grows the value stack to at least n slots. Open upvalues
// hold stack indices, so nothing needs relocating.
func (in *Instance) ensureStack(n int) {
	if n <= len(in.stack) {
		return
	}
	if n > in.opts.StackLimit {
		in.raise("stack overflow")
	}
	size := max(2*len(in.stack), n, initialStack)
	size = min(size, in.opts.StackLimit)
	in.stack = append(in.stack, make([]Value, size-len(in.stack))...)
}

// execute calls fn from Go with the frame base at slot 0 and returns its
// result. Only one host call can be active at a time.
func (in *Instance) execute(fn, this Value, args []Value) Value {
	in.ensureStack(bytecode.NumHeader + len(args))
	st := in.stack
	st[bytecode.SlotFunc] = fn
	st[bytecode.SlotThis] = this
	st[bytecode.SlotPC] = callInfo(hostMarker)
	st[bytecode.SlotCaller] = callInfo(0)
	copy(st[bytecode.NumHeader:], args)

	switch fn.kind {
	case KindNative:
		return in.callNative(fn, st[bytecode.NumHeader:bytecode.NumHeader+len(args)])
	case KindFunction:
	default:
		in.typeError("call", fn)
	}

	cd := in.codeAt(in.fnCode(fn.ptr()))
	in.ensureStack(cd.slots)
	for i := len(args); i < cd.params; i++ {
		in.stack[bytecode.NumHeader+i] = Undefined
	}
	in.fr = frame{base: 0, pc: 0, fn: fn.ptr(), code: cd}
	return in.run()
}

// run executes instructions until the host frame returns.
func (in *Instance) run() Value {
	fr := &in.fr
	st := in.stack
	budget := in.opts.CycleBudget
	for {
		ins := fr.code.instrs[fr.pc]
		fr.pc++
		in.cycles++
		if budget > 0 && in.cycles > budget && !in.overBudget {
			in.overBudget = true
			log.Warningf("instance %s: cycle budget %d exceeded in %s", in.id, budget, fr.code.displayName())
		}

		b := fr.base
		a := b + int(ins.A())
		switch ins.Op() {
		case bytecode.OpNop:

		// Loads and moves
		case bytecode.OpMove:
			st[a] = st[b+int(ins.B())]
		case bytecode.OpSwap:
			r := b + int(ins.B())
			st[a], st[r] = st[r], st[a]
		case bytecode.OpLoadK:
			st[a] = fr.code.consts[ins.Bx()]
		case bytecode.OpLoadNum:
			st[a] = Number(fixed.FromRaw(uint32(fr.code.instrs[fr.pc])))
			fr.pc++
		case bytecode.OpLoadInt:
			st[a] = Int(int(ins.SBx()))
		case bytecode.OpLoadBool:
			st[a] = Bool(ins.B() != 0)
		case bytecode.OpLoadNull:
			st[a] = Null
		case bytecode.OpLoadUndef:
			st[a] = Undefined

		// Globals, upvalues and containers
		case bytecode.OpGetGlobal:
			st[a] = in.tableGet(in.globals(), fr.code.consts[ins.Bx()])
		case bytecode.OpSetGlobal:
			in.tableSet(in.globals(), fr.code.consts[ins.Bx()], st[a])
		case bytecode.OpGetUpval:
			st[a] = in.upvalGet(in.fnUpval(fr.fn, int(ins.B())))
		case bytecode.OpSetUpval:
			in.upvalSet(in.fnUpval(fr.fn, int(ins.B())), st[a])
		case bytecode.OpGetField:
			st[a] = in.index(st[b+int(ins.B())], fr.code.consts[ins.C()])
		case bytecode.OpSetField:
			in.setIndex(st[a], fr.code.consts[ins.B()], st[b+int(ins.C())])
		case bytecode.OpGetIndex:
			st[a] = in.index(st[b+int(ins.B())], st[b+int(ins.C())])
		case bytecode.OpSetIndex:
			in.setIndex(st[a], st[b+int(ins.B())], st[b+int(ins.C())])
		case bytecode.OpNewArray:
			st[a] = in.newArray(int(ins.B()))
		case bytecode.OpAppend:
			in.arrayAppend(st[a], st[b+int(ins.B())])
		case bytecode.OpNewTable:
			st[a] = in.newTable()

		// Binary operators
		case bytecode.OpAdd:
			l, r := st[b+int(ins.B())], st[b+int(ins.C())]
			if l.kind == KindNumber && r.kind == KindNumber {
				st[a] = Number(fixed.Add(l.Num(), r.Num()))
			} else if l.kind == KindString || r.kind == KindString {
				st[a] = in.concat(l, r)
			} else {
				in.arithError(l, r)
			}
		case bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow,
			bytecode.OpBand, bytecode.OpBor, bytecode.OpBxor, bytecode.OpShl, bytecode.OpShr, bytecode.OpUshr:
			l, r := st[b+int(ins.B())], st[b+int(ins.C())]
			if l.kind != KindNumber || r.kind != KindNumber {
				in.arithError(l, r)
			}
			st[a] = Number(arith(ins.Op(), l.Num(), r.Num()))
		case bytecode.OpEq:
			st[a] = Bool(st[b+int(ins.B())].Equal(st[b+int(ins.C())]))
		case bytecode.OpNe:
			st[a] = Bool(!st[b+int(ins.B())].Equal(st[b+int(ins.C())]))
		case bytecode.OpLt:
			st[a] = Bool(in.compare(st[b+int(ins.B())], st[b+int(ins.C())]) < 0)
		case bytecode.OpLe:
			st[a] = Bool(in.compare(st[b+int(ins.B())], st[b+int(ins.C())]) <= 0)

		// Unary operators
		case bytecode.OpNeg:
			v := st[b+int(ins.B())]
			if v.kind != KindNumber {
				in.typeError("negate", v)
			}
			st[a] = Number(fixed.Neg(v.Num()))
		case bytecode.OpNot:
			st[a] = Bool(!st[b+int(ins.B())].Truthy())
		case bytecode.OpBnot:
			v := st[b+int(ins.B())]
			if v.kind != KindNumber {
				in.typeError("perform bitwise operation on", v)
			}
			st[a] = Number(fixed.Not(v.Num()))
		case bytecode.OpLen:
			st[a] = Int(in.length(st[b+int(ins.B())]))

		// Control flow
		case bytecode.OpJmp:
			fr.pc += int(ins.SBx())
		case bytecode.OpJmpIf:
			if st[a].Truthy() {
				fr.pc += int(ins.SBx())
			}
		case bytecode.OpJmpIfNot:
			if !st[a].Truthy() {
				fr.pc += int(ins.SBx())
			}
		case bytecode.OpJmpClose:
			in.closeUpvalues(a)
			fr.pc += int(ins.SBx())
		case bytecode.OpClose:
			in.closeUpvalues(a)
		case bytecode.OpIter:
			switch v := st[a]; v.kind {
			case KindString, KindArray:
			case KindTable:
				st[a] = in.tableKeys(v)
			default:
				in.typeError("iterate over", v)
			}
			st[a+1] = callInfo(0)
		case bytecode.OpNext:
			coll, i := st[a], int(st[a+1].bits)
			if coll.kind == KindString {
				if i < in.stringLen(coll) {
					st[a+2] = in.intern(in.stringBytes(coll)[i : i+1])
					st[a+1] = callInfo(uint32(i + 1))
					fr.pc += int(ins.SBx())
				}
			} else if i < in.arrayLen(coll) {
				st[a+2] = in.arrayAt(coll, i)
				st[a+1] = callInfo(uint32(i + 1))
				fr.pc += int(ins.SBx())
			}
		case bytecode.OpClosure:
			st[a] = in.makeClosure(fr.code.consts[ins.Bx()], b, fr.fn)

		case bytecode.OpCall:
			callee := st[a]
			nargs := int(ins.B())
			switch callee.kind {
			case KindNative:
				st[a] = in.callNative(callee, st[a+bytecode.NumHeader:a+bytecode.NumHeader+nargs])
			case KindFunction:
				cd := in.codeAt(in.fnCode(callee.ptr()))
				in.ensureStack(a + max(cd.slots, bytecode.NumHeader+nargs))
				st = in.stack
				for i := nargs; i < cd.params; i++ {
					st[a+bytecode.NumHeader+i] = Undefined
				}
				st[a+bytecode.SlotPC] = callInfo(uint32(fr.pc))
				st[a+bytecode.SlotCaller] = callInfo(uint32(a - b))
				*fr = frame{base: a, pc: 0, fn: callee.ptr(), code: cd}
			default:
				in.typeError("call", callee)
			}

		case bytecode.OpReturn, bytecode.OpReturnUndef:
			v := Undefined
			if ins.Op() == bytecode.OpReturn {
				v = st[a]
			}
			in.closeUpvalues(b)
			resume := st[b+bytecode.SlotPC]
			if resume.bits == hostMarker {
				return v
			}
			st[b+bytecode.SlotFunc] = v
			caller := b - int(st[b+bytecode.SlotCaller].bits)
			fn := st[caller+bytecode.SlotFunc].ptr()
			*fr = frame{base: caller, pc: int(resume.bits), fn: fn, code: in.codeAt(in.fnCode(fn))}

		default:
			panic("vm: invalid opcode " + ins.Op().String())
		}
	}
}

// globals returns the globals table.
func (in *Instance) globals() Value {
	return ref(KindTable, alloc.Ptr(in.heap.Root(rootGlobals)))
}

// ---------------------------------------------------------------------------
// Operator helpers
// ---------------------------------------------------------------------------

func arith(op bytecode.Opcode, l, r fixed.Fix) fixed.Fix {
	switch op {
	case bytecode.OpSub:
		return fixed.Sub(l, r)
	case bytecode.OpMul:
		return fixed.Mul(l, r)
	case bytecode.OpDiv:
		return fixed.Div(l, r)
	case bytecode.OpMod:
		return fixed.Mod(l, r)
	case bytecode.OpPow:
		return fixed.Pow(l, r)
	case bytecode.OpBand:
		return fixed.And(l, r)
	case bytecode.OpBor:
		return fixed.Or(l, r)
	case bytecode.OpBxor:
		return fixed.Xor(l, r)
	case bytecode.OpShl:
		return fixed.Shl(l, r)
	case bytecode.OpShr:
		return fixed.Shr(l, r)
	case bytecode.OpUshr:
		return fixed.UShr(l, r)
	}
	panic("vm: not an arithmetic opcode " + op.String())
}

func (in *Instance) arithError(l, r Value) {
	if l.kind == KindNumber {
		l = r
	}
	in.typeError("perform arithmetic on", l)
}

// concat joins the string forms of two values.
func (in *Instance) concat(l, r Value) Value {
	var buf []byte
	buf = in.appendString(buf, l)
	buf = in.appendString(buf, r)
	in.cycles += len(buf) / 8
	return in.intern(buf)
}

// compare orders two numbers or two strings.
func (in *Instance) compare(l, r Value) int {
	switch {
	case l.kind == KindNumber && r.kind == KindNumber:
		switch {
		case l.Num() < r.Num():
			return -1
		case l.Num() > r.Num():
			return 1
		}
		return 0
	case l.kind == KindString && r.kind == KindString:
		return bytes.Compare(in.stringBytes(l), in.stringBytes(r))
	}
	in.raise("attempt to compare %s with %s", l.kind, r.kind)
	return 0
}

// length implements the # operator and count().
func (in *Instance) length(v Value) int {
	switch v.kind {
	case KindString:
		return in.stringLen(v)
	case KindArray:
		return in.arrayLen(v)
	case KindTable:
		return in.tableCount(v)
	case KindBuffer:
		return len(in.bufferBytes(v))
	}
	in.typeError("get length of", v)
	return 0
}

// index implements obj[key] and obj.key.
func (in *Instance) index(obj, key Value) Value {
	switch obj.kind {
	case KindTable:
		if key.kind != KindString {
			in.raise("table key must be a string, not %s", key.kind)
		}
		return in.tableGet(obj, key)
	case KindArray:
		i, ok := arrayIndex(key)
		if !ok {
			in.raise("array index must be a number, not %s", key.kind)
		}
		if i < 0 || i >= in.arrayLen(obj) {
			return Undefined
		}
		return in.arrayAt(obj, i)
	case KindString:
		i, ok := arrayIndex(key)
		if !ok {
			in.raise("string index must be a number, not %s", key.kind)
		}
		if i < 0 || i >= in.stringLen(obj) {
			return Undefined
		}
		return in.intern(in.stringBytes(obj)[i : i+1])
	case KindBuffer:
		i, ok := arrayIndex(key)
		if !ok {
			in.raise("buffer index must be a number, not %s", key.kind)
		}
		data := in.bufferBytes(obj)
		if i < 0 || i >= len(data) {
			return Undefined
		}
		return Int(int(data[i]))
	}
	in.typeError("index", obj)
	return Undefined
}

// setIndex implements obj[key] = v. Arrays grow by one when written at
// their length.
func (in *Instance) setIndex(obj, key, v Value) {
	switch obj.kind {
	case KindTable:
		if key.kind != KindString {
			in.raise("table key must be a string, not %s", key.kind)
		}
		in.tableSet(obj, key, v)
	case KindArray:
		i, ok := arrayIndex(key)
		if !ok {
			in.raise("array index must be a number, not %s", key.kind)
		}
		n := in.arrayLen(obj)
		switch {
		case i == n:
			in.arrayAppend(obj, v)
		case i < 0 || i > n:
			in.raise("array index %d out of range", i)
		default:
			in.arrayPut(obj, i, v)
		}
	case KindBuffer:
		in.poke(obj, key, v)
	default:
		in.typeError("index", obj)
	}
}

// poke stores the low byte of a number into a buffer.
func (in *Instance) poke(buf, key, v Value) {
	i, ok := arrayIndex(key)
	if !ok {
		in.raise("buffer index must be a number, not %s", key.kind)
	}
	if v.kind != KindNumber {
		in.raise("buffer value must be a number, not %s", v.kind)
	}
	data := in.bufferBytes(buf)
	if i < 0 || i >= len(data) {
		in.raise("buffer index %d out of range", i)
	}
	data[i] = byte(v.Num().Int())
}
