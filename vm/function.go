package vm

import (
	"fmt"
	"slices"

	"github.com/chazu/sprout/alloc"
	"github.com/chazu/sprout/bytecode"
)

// ---------------------------------------------------------------------------
// Code objects
// ---------------------------------------------------------------------------

// A code object is one immutable allocation: a fixed header followed by
// the instruction words, the constant pool, the upvalue descriptors (two
// bytes each) and the line table.
const (
	codeParams = hdrSize
	codeSlots  = hdrSize + 4
	codeLine   = hdrSize + 8
	codeName   = hdrSize + 12 // string object or 0
	codeNInstr = hdrSize + 16
	codeNConst = hdrSize + 20
	codeNUpval = hdrSize + 24
	codeNLines = hdrSize + 28
	codeBody   = hdrSize + 32
)

// code is the decoded, Go-side view of a code object. Views are cached per
// object and dropped when the object is swept.
type code struct {
	name   string
	line   int
	params int
	slots  int
	instrs []bytecode.Instr
	consts []Value
	upvals []bytecode.UpvalDesc
	lines  []byte
}

func (cd *code) displayName() string {
	if cd.name == "" {
		return fmt.Sprintf("<anonymous:%d>", cd.line+1)
	}
	return cd.name
}

// newCode copies a compiled prototype, and every prototype nested in its
// constant pool, into the arena.
func (in *Instance) newCode(p *bytecode.Proto) Value {
	consts := make([]Value, len(p.Consts))
	for i, k := range p.Consts {
		switch k.Kind {
		case bytecode.ConstNumber:
			consts[i] = Number(k.Num)
		case bytecode.ConstString:
			consts[i] = in.internString(k.Str)
		case bytecode.ConstProto:
			consts[i] = in.newCode(k.Proto)
		}
	}
	var name Value
	if p.Name != "" {
		name = in.internString(p.Name)
	}

	ni, nc, nu, nl := uint32(len(p.Code)), uint32(len(consts)), uint32(len(p.Upvals)), uint32(len(p.Lines))
	h := in.heap
	ptr := in.newObject(KindCode, codeBody+4*ni+valueSize*nc+2*nu+nl)
	h.SetU32(ptr, codeParams, uint32(p.NumParams))
	h.SetU32(ptr, codeSlots, uint32(p.NumSlots))
	h.SetU32(ptr, codeLine, uint32(p.Line))
	h.SetU32(ptr, codeName, uint32(name.ptr()))
	h.SetU32(ptr, codeNInstr, ni)
	h.SetU32(ptr, codeNConst, nc)
	h.SetU32(ptr, codeNUpval, nu)
	h.SetU32(ptr, codeNLines, nl)

	off := uint32(codeBody)
	for _, ins := range p.Code {
		h.SetU32(ptr, off, uint32(ins))
		off += 4
	}
	for _, k := range consts {
		in.storeValue(ptr, off, k)
		off += valueSize
	}
	for _, u := range p.Upvals {
		if u.FromStack {
			h.SetU8(ptr, off, 1)
		} else {
			h.SetU8(ptr, off, 0)
		}
		h.SetU8(ptr, off+1, u.Index)
		off += 2
	}
	copy(h.Slice(ptr, off, nl), p.Lines)
	in.cycles += int(ni)
	return ref(KindCode, ptr)
}

// codeAt returns the decoded view of a code object.
func (in *Instance) codeAt(p alloc.Ptr) *code {
	if cd, ok := in.codes[p]; ok {
		return cd
	}
	h := in.heap
	ni, nc, nu, nl := h.U32(p, codeNInstr), h.U32(p, codeNConst), h.U32(p, codeNUpval), h.U32(p, codeNLines)
	cd := &code{
		line:   int(h.U32(p, codeLine)),
		params: int(h.U32(p, codeParams)),
		slots:  int(h.U32(p, codeSlots)),
		instrs: make([]bytecode.Instr, ni),
		consts: make([]Value, nc),
		upvals: make([]bytecode.UpvalDesc, nu),
	}
	if name := alloc.Ptr(h.U32(p, codeName)); name != 0 {
		cd.name = in.goString(ref(KindString, name))
	}
	off := uint32(codeBody)
	for i := range cd.instrs {
		cd.instrs[i] = bytecode.Instr(h.U32(p, off))
		off += 4
	}
	for i := range cd.consts {
		cd.consts[i] = in.loadValue(p, off)
		off += valueSize
	}
	for i := range cd.upvals {
		cd.upvals[i] = bytecode.UpvalDesc{FromStack: h.U8(p, off) != 0, Index: h.U8(p, off+1)}
		off += 2
	}
	cd.lines = slices.Clone(h.Slice(p, off, nl))
	in.codes[p] = cd
	return cd
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

const (
	fnCode   = hdrSize
	fnNUpval = hdrSize + 4
	fnUpvals = hdrSize + 8 // u32 upvalue objects
)

// newFunction creates a closure over a code object. Its upvalue slots are
// zero until the caller fills them.
func (in *Instance) newFunction(c Value, nup int) Value {
	h := in.heap
	p := in.newObject(KindFunction, fnUpvals+4*uint32(nup))
	h.SetU32(p, fnCode, uint32(c.ptr()))
	h.SetU32(p, fnNUpval, uint32(nup))
	for i := 0; i < nup; i++ {
		h.SetU32(p, fnUpvals+4*uint32(i), 0)
	}
	return ref(KindFunction, p)
}

func (in *Instance) fnCode(p alloc.Ptr) alloc.Ptr {
	return alloc.Ptr(in.heap.U32(p, fnCode))
}

func (in *Instance) fnUpval(p alloc.Ptr, i int) alloc.Ptr {
	return alloc.Ptr(in.heap.U32(p, fnUpvals+4*uint32(i)))
}

// functionName returns the display name of a script function.
func (in *Instance) functionName(v Value) string {
	return in.codeAt(in.fnCode(v.ptr())).displayName()
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// An upvalue is open while it aliases a live stack slot and closed once it
// owns a copy of the value. Open upvalues are also listed on the instance,
// sorted by slot, so that closures share them and frame exits close them.
const (
	upState = hdrSize
	upSlot  = hdrSize + 4
	upValue = hdrSize + 8
	upSize  = hdrSize + 16

	upOpen   = 0
	upClosed = 1
)

func (in *Instance) upSlotOf(p alloc.Ptr) int {
	return int(in.heap.U32(p, upSlot))
}

// captureUpvalue returns the open upvalue for a stack slot, creating it if
// no closure has captured the slot yet.
func (in *Instance) captureUpvalue(slot int) alloc.Ptr {
	i, found := slices.BinarySearchFunc(in.open, slot, func(p alloc.Ptr, s int) int {
		return in.upSlotOf(p) - s
	})
	if found {
		return in.open[i]
	}
	h := in.heap
	p := in.newObject(KindUpvalue, upSize)
	h.SetU32(p, upState, upOpen)
	h.SetU32(p, upSlot, uint32(slot))
	in.storeValue(p, upValue, Undefined)
	in.open = slices.Insert(in.open, i, p)
	return p
}

// closeUpvalues closes every open upvalue at or above slot from.
func (in *Instance) closeUpvalues(from int) {
	h := in.heap
	for n := len(in.open); n > 0; n-- {
		p := in.open[n-1]
		slot := in.upSlotOf(p)
		if slot < from {
			break
		}
		in.storeValue(p, upValue, in.stack[slot])
		h.SetU32(p, upState, upClosed)
		in.open = in.open[:n-1]
	}
}

func (in *Instance) upvalGet(p alloc.Ptr) Value {
	if in.heap.U32(p, upState) == upOpen {
		return in.stack[in.upSlotOf(p)]
	}
	return in.loadValue(p, upValue)
}

func (in *Instance) upvalSet(p alloc.Ptr, v Value) {
	if in.heap.U32(p, upState) == upOpen {
		in.stack[in.upSlotOf(p)] = v
		return
	}
	in.storeValue(p, upValue, v)
}

// makeClosure creates a function for code object c, resolving each
// upvalue descriptor against the creating frame.
func (in *Instance) makeClosure(c Value, base int, parent alloc.Ptr) Value {
	cd := in.codeAt(c.ptr())
	fn := in.newFunction(c, len(cd.upvals))
	for i, u := range cd.upvals {
		var up alloc.Ptr
		if u.FromStack {
			up = in.captureUpvalue(base + int(u.Index))
		} else {
			up = in.fnUpval(parent, int(u.Index))
		}
		in.heap.SetU32(fn.ptr(), fnUpvals+4*uint32(i), uint32(up))
	}
	return fn
}
