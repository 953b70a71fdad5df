package vm

import (
	"bytes"
	"fmt"

	"github.com/chazu/sprout/alloc"
	"github.com/chazu/sprout/bytecode"
)

// ---------------------------------------------------------------------------
// Object graph verification
// ---------------------------------------------------------------------------

// Check validates the allocator metadata and the object graph. It is run
// on every restored image and is cheap enough for tests to call after
// each step.
func (in *Instance) Check() error {
	if in.running {
		return ErrInstanceBusy
	}
	if err := in.heap.Validate(); err != nil {
		return err
	}
	return in.verify()
}

type verifier struct {
	in     *Instance
	h      *alloc.Heap
	chunks map[alloc.Ptr]uint32 // in-use allocations and their usable size
	objs   map[alloc.Ptr]Kind
	owned  map[alloc.Ptr]bool // auxiliary blocks claimed by an owner
}

// verify checks that the interpreter can trust the arena: every object is
// a live allocation of a heap kind and large enough for its fields, every
// reference names an object of the expected kind, every auxiliary block
// has exactly one owner, the intern table and table chains are acyclic,
// and all code is well formed. The heap itself must already be valid.
func (in *Instance) verify() error {
	h := in.heap
	v := &verifier{
		in:     in,
		h:      h,
		chunks: make(map[alloc.Ptr]uint32),
		objs:   make(map[alloc.Ptr]Kind),
		owned:  make(map[alloc.Ptr]bool),
	}
	h.Allocations(func(p alloc.Ptr, n uint32) { v.chunks[p] = n })

	for p := alloc.Ptr(h.Root(rootObjects)); p != 0; p = alloc.Ptr(h.U32(p, hdrNext)) {
		n, ok := v.chunks[p]
		if !ok {
			return fmt.Errorf("object %#x is not an allocation", uint32(p))
		}
		if _, dup := v.objs[p]; dup {
			return fmt.Errorf("allocation list loops at %#x", uint32(p))
		}
		k := Kind(h.U8(p, hdrKind))
		fixed, ok := fixedSize[k]
		if !ok {
			return fmt.Errorf("object %#x has kind %d", uint32(p), k)
		}
		if n < fixed {
			return fmt.Errorf("%s object %#x is truncated", k, uint32(p))
		}
		if h.U8(p, hdrMark) != 0 {
			return fmt.Errorf("object %#x is marked outside a collection", uint32(p))
		}
		v.objs[p] = k
	}
	if len(v.objs) != int(h.Root(rootObjectCount)) {
		return fmt.Errorf("allocation list holds %d objects, root says %d", len(v.objs), h.Root(rootObjectCount))
	}

	for p, k := range v.objs {
		if err := v.object(p, k); err != nil {
			return err
		}
	}
	// Instructions last: closures are checked against the code they
	// create, which must already be known to be well formed.
	for p, k := range v.objs {
		if k != KindCode {
			continue
		}
		if err := v.instructions(p); err != nil {
			return fmt.Errorf("code %#x: %w", uint32(p), err)
		}
	}
	if err := v.ref(KindTable, alloc.Ptr(h.Root(rootGlobals))); err != nil {
		return fmt.Errorf("globals: %w", err)
	}
	if err := v.internTable(); err != nil {
		return err
	}
	if n := len(v.objs) + len(v.owned); n != len(v.chunks) {
		return fmt.Errorf("%d allocations have no owner", len(v.chunks)-n)
	}
	return nil
}

// fixedSize is the size of each heap kind's fixed fields. Checking it up
// front lets later passes read those fields of any referenced object.
var fixedSize = map[Kind]uint32{
	KindString:   strData,
	KindBuffer:   bufData,
	KindArray:    arrSize,
	KindTable:    tblSize,
	KindFunction: fnUpvals,
	KindUpvalue:  upSize,
	KindCode:     codeBody,
}

func (v *verifier) ref(k Kind, p alloc.Ptr) error {
	if got, ok := v.objs[p]; !ok || got != k {
		return fmt.Errorf("reference %#x is not a %s object", uint32(p), k)
	}
	return nil
}

// value checks a value stored in a container, an upvalue or a constant
// pool.
func (v *verifier) value(val Value) error {
	switch val.kind {
	case KindUndefined, KindNull, KindNumber:
		return nil
	case KindBool:
		if val.bits > 1 {
			return fmt.Errorf("boolean with payload %d", val.bits)
		}
		return nil
	case KindNative:
		if int(val.bits) >= len(natives) {
			return fmt.Errorf("unknown native %d", val.bits)
		}
		return nil
	case KindString, KindBuffer, KindArray, KindTable, KindFunction:
		return v.ref(val.kind, val.ptr())
	}
	return fmt.Errorf("%s value stored in the heap", val.kind)
}

// aux claims an auxiliary block of at least size bytes for one owner.
func (v *verifier) aux(p alloc.Ptr, size uint64) error {
	n, ok := v.chunks[p]
	if !ok || uint64(n) < size {
		return fmt.Errorf("block %#x is missing or smaller than %d bytes", uint32(p), size)
	}
	if _, isObj := v.objs[p]; isObj || v.owned[p] {
		return fmt.Errorf("block %#x has more than one owner", uint32(p))
	}
	v.owned[p] = true
	return nil
}

func (v *verifier) object(p alloc.Ptr, k Kind) error {
	h := v.h
	size := uint64(v.chunks[p])
	fits := func(n uint64) error {
		if size < n {
			return fmt.Errorf("%s object %#x is truncated", k, uint32(p))
		}
		return nil
	}

	switch k {
	case KindString:
		if err := fits(strData); err != nil {
			return err
		}
		n := h.U32(p, strLen)
		if err := fits(strData + uint64(n)); err != nil {
			return err
		}
		if h.U32(p, strHash) != hashBytes(h.Slice(p, strData, n)) {
			return fmt.Errorf("string %#x has a stale hash", uint32(p))
		}

	case KindBuffer:
		if err := fits(bufData); err != nil {
			return err
		}
		return fits(bufData + uint64(h.U32(p, bufLen)))

	case KindArray:
		if err := fits(arrSize); err != nil {
			return err
		}
		n, c := h.U32(p, arrLen), h.U32(p, arrCap)
		data := alloc.Ptr(h.U32(p, arrData))
		if n > c {
			return fmt.Errorf("array %#x longer than its capacity", uint32(p))
		}
		if c == 0 {
			if data != 0 {
				return fmt.Errorf("array %#x has data but no capacity", uint32(p))
			}
			return nil
		}
		if err := v.aux(data, uint64(c)*valueSize); err != nil {
			return fmt.Errorf("array %#x: %w", uint32(p), err)
		}
		arr := ref(KindArray, p)
		for i := 0; i < int(n); i++ {
			if err := v.value(v.in.arrayAt(arr, i)); err != nil {
				return fmt.Errorf("array %#x[%d]: %w", uint32(p), i, err)
			}
		}

	case KindTable:
		if err := fits(tblSize); err != nil {
			return err
		}
		if err := v.table(p); err != nil {
			return fmt.Errorf("table %#x: %w", uint32(p), err)
		}

	case KindFunction:
		if err := fits(fnUpvals); err != nil {
			return err
		}
		nup := h.U32(p, fnNUpval)
		if err := fits(fnUpvals + 4*uint64(nup)); err != nil {
			return err
		}
		c := alloc.Ptr(h.U32(p, fnCode))
		if err := v.ref(KindCode, c); err != nil {
			return fmt.Errorf("function %#x: %w", uint32(p), err)
		}
		if v.chunks[c] >= codeBody && h.U32(c, codeNUpval) != nup {
			return fmt.Errorf("function %#x has %d upvalues, its code wants %d", uint32(p), nup, h.U32(c, codeNUpval))
		}
		for i := 0; i < int(nup); i++ {
			if err := v.ref(KindUpvalue, v.in.fnUpval(p, i)); err != nil {
				return fmt.Errorf("function %#x: %w", uint32(p), err)
			}
		}

	case KindUpvalue:
		if err := fits(upSize); err != nil {
			return err
		}
		// Between invocations every frame has exited.
		if h.U32(p, upState) != upClosed {
			return fmt.Errorf("upvalue %#x is still open", uint32(p))
		}
		return v.value(v.in.loadValue(p, upValue))

	case KindCode:
		if err := v.code(p, size); err != nil {
			return fmt.Errorf("code %#x: %w", uint32(p), err)
		}
	}
	return nil
}

// table checks the pool bounds, that every bucket chain and the free list
// are acyclic, and that together they account for every pool entry.
func (v *verifier) table(p alloc.Ptr) error {
	h := v.h
	count, nb := h.U32(p, tblCount), h.U32(p, tblNBuckets)
	buckets, entries := alloc.Ptr(h.U32(p, tblBuckets)), alloc.Ptr(h.U32(p, tblEntries))
	entCap, used, free := h.U32(p, tblEntCap), h.U32(p, tblUsed), h.U32(p, tblFree)

	if nb == 0 {
		if buckets != 0 || entries != 0 || entCap != 0 || used != 0 || free != 0 || count != 0 {
			return fmt.Errorf("empty table has storage")
		}
		return nil
	}
	if nb&(nb-1) != 0 || nb > 1<<24 {
		return fmt.Errorf("bucket count %d", nb)
	}
	if err := v.aux(buckets, 4*uint64(nb)); err != nil {
		return err
	}
	if entCap == 0 {
		if entries != 0 || used != 0 || free != 0 || count != 0 {
			return fmt.Errorf("entry pool without capacity")
		}
		for i := uint32(0); i < nb; i++ {
			if h.U32(buckets, 4*i) != 0 {
				return fmt.Errorf("bucket %d is not empty", i)
			}
		}
		return nil
	}
	if err := v.aux(entries, entSize*uint64(entCap)); err != nil {
		return err
	}
	if used > entCap || count > used || free > used {
		return fmt.Errorf("pool counters out of range")
	}

	seen := make([]bool, used)
	live := uint32(0)
	for i := uint32(0); i < nb; i++ {
		for e := h.U32(buckets, 4*i); e != 0; e = h.U32(entries, entryOff(e-1)+entNext) {
			if e > used || seen[e-1] {
				return fmt.Errorf("bucket %d chain is malformed", i)
			}
			seen[e-1] = true
			key := alloc.Ptr(h.U32(entries, entryOff(e-1)+entKey))
			if err := v.ref(KindString, key); err != nil {
				return err
			}
			if h.U32(key, strHash)&(nb-1) != i {
				return fmt.Errorf("key %#x is in the wrong bucket", uint32(key))
			}
			val := v.in.loadValue(entries, entryOff(e-1)+entValue)
			if val.kind == KindUndefined {
				return fmt.Errorf("entry %d holds undefined", e-1)
			}
			if err := v.value(val); err != nil {
				return err
			}
			live++
		}
	}
	if live != count {
		return fmt.Errorf("%d entries reachable, count is %d", live, count)
	}
	for e := free; e != 0; e = h.U32(entries, entryOff(e-1)+entNext) {
		if e > used || seen[e-1] {
			return fmt.Errorf("free list is malformed")
		}
		seen[e-1] = true
		if h.U32(entries, entryOff(e-1)+entKey) != 0 {
			return fmt.Errorf("free entry %d has a key", e-1)
		}
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("entry %d is neither live nor free", i)
		}
	}
	return nil
}

// code checks the layout of a code object and then its instructions.
func (v *verifier) code(p alloc.Ptr, size uint64) error {
	h := v.h
	if size < codeBody {
		return fmt.Errorf("truncated")
	}
	ni, nc := uint64(h.U32(p, codeNInstr)), uint64(h.U32(p, codeNConst))
	nu, nl := uint64(h.U32(p, codeNUpval)), uint64(h.U32(p, codeNLines))
	if size < codeBody+4*ni+valueSize*nc+2*nu+nl {
		return fmt.Errorf("truncated")
	}
	if name := alloc.Ptr(h.U32(p, codeName)); name != 0 {
		if err := v.ref(KindString, name); err != nil {
			return err
		}
	}
	params, slots := int(h.U32(p, codeParams)), int(h.U32(p, codeSlots))
	if slots > bytecode.MaxSlots || slots < bytecode.NumHeader+params {
		return fmt.Errorf("bad slot count %d for %d parameters", slots, params)
	}
	off := codeBody + 4*uint32(ni)
	for i := uint32(0); i < uint32(nc); i++ {
		k := v.in.loadValue(p, off+i*valueSize)
		var err error
		switch k.kind {
		case KindNumber:
		case KindString, KindCode:
			err = v.ref(k.kind, k.ptr())
		default:
			err = fmt.Errorf("constant %d is a %s", i, k.kind)
		}
		if err != nil {
			return err
		}
	}
	off += valueSize * uint32(nc)
	for i := uint32(0); i < uint32(nu); i++ {
		if h.U8(p, off+2*i) > 1 {
			return fmt.Errorf("upvalue descriptor %d is malformed", i)
		}
	}
	return nil
}

// instructions checks a code object's instructions and the upvalue
// descriptors of the functions it creates, which index its window or its
// own upvalues.
func (v *verifier) instructions(p alloc.Ptr) error {
	cd := v.in.codeAt(p)
	if err := checkInstrs(cd); err != nil {
		return err
	}
	for _, k := range cd.consts {
		if k.kind != KindCode {
			continue
		}
		nested := v.in.codeAt(k.ptr())
		for i, u := range nested.upvals {
			if u.FromStack && int(u.Index) >= cd.slots || !u.FromStack && int(u.Index) >= len(cd.upvals) {
				return fmt.Errorf("%s captures upvalue %d from outside its parent", nested.displayName(), i)
			}
		}
	}
	return nil
}

// checkInstrs checks that every instruction is defined, addresses only
// registers inside the window, names constants of the right kind, jumps
// to an instruction (never into a LOADNUM operand) and that execution
// cannot run off the end.
func checkInstrs(cd *code) error {
	n := len(cd.instrs)
	if n == 0 {
		return fmt.Errorf("no instructions")
	}
	operand := make([]bool, n)
	for pc := 0; pc < n; pc++ {
		if cd.instrs[pc].Op() == bytecode.OpLoadNum {
			if pc+1 >= n {
				return fmt.Errorf("LOADNUM without operand")
			}
			operand[pc+1] = true
			pc++
		}
	}

	last := bytecode.OpNop
	for pc := 0; pc < n; pc++ {
		if operand[pc] {
			continue
		}
		ins := cd.instrs[pc]
		op := ins.Op()
		if !op.Valid() {
			return fmt.Errorf("pc %d: invalid opcode %#02x", pc, byte(op))
		}
		last = op
		a, b, c := int(ins.A()), int(ins.B()), int(ins.C())
		var regs []int
		konst := -1
		want := KindUndefined
		switch op {
		case bytecode.OpNop, bytecode.OpJmp, bytecode.OpReturnUndef:
		case bytecode.OpMove, bytecode.OpSwap, bytecode.OpNeg, bytecode.OpNot, bytecode.OpBnot,
			bytecode.OpLen, bytecode.OpAppend:
			regs = []int{a, b}
		case bytecode.OpLoadK:
			regs, konst = []int{a}, int(ins.Bx())
		case bytecode.OpGetGlobal, bytecode.OpSetGlobal:
			regs, konst, want = []int{a}, int(ins.Bx()), KindString
		case bytecode.OpClosure:
			regs, konst, want = []int{a}, int(ins.Bx()), KindCode
		case bytecode.OpGetUpval, bytecode.OpSetUpval:
			if b >= len(cd.upvals) {
				return fmt.Errorf("pc %d: upvalue %d out of range", pc, b)
			}
			regs = []int{a}
		case bytecode.OpGetField:
			regs, konst, want = []int{a, b}, c, KindString
		case bytecode.OpSetField:
			regs, konst, want = []int{a, c}, b, KindString
		case bytecode.OpIter:
			regs = []int{a + 1}
		case bytecode.OpNext:
			regs = []int{a + 2}
		case bytecode.OpCall:
			regs = []int{a + bytecode.NumHeader - 1 + b}
		default:
			switch op.Info().Format {
			case bytecode.FormatABC:
				regs = []int{a, b, c}
			default:
				regs = []int{a}
			}
		}
		for _, r := range regs {
			if r >= cd.slots {
				return fmt.Errorf("pc %d: register %d outside window of %d", pc, r, cd.slots)
			}
		}
		if konst >= 0 {
			if konst >= len(cd.consts) {
				return fmt.Errorf("pc %d: constant %d out of range", pc, konst)
			}
			if want != KindUndefined && cd.consts[konst].kind != want {
				return fmt.Errorf("pc %d: constant %d is not a %s", pc, konst, want)
			}
		}
		switch op.Info().Format {
		case bytecode.FormatsBx, bytecode.FormatAsBx:
			if op == bytecode.OpLoadInt {
				break
			}
			if t := pc + 1 + int(ins.SBx()); t < 0 || t >= n || operand[t] {
				return fmt.Errorf("pc %d: bad jump target %d", pc, t)
			}
		}
	}
	switch last {
	case bytecode.OpReturn, bytecode.OpReturnUndef, bytecode.OpJmp:
		return nil
	}
	return fmt.Errorf("execution can run past the last instruction")
}

// internTable checks that every string is in the intern table exactly
// once, in the bucket its hash selects, and that no two strings share
// content.
func (v *verifier) internTable() error {
	h := v.h
	size := h.Root(rootInternSize)
	if size == 0 || size&(size-1) != 0 || size > 1<<24 {
		return fmt.Errorf("intern table size %d", size)
	}
	buckets := alloc.Ptr(h.Root(rootInternBuckets))
	if err := v.aux(buckets, 4*uint64(size)); err != nil {
		return fmt.Errorf("intern table: %w", err)
	}
	seen := make(map[alloc.Ptr]bool)
	for i := uint32(0); i < size; i++ {
		var chain [][]byte
		for p := alloc.Ptr(h.U32(buckets, 4*i)); p != 0; p = alloc.Ptr(h.U32(p, strChain)) {
			if err := v.ref(KindString, p); err != nil {
				return fmt.Errorf("intern table: %w", err)
			}
			if seen[p] {
				return fmt.Errorf("intern table: bucket %d loops", i)
			}
			seen[p] = true
			if h.U32(p, strHash)&(size-1) != i {
				return fmt.Errorf("intern table: string %#x in the wrong bucket", uint32(p))
			}
			s := h.Slice(p, strData, h.U32(p, strLen))
			for _, other := range chain {
				if bytes.Equal(s, other) {
					return fmt.Errorf("intern table: duplicate string %q", s)
				}
			}
			chain = append(chain, s)
		}
	}
	strings := 0
	for _, k := range v.objs {
		if k == KindString {
			strings++
		}
	}
	if len(seen) != strings || uint32(strings) != h.Root(rootInternCount) {
		return fmt.Errorf("intern table holds %d of %d strings (count %d)", len(seen), strings, h.Root(rootInternCount))
	}
	return nil
}
