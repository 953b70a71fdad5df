package bytecode

import (
	"fmt"

	"github.com/chazu/sprout/fixed"
)

// ConstKind tags an entry in a constant pool.
type ConstKind uint8

const (
	ConstNumber ConstKind = iota
	ConstString
	ConstProto
)

// Const is one constant pool entry.
type Const struct {
	Kind  ConstKind
	Num   fixed.Fix
	Str   string
	Proto *Proto
}

// String renders the constant for listings.
func (k Const) String() string {
	switch k.Kind {
	case ConstNumber:
		return k.Num.String()
	case ConstString:
		return fmt.Sprintf("%q", k.Str)
	case ConstProto:
		return "function " + k.Proto.DisplayName()
	}
	return "?"
}

// UpvalDesc says where a closure finds one captured variable when it is
// created: a slot in the creating function's window (FromStack) or one of
// the creating function's own upvalues.
type UpvalDesc struct {
	FromStack bool
	Index     uint8
	Name      string
}

// Frame header slots shared by the compiler and the interpreter.
const (
	SlotFunc   = 0 // callee, then the return value
	SlotThis   = 1
	SlotPC     = 2 // caller's resume pc
	SlotCaller = 3 // distance from the caller's window to this one
	NumHeader  = 4
)

// MaxSlots is the largest register window a function may use.
const MaxSlots = 250

// Proto is a compiled function.
type Proto struct {
	Name      string
	Line      int // 0-based line of the definition
	NumParams int
	NumSlots  int
	Code      []Instr
	Lines     []byte // see LineWriter
	Consts    []Const
	Upvals    []UpvalDesc
}

// DisplayName returns Name or a placeholder for anonymous functions.
func (p *Proto) DisplayName() string {
	if p.Name == "" {
		return fmt.Sprintf("<anonymous:%d>", p.Line+1)
	}
	return p.Name
}

// LineAt returns the 0-based source line of instruction pc.
func (p *Proto) LineAt(pc int) int {
	return LineAt(p.Lines, pc)
}

// Walk calls fn for p and every nested prototype in constant-pool order,
// depth first.
func (p *Proto) Walk(fn func(*Proto)) {
	fn(p)
	for _, k := range p.Consts {
		if k.Kind == ConstProto {
			k.Proto.Walk(fn)
		}
	}
}
