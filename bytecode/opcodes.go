// Package bytecode defines the register-machine instruction set shared by
// the compiler and the interpreter, the compiled function prototype, the
// pc-to-line side table and a disassembler.
package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the low byte of an instruction word.
type Opcode byte

// Loads and moves
const (
	OpNop       Opcode = iota // no operation
	OpMove                    // R(A) = R(B)
	OpSwap                    // R(A), R(B) = R(B), R(A)
	OpLoadK                   // R(A) = K(Bx)
	OpLoadNum                 // R(A) = next instruction word as a number
	OpLoadInt                 // R(A) = sBx
	OpLoadBool                // R(A) = B != 0
	OpLoadNull                // R(A) = null
	OpLoadUndef               // R(A) = undefined
)

// Globals, upvalues and containers
const (
	OpGetGlobal Opcode = iota + 0x10 // R(A) = G[K(Bx)]
	OpSetGlobal                      // G[K(Bx)] = R(A)
	OpGetUpval                       // R(A) = U(B)
	OpSetUpval                       // U(B) = R(A)
	OpGetField                       // R(A) = R(B)[K(C)]
	OpSetField                       // R(A)[K(B)] = R(C)
	OpGetIndex                       // R(A) = R(B)[R(C)]
	OpSetIndex                       // R(A)[R(B)] = R(C)
	OpNewArray                       // R(A) = [] with capacity B
	OpAppend                         // R(A).push(R(B))
	OpNewTable                       // R(A) = {}
)

// Arithmetic, bitwise and comparison: R(A) = R(B) op R(C)
const (
	OpAdd Opcode = iota + 0x20
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpBand
	OpBor
	OpBxor
	OpShl
	OpShr
	OpUshr
	OpEq
	OpNe
	OpLt
	OpLe
)

// Unary: R(A) = op R(B)
const (
	OpNeg Opcode = iota + 0x30
	OpNot
	OpBnot
	OpLen
)

// Control flow
const (
	OpJmp         Opcode = iota + 0x40 // pc += sBx
	OpJmpIf                            // if R(A) is truthy: pc += sBx
	OpJmpIfNot                         // if R(A) is falsy: pc += sBx
	OpJmpClose                         // close upvalues >= R(A); pc += sBx
	OpClose                            // close upvalues >= R(A)
	OpIter                             // prepare R(A) for iteration; R(A+1) = 0
	OpNext                             // if R(A+1) < #R(A): R(A+2) = next; pc += sBx
	OpClosure                          // R(A) = closure(K(Bx))
	OpCall                             // R(A) = R(A)(R(A+4) .. R(A+3+B)), this = R(A+1)
	OpReturn                           // return R(A)
	OpReturnUndef                      // return undefined
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Format describes which operand fields an opcode uses.
type Format uint8

const (
	FormatNone Format = iota // no operands
	FormatA                  // A
	FormatAB                 // A B
	FormatABC                // A B C
	FormatABx                // A Bx (unsigned 16-bit)
	FormatAsBx               // A sBx (signed 16-bit)
	FormatsBx                // sBx
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string
	Format Format
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", FormatNone},
	OpMove:      {"MOVE", FormatAB},
	OpSwap:      {"SWAP", FormatAB},
	OpLoadK:     {"LOADK", FormatABx},
	OpLoadNum:   {"LOADNUM", FormatA},
	OpLoadInt:   {"LOADINT", FormatAsBx},
	OpLoadBool:  {"LOADBOOL", FormatAB},
	OpLoadNull:  {"LOADNULL", FormatA},
	OpLoadUndef: {"LOADUNDEF", FormatA},

	OpGetGlobal: {"GETGLOBAL", FormatABx},
	OpSetGlobal: {"SETGLOBAL", FormatABx},
	OpGetUpval:  {"GETUPVAL", FormatAB},
	OpSetUpval:  {"SETUPVAL", FormatAB},
	OpGetField:  {"GETFIELD", FormatABC},
	OpSetField:  {"SETFIELD", FormatABC},
	OpGetIndex:  {"GETINDEX", FormatABC},
	OpSetIndex:  {"SETINDEX", FormatABC},
	OpNewArray:  {"NEWARRAY", FormatAB},
	OpAppend:    {"APPEND", FormatAB},
	OpNewTable:  {"NEWTABLE", FormatA},

	OpAdd:  {"ADD", FormatABC},
	OpSub:  {"SUB", FormatABC},
	OpMul:  {"MUL", FormatABC},
	OpDiv:  {"DIV", FormatABC},
	OpMod:  {"MOD", FormatABC},
	OpPow:  {"POW", FormatABC},
	OpBand: {"BAND", FormatABC},
	OpBor:  {"BOR", FormatABC},
	OpBxor: {"BXOR", FormatABC},
	OpShl:  {"SHL", FormatABC},
	OpShr:  {"SHR", FormatABC},
	OpUshr: {"USHR", FormatABC},
	OpEq:   {"EQ", FormatABC},
	OpNe:   {"NE", FormatABC},
	OpLt:   {"LT", FormatABC},
	OpLe:   {"LE", FormatABC},

	OpNeg:  {"NEG", FormatAB},
	OpNot:  {"NOT", FormatAB},
	OpBnot: {"BNOT", FormatAB},
	OpLen:  {"LEN", FormatAB},

	OpJmp:         {"JMP", FormatsBx},
	OpJmpIf:       {"JMPIF", FormatAsBx},
	OpJmpIfNot:    {"JMPIFNOT", FormatAsBx},
	OpJmpClose:    {"JMPCLOSE", FormatAsBx},
	OpClose:       {"CLOSE", FormatA},
	OpIter:        {"ITER", FormatA},
	OpNext:        {"NEXT", FormatAsBx},
	OpClosure:     {"CLOSURE", FormatABx},
	OpCall:        {"CALL", FormatAB},
	OpReturn:      {"RETURN", FormatA},
	OpReturnUndef: {"RETURNUNDEF", FormatNone},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), Format: FormatNone}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// ---------------------------------------------------------------------------
// Instruction words
// ---------------------------------------------------------------------------

// Instr is one 32-bit instruction word: op in bits 0-7, A in 8-15, B in
// 16-23 and C in 24-31. Bx overlays B and C as an unsigned 16-bit field.
type Instr uint32

// ABC encodes an instruction with three 8-bit operands.
func ABC(op Opcode, a, b, c uint8) Instr {
	return Instr(op) | Instr(a)<<8 | Instr(b)<<16 | Instr(c)<<24
}

// ABx encodes an instruction with an 8-bit and an unsigned 16-bit operand.
func ABx(op Opcode, a uint8, bx uint16) Instr {
	return Instr(op) | Instr(a)<<8 | Instr(bx)<<16
}

// AsBx encodes an instruction with an 8-bit and a signed 16-bit operand.
func AsBx(op Opcode, a uint8, sbx int16) Instr {
	return ABx(op, a, uint16(sbx))
}

// Op returns the opcode.
func (i Instr) Op() Opcode { return Opcode(i) }

// A returns the A operand.
func (i Instr) A() uint8 { return uint8(i >> 8) }

// B returns the B operand.
func (i Instr) B() uint8 { return uint8(i >> 16) }

// C returns the C operand.
func (i Instr) C() uint8 { return uint8(i >> 24) }

// Bx returns the unsigned 16-bit operand.
func (i Instr) Bx() uint16 { return uint16(i >> 16) }

// SBx returns the signed 16-bit operand.
func (i Instr) SBx() int16 { return int16(i >> 16) }

// WithSBx returns i with its 16-bit operand replaced, used to patch jumps.
func (i Instr) WithSBx(sbx int16) Instr {
	return i&0xFFFF | Instr(uint16(sbx))<<16
}
