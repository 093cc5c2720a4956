package vm

import (
	"strconv"
	"strings"
)

// Op is a boot-code operation.
type Op uint8

// Opcodes.
const (
	OpAcc Op = iota + 1 // Add operand to the accumulator
	OpJmp               // Jump relative to the current instruction
	OpNop               // No operation; operand is kept for repair flips
)

var mnemonics = [...]string{
	OpAcc: "acc",
	OpJmp: "jmp",
	OpNop: "nop",
}

// String returns the mnemonic for the opcode.
func (op Op) String() string {
	if op.Valid() {
		return mnemonics[op]
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Valid reports whether op is one of the defined opcodes.
func (op Op) Valid() bool {
	return op >= OpAcc && op <= OpNop
}

// ParseOp maps a mnemonic to its opcode.
func ParseOp(mnemonic string) (Op, bool) {
	switch mnemonic {
	case "acc":
		return OpAcc, true
	case "jmp":
		return OpJmp, true
	case "nop":
		return OpNop, true
	}
	return 0, false
}

// Instruction is a decoded boot-code instruction.
//
// Jmp and Nop carry their operand in the same field so that a flip is a
// change of Op alone.
type Instruction struct {
	Op  Op
	Arg int64
}

// Acc returns an accumulator instruction.
func Acc(delta int64) Instruction { return Instruction{Op: OpAcc, Arg: delta} }

// Jmp returns a relative jump instruction.
func Jmp(offset int64) Instruction { return Instruction{Op: OpJmp, Arg: offset} }

// Nop returns a no-op instruction.
func Nop(arg int64) Instruction { return Instruction{Op: OpNop, Arg: arg} }

// IsControlFlow reports whether the instruction is a jmp or nop.
func (i Instruction) IsControlFlow() bool {
	return i.Op == OpJmp || i.Op == OpNop
}

// Flip swaps jmp and nop, keeping the operand. Acc is returned unchanged
// with ok set to false.
func (i Instruction) Flip() (flipped Instruction, ok bool) {
	switch i.Op {
	case OpJmp:
		return Nop(i.Arg), true
	case OpNop:
		return Jmp(i.Arg), true
	default:
		return i, false
	}
}

// String renders the instruction in listing form, e.g. "jmp +4".
func (i Instruction) String() string {
	var b strings.Builder
	b.WriteString(i.Op.String())
	b.WriteByte(' ')
	if i.Arg >= 0 {
		b.WriteByte('+')
	}
	b.WriteString(strconv.FormatInt(i.Arg, 10))
	return b.String()
}

// Program is an ordered instruction sequence. Addresses are slice indices.
type Program []Instruction

// Len returns the number of instructions, which is also the terminal address.
func (p Program) Len() int {
	return len(p)
}

// Clone returns an independent copy of the program.
func (p Program) Clone() Program {
	if p == nil {
		return nil
	}
	out := make(Program, len(p))
	copy(out, p)
	return out
}

// WithFlip returns a copy of the program with the instruction at addr
// flipped. ok is false when addr is out of range or holds an acc.
func (p Program) WithFlip(addr int) (Program, bool) {
	if addr < 0 || addr >= len(p) {
		return nil, false
	}
	flipped, ok := p[addr].Flip()
	if !ok {
		return nil, false
	}
	out := p.Clone()
	out[addr] = flipped
	return out, true
}

// Equal reports whether two programs hold the same instructions.
func (p Program) Equal(other Program) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the canonical listing, one instruction per line.
func (p Program) String() string {
	var b strings.Builder
	for _, ins := range p {
		b.WriteString(ins.String())
		b.WriteByte('\n')
	}
	return b.String()
}
