package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownOpcode is returned when a byte does not name an instruction.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrTruncated is returned when an instruction's operand runs past the
	// end of the code section.
	ErrTruncated = errors.New("truncated operand")
)

// Instruction is one decoded instruction. Operand aliases the code slice.
type Instruction struct {
	Offset  int
	Op      Opcode
	Operand []byte
}

// Decode decodes the instruction starting at offset. The operand width comes
// from the opcode table, so decoding and execution always agree on it.
func Decode(code []byte, offset int) (Instruction, error) {
	if offset < 0 || offset >= len(code) {
		return Instruction{}, fmt.Errorf("decode at %04X: %w", offset, ErrTruncated)
	}
	op := Opcode(code[offset])
	info, ok := opcodeInfoTable[op]
	if !ok {
		return Instruction{Offset: offset, Op: op}, fmt.Errorf("decode at %04X: %w 0x%02X", offset, ErrUnknownOpcode, byte(op))
	}
	end := offset + 1 + info.OperandLen
	if end > len(code) {
		return Instruction{Offset: offset, Op: op}, fmt.Errorf("decode %s at %04X: %w", info.Name, offset, ErrTruncated)
	}
	return Instruction{Offset: offset, Op: op, Operand: code[offset+1 : end]}, nil
}

// DecodeAll decodes a whole instruction stream.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	offset := 0
	for offset < len(code) {
		in, err := Decode(code, offset)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		offset = in.Next()
	}
	return out, nil
}

// Len returns the encoded length of the instruction.
func (in Instruction) Len() int {
	return 1 + len(in.Operand)
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.Offset + in.Len()
}

// Uint64 returns the operand zero-extended to 64 bits.
func (in Instruction) Uint64() uint64 {
	switch len(in.Operand) {
	case 1:
		return uint64(in.Operand[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(in.Operand))
	case 4:
		return uint64(binary.LittleEndian.Uint32(in.Operand))
	case 8:
		return binary.LittleEndian.Uint64(in.Operand)
	}
	return 0
}

// JumpOffset returns the signed relative offset of a jump or INIT_RULE.
func (in Instruction) JumpOffset() int32 {
	if len(in.Operand) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(in.Operand))
}

// JumpTarget returns the absolute offset a taken jump lands on. The offset is
// relative to the byte that follows the 4-byte offset field.
func (in Instruction) JumpTarget() int {
	return in.Offset + 1 + 4 + int(in.JumpOffset())
}

// RuleIndex returns the rule index carried by INIT_RULE.
func (in Instruction) RuleIndex() uint32 {
	if in.Op != OpInitRule || len(in.Operand) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint32(in.Operand[4:])
}

// Encode appends the instruction's bytes to dst.
func (in Instruction) Encode(dst []byte) []byte {
	dst = append(dst, byte(in.Op))
	return append(dst, in.Operand...)
}
