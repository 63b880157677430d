// Package bytecode defines the instruction set executed by the rule
// interpreter and the Program container that carries it.
//
// The bytecode format is a binary contract with the rule compiler:
//   - One opcode byte followed by a fixed-width operand (0, 1, 2, 4 or 8
//     bytes) whose width depends only on the opcode
//   - Multi-byte operands are little-endian
//   - Identifiers and literals are 8-byte indexes into the Program's pools
//   - Jumps carry a signed 32-bit offset relative to the byte that follows
//     the offset field
//
// # Architecture Overview
//
//   - Opcodes: the closed instruction set and its OpcodeInfo table. The
//     table is the single source of operand widths; Decode, the
//     disassembler and the interpreter all read widths from it.
//
//   - Program: the code section plus string, pattern, regexp, rule and
//     namespace tables. Emit helpers and jump patching let tests and tools
//     assemble programs by hand.
//
//   - Images: programs are stored as "VRBC" images, a magic/version header
//     followed by a canonical CBOR body.
//
// The interpreter itself lives in package vm.
package bytecode
