package bytecode

import (
	"fmt"
	"sort"
)

// Opcode represents a bytecode instruction.
// Numbering is part of the binary contract with the rule compiler and must
// not change once a program image has been written.
type Opcode byte

const (
	// ========================================================================
	// Boolean and bitwise (1-12)
	// ========================================================================

	OpError      Opcode = 0
	OpAnd        Opcode = 1
	OpOr         Opcode = 2
	OpNot        Opcode = 3
	OpBitwiseNot Opcode = 4
	OpBitwiseAnd Opcode = 5
	OpBitwiseOr  Opcode = 6
	OpBitwiseXor Opcode = 7
	OpShl        Opcode = 8
	OpShr        Opcode = 9
	OpMod        Opcode = 10
	OpIntToDbl   Opcode = 11 // Convert stack slot: OpIntToDbl <depth:u64>
	OpStrToBool  Opcode = 12

	// ========================================================================
	// Stack, objects and patterns (13-29)
	// ========================================================================

	OpPush       Opcode = 13 // Push integer: OpPush <value:u64>
	OpPop        Opcode = 14
	OpCall       Opcode = 15 // Call function: OpCall <argfmt:str>
	OpObjLoad    Opcode = 16 // Load root object: OpObjLoad <name:str>
	OpObjValue   Opcode = 17
	OpObjField   Opcode = 18 // Descend struct field: OpObjField <name:str>
	OpIndexArray Opcode = 19
	OpCount      Opcode = 20
	OpLength     Opcode = 21
	OpFound      Opcode = 22
	OpFoundAt    Opcode = 23
	OpFoundIn    Opcode = 24
	OpOffset     Opcode = 25
	OpOf         Opcode = 26 // Quantified set: OpOf <kind:u64>
	OpPushRule   Opcode = 27 // Push rule verdict: OpPushRule <rule:u64>
	OpInitRule   Opcode = 28 // Begin rule: OpInitRule <skip:i32> <rule:u32>
	OpMatchRule  Opcode = 29 // Record verdict: OpMatchRule <rule:u64>

	// ========================================================================
	// Register bank (30-36)
	// ========================================================================

	OpIncrM     Opcode = 30 // OpIncrM <slot:u64>
	OpClearM    Opcode = 31
	OpAddM      Opcode = 32
	OpPopM      Opcode = 33
	OpPushM     Opcode = 34
	OpSetM      Opcode = 35
	OpSwapUndef Opcode = 36

	// ========================================================================
	// Scan facts, modules and jumps (37-59)
	// ========================================================================

	OpFilesize   Opcode = 37
	OpEntrypoint Opcode = 38
	OpMatches    Opcode = 40
	OpImport     Opcode = 41 // Load module: OpImport <name:str>
	OpLookupDict Opcode = 42

	OpJUndefP Opcode = 44 // Jumps: <offset:i32> relative to the end of the offset field
	OpJNUndef Opcode = 45
	OpJFalse  Opcode = 47
	OpJFalseP Opcode = 48
	OpJTrue   Opcode = 49
	OpJTrueP  Opcode = 50
	OpJLP     Opcode = 51
	OpJLEP    Opcode = 52
	OpJZ      Opcode = 58
	OpJZP     Opcode = 59

	// ========================================================================
	// Iterators (53-57, 75-79)
	// ========================================================================

	OpIterNext               Opcode = 53
	OpIterStartArray         Opcode = 54
	OpIterStartDict          Opcode = 55
	OpIterStartIntRange      Opcode = 56
	OpIterStartIntEnum       Opcode = 57
	OpIterEnd                Opcode = 75
	OpIterStartStringSet     Opcode = 76
	OpIterStartTextStringSet Opcode = 78
	OpIterCondition          Opcode = 79

	// ========================================================================
	// Short pushes and string predicates (60-74, 77)
	// ========================================================================

	OpPush8       Opcode = 60 // OpPush8 <value:u8>
	OpPush16      Opcode = 61 // OpPush16 <value:u16>
	OpPush32      Opcode = 62 // OpPush32 <value:u32>
	OpPushU       Opcode = 63 // Push undefined
	OpContains    Opcode = 64
	OpStartsWith  Opcode = 65
	OpEndsWith    Opcode = 66
	OpIContains   Opcode = 67
	OpIStartsWith Opcode = 68
	OpIEndsWith   Opcode = 69
	OpIEquals     Opcode = 70
	OpOfPercent   Opcode = 71 // OpOfPercent <percent:u64>
	OpOfFoundIn   Opcode = 72
	OpCountIn     Opcode = 73
	OpDefined     Opcode = 74
	OpOfFoundAt   Opcode = 77

	// ========================================================================
	// Typed literal pushes (80-83)
	// ========================================================================

	OpPushStr     Opcode = 80 // OpPushStr <index:u64> into Program.Strings
	OpPushDbl     Opcode = 81 // OpPushDbl <bits:u64>
	OpPushPattern Opcode = 82 // OpPushPattern <index:u64> into Program.Patterns
	OpPushRegexp  Opcode = 83 // OpPushRegexp <index:u64> into Program.Regexps

	// ========================================================================
	// Integer arithmetic and comparison (100-110)
	// ========================================================================

	OpIntEq    Opcode = 100
	OpIntNeq   Opcode = 101
	OpIntLt    Opcode = 102
	OpIntGt    Opcode = 103
	OpIntLe    Opcode = 104
	OpIntGe    Opcode = 105
	OpIntAdd   Opcode = 106
	OpIntSub   Opcode = 107
	OpIntMul   Opcode = 108
	OpIntDiv   Opcode = 109
	OpIntMinus Opcode = 110

	// ========================================================================
	// Double arithmetic and comparison (120-130)
	// ========================================================================

	OpDblEq    Opcode = 120
	OpDblNeq   Opcode = 121
	OpDblLt    Opcode = 122
	OpDblGt    Opcode = 123
	OpDblLe    Opcode = 124
	OpDblGe    Opcode = 125
	OpDblAdd   Opcode = 126
	OpDblSub   Opcode = 127
	OpDblMul   Opcode = 128
	OpDblDiv   Opcode = 129
	OpDblMinus Opcode = 130

	// ========================================================================
	// String comparison (140-145)
	// ========================================================================

	OpStrEq  Opcode = 140
	OpStrNeq Opcode = 141
	OpStrLt  Opcode = 142
	OpStrGt  Opcode = 143
	OpStrLe  Opcode = 144
	OpStrGe  Opcode = 145

	// ========================================================================
	// Integer reads from scanned data (240-251)
	// ========================================================================

	OpInt8     Opcode = 240
	OpInt16    Opcode = 241
	OpInt32    Opcode = 242
	OpUint8    Opcode = 243
	OpUint16   Opcode = 244
	OpUint32   Opcode = 245
	OpInt8BE   Opcode = 246
	OpInt16BE  Opcode = 247
	OpInt32BE  Opcode = 248
	OpUint8BE  Opcode = 249
	OpUint16BE Opcode = 250
	OpUint32BE Opcode = 251

	OpNop  Opcode = 254
	OpHalt Opcode = 255
)

// Set kinds carried by OpOf.
const (
	OfPatternSet uint64 = 1
	OfRuleSet    uint64 = 2
)

// OpcodeInfo provides metadata about each opcode for decoding and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack (-1 = variable)
	OperandLen int    // Number of operand bytes following the opcode
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpAnd:        {"AND", 2, 1, 0},
	OpOr:         {"OR", 2, 1, 0},
	OpNot:        {"NOT", 1, 1, 0},
	OpBitwiseNot: {"BITWISE_NOT", 1, 1, 0},
	OpBitwiseAnd: {"BITWISE_AND", 2, 1, 0},
	OpBitwiseOr:  {"BITWISE_OR", 2, 1, 0},
	OpBitwiseXor: {"BITWISE_XOR", 2, 1, 0},
	OpShl:        {"SHL", 2, 1, 0},
	OpShr:        {"SHR", 2, 1, 0},
	OpMod:        {"MOD", 2, 1, 0},
	OpIntToDbl:   {"INT_TO_DBL", 0, 0, 8},
	OpStrToBool:  {"STR_TO_BOOL", 1, 1, 0},

	OpPush:       {"PUSH", 0, 1, 8},
	OpPop:        {"POP", 1, 0, 0},
	OpCall:       {"CALL", -1, 1, 8},
	OpObjLoad:    {"OBJ_LOAD", 0, 1, 8},
	OpObjValue:   {"OBJ_VALUE", 1, 1, 0},
	OpObjField:   {"OBJ_FIELD", 1, 1, 8},
	OpIndexArray: {"INDEX_ARRAY", 2, 1, 0},
	OpCount:      {"COUNT", 1, 1, 0},
	OpLength:     {"LENGTH", 2, 1, 0},
	OpFound:      {"FOUND", 1, 1, 0},
	OpFoundAt:    {"FOUND_AT", 2, 1, 0},
	OpFoundIn:    {"FOUND_IN", 3, 1, 0},
	OpOffset:     {"OFFSET", 2, 1, 0},
	OpOf:         {"OF", -1, 1, 8},
	OpPushRule:   {"PUSH_RULE", 0, 1, 8},
	OpInitRule:   {"INIT_RULE", 0, 0, 8},
	OpMatchRule:  {"MATCH_RULE", 1, 0, 8},

	OpIncrM:     {"INCR_M", 0, 0, 8},
	OpClearM:    {"CLEAR_M", 0, 0, 8},
	OpAddM:      {"ADD_M", 1, 0, 8},
	OpPopM:      {"POP_M", 1, 0, 8},
	OpPushM:     {"PUSH_M", 0, 1, 8},
	OpSetM:      {"SET_M", 1, 1, 8},
	OpSwapUndef: {"SWAPUNDEF", 1, 1, 8},

	OpFilesize:   {"FILESIZE", 0, 1, 0},
	OpEntrypoint: {"ENTRYPOINT", 0, 1, 0},
	OpMatches:    {"MATCHES", 2, 1, 0},
	OpImport:     {"IMPORT", 0, 0, 8},
	OpLookupDict: {"LOOKUP_DICT", 2, 1, 0},

	OpJUndefP: {"JUNDEF_P", 1, 0, 4},
	OpJNUndef: {"JNUNDEF", 1, 1, 4},
	OpJFalse:  {"JFALSE", 1, 1, 4},
	OpJFalseP: {"JFALSE_P", 1, 0, 4},
	OpJTrue:   {"JTRUE", 1, 1, 4},
	OpJTrueP:  {"JTRUE_P", 1, 0, 4},
	OpJLP:     {"JL_P", 2, 0, 4},
	OpJLEP:    {"JLE_P", 2, 0, 4},
	OpJZ:      {"JZ", 1, 1, 4},
	OpJZP:     {"JZ_P", 1, 0, 4},

	OpIterNext:               {"ITER_NEXT", 1, -1, 0},
	OpIterStartArray:         {"ITER_START_ARRAY", 1, 1, 0},
	OpIterStartDict:          {"ITER_START_DICT", 1, 1, 0},
	OpIterStartIntRange:      {"ITER_START_INT_RANGE", 2, 1, 0},
	OpIterStartIntEnum:       {"ITER_START_INT_ENUM", -1, 1, 0},
	OpIterEnd:                {"ITER_END", 3, 1, 0},
	OpIterStartStringSet:     {"ITER_START_STRING_SET", -1, 1, 0},
	OpIterStartTextStringSet: {"ITER_START_TEXT_STRING_SET", -1, 1, 0},
	OpIterCondition:          {"ITER_CONDITION", 3, 2, 0},

	OpPush8:       {"PUSH_8", 0, 1, 1},
	OpPush16:      {"PUSH_16", 0, 1, 2},
	OpPush32:      {"PUSH_32", 0, 1, 4},
	OpPushU:       {"PUSH_U", 0, 1, 0},
	OpContains:    {"CONTAINS", 2, 1, 0},
	OpStartsWith:  {"STARTSWITH", 2, 1, 0},
	OpEndsWith:    {"ENDSWITH", 2, 1, 0},
	OpIContains:   {"ICONTAINS", 2, 1, 0},
	OpIStartsWith: {"ISTARTSWITH", 2, 1, 0},
	OpIEndsWith:   {"IENDSWITH", 2, 1, 0},
	OpIEquals:     {"IEQUALS", 2, 1, 0},
	OpOfPercent:   {"OF_PERCENT", -1, 1, 8},
	OpOfFoundIn:   {"OF_FOUND_IN", -1, 1, 0},
	OpCountIn:     {"COUNT_IN", 3, 1, 0},
	OpDefined:     {"DEFINED", 1, 1, 0},
	OpOfFoundAt:   {"OF_FOUND_AT", -1, 1, 0},

	OpPushStr:     {"PUSH_STR", 0, 1, 8},
	OpPushDbl:     {"PUSH_DBL", 0, 1, 8},
	OpPushPattern: {"PUSH_PATTERN", 0, 1, 8},
	OpPushRegexp:  {"PUSH_REGEXP", 0, 1, 8},

	OpIntEq:    {"INT_EQ", 2, 1, 0},
	OpIntNeq:   {"INT_NEQ", 2, 1, 0},
	OpIntLt:    {"INT_LT", 2, 1, 0},
	OpIntGt:    {"INT_GT", 2, 1, 0},
	OpIntLe:    {"INT_LE", 2, 1, 0},
	OpIntGe:    {"INT_GE", 2, 1, 0},
	OpIntAdd:   {"INT_ADD", 2, 1, 0},
	OpIntSub:   {"INT_SUB", 2, 1, 0},
	OpIntMul:   {"INT_MUL", 2, 1, 0},
	OpIntDiv:   {"INT_DIV", 2, 1, 0},
	OpIntMinus: {"INT_MINUS", 1, 1, 0},

	OpDblEq:    {"DBL_EQ", 2, 1, 0},
	OpDblNeq:   {"DBL_NEQ", 2, 1, 0},
	OpDblLt:    {"DBL_LT", 2, 1, 0},
	OpDblGt:    {"DBL_GT", 2, 1, 0},
	OpDblLe:    {"DBL_LE", 2, 1, 0},
	OpDblGe:    {"DBL_GE", 2, 1, 0},
	OpDblAdd:   {"DBL_ADD", 2, 1, 0},
	OpDblSub:   {"DBL_SUB", 2, 1, 0},
	OpDblMul:   {"DBL_MUL", 2, 1, 0},
	OpDblDiv:   {"DBL_DIV", 2, 1, 0},
	OpDblMinus: {"DBL_MINUS", 1, 1, 0},

	OpStrEq:  {"STR_EQ", 2, 1, 0},
	OpStrNeq: {"STR_NEQ", 2, 1, 0},
	OpStrLt:  {"STR_LT", 2, 1, 0},
	OpStrGt:  {"STR_GT", 2, 1, 0},
	OpStrLe:  {"STR_LE", 2, 1, 0},
	OpStrGe:  {"STR_GE", 2, 1, 0},

	OpInt8:     {"INT8", 1, 1, 0},
	OpInt16:    {"INT16", 1, 1, 0},
	OpInt32:    {"INT32", 1, 1, 0},
	OpUint8:    {"UINT8", 1, 1, 0},
	OpUint16:   {"UINT16", 1, 1, 0},
	OpUint32:   {"UINT32", 1, 1, 0},
	OpInt8BE:   {"INT8BE", 1, 1, 0},
	OpInt16BE:  {"INT16BE", 1, 1, 0},
	OpInt32BE:  {"INT32BE", 1, 1, 0},
	OpUint8BE:  {"UINT8BE", 1, 1, 0},
	OpUint16BE: {"UINT16BE", 1, 1, 0},
	OpUint32BE: {"UINT32BE", 1, 1, 0},

	OpNop:  {"NOP", 0, 0, 0},
	OpHalt: {"HALT", 0, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsDefined reports whether op is part of the instruction set.
func (op Opcode) IsDefined() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode carries a relative jump offset.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJUndefP, OpJNUndef, OpJFalse, OpJFalseP, OpJTrue, OpJTrueP,
		OpJLP, OpJLEP, OpJZ, OpJZP, OpInitRule:
		return true
	}
	return false
}

// IsIterator returns true if this opcode belongs to the iterator framework.
func (op Opcode) IsIterator() bool {
	return (op >= OpIterNext && op <= OpIterStartIntEnum) ||
		op == OpIterEnd || op == OpIterStartStringSet ||
		op == OpIterStartTextStringSet || op == OpIterCondition
}

// IsArithmetic returns true for the typed arithmetic and comparison families.
func (op Opcode) IsArithmetic() bool {
	return (op >= OpIntEq && op <= OpIntMinus) ||
		(op >= OpDblEq && op <= OpDblMinus) ||
		(op >= OpStrEq && op <= OpStrGe)
}

// TakesString returns true if the 8-byte operand indexes Program.Strings.
func (op Opcode) TakesString() bool {
	switch op {
	case OpCall, OpObjLoad, OpObjField, OpImport, OpPushStr:
		return true
	}
	return false
}

// AllOpcodes returns all defined opcodes in numeric order.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	sort.Slice(opcodes, func(i, j int) bool { return opcodes[i] < opcodes[j] })
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
