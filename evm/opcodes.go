package evm

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
)

// OpCode represents an EVM opcode
type OpCode byte

// Supported opcodes. Byte values match the real EVM so traces line up with
// disassembler output.
const (
	// 0x0 range - arithmetic ops
	STOP OpCode = 0x00
	ADD  OpCode = 0x01
	MUL  OpCode = 0x02
	SUB  OpCode = 0x03
	DIV  OpCode = 0x04
	MOD  OpCode = 0x06

	// 0x10 range - comparison ops
	LT     OpCode = 0x10
	GT     OpCode = 0x11
	EQ     OpCode = 0x14
	ISZERO OpCode = 0x15
	AND    OpCode = 0x16
	OR     OpCode = 0x17
	XOR    OpCode = 0x18
	NOT    OpCode = 0x19
	SHL    OpCode = 0x1B
	SHR    OpCode = 0x1C

	// 0x30 range - closure state
	CALLER    OpCode = 0x33
	CALLVALUE OpCode = 0x34

	// 0x50 range - storage and execution
	POP    OpCode = 0x50
	MLOAD  OpCode = 0x51
	MSTORE OpCode = 0x52
	SLOAD  OpCode = 0x54
	SSTORE OpCode = 0x55
	PUSH0  OpCode = 0x5F

	// 0x60 range - push
	PUSH1  OpCode = 0x60
	PUSH32 OpCode = 0x7F

	// 0x80 range - dup
	DUP1 OpCode = 0x80
	DUP2 OpCode = 0x81

	// 0x90 range - swap
	SWAP1 OpCode = 0x90
)

// OpcodeInfo holds the static metadata of an opcode
type OpcodeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	GasCost     uint64 `json:"gasCost"`
	StackIn     int    `json:"stackIn"`
	StackOut    int    `json:"stackOut"`

	op OpCode
}

// OpCode returns the byte value of the opcode
func (info OpcodeInfo) OpCode() OpCode {
	return info.op
}

// opcodeTable is the single source of truth for gas pricing and arity.
var opcodeTable = map[OpCode]OpcodeInfo{
	STOP: {"STOP", "Halts execution", 0, 0, 0, STOP},
	ADD:  {"ADD", "Addition operation", vm.GasFastestStep, 2, 1, ADD},
	MUL:  {"MUL", "Multiplication operation", vm.GasFastStep, 2, 1, MUL},
	SUB:  {"SUB", "Subtraction operation", vm.GasFastestStep, 2, 1, SUB},
	DIV:  {"DIV", "Integer division operation", vm.GasFastStep, 2, 1, DIV},
	MOD:  {"MOD", "Modulo remainder operation", vm.GasFastStep, 2, 1, MOD},

	LT:     {"LT", "Less-than comparison", vm.GasFastestStep, 2, 1, LT},
	GT:     {"GT", "Greater-than comparison", vm.GasFastestStep, 2, 1, GT},
	EQ:     {"EQ", "Equality comparison", vm.GasFastestStep, 2, 1, EQ},
	ISZERO: {"ISZERO", "Is-zero comparison", vm.GasFastestStep, 1, 1, ISZERO},
	AND:    {"AND", "Bitwise AND operation", vm.GasFastestStep, 2, 1, AND},
	OR:     {"OR", "Bitwise OR operation", vm.GasFastestStep, 2, 1, OR},
	XOR:    {"XOR", "Bitwise XOR operation", vm.GasFastestStep, 2, 1, XOR},
	NOT:    {"NOT", "Bitwise NOT operation", vm.GasFastestStep, 1, 1, NOT},
	SHL:    {"SHL", "Left shift operation", vm.GasFastestStep, 2, 1, SHL},
	SHR:    {"SHR", "Logical right shift operation", vm.GasFastestStep, 2, 1, SHR},

	CALLER:    {"CALLER", "Get caller address (msg.sender)", vm.GasQuickStep, 0, 1, CALLER},
	CALLVALUE: {"CALLVALUE", "Get deposited value (msg.value)", vm.GasQuickStep, 0, 1, CALLVALUE},

	POP:    {"POP", "Remove item from stack", vm.GasQuickStep, 1, 0, POP},
	MLOAD:  {"MLOAD", "Load word from memory", vm.GasFastestStep, 1, 1, MLOAD},
	MSTORE: {"MSTORE", "Save word to memory", vm.GasFastestStep, 2, 0, MSTORE},
	SLOAD:  {"SLOAD", "Load word from storage", params.ColdSloadCostEIP2929, 1, 1, SLOAD},
	SSTORE: {"SSTORE", "Save word to storage", params.SstoreSetGas, 2, 0, SSTORE},
	PUSH0:  {"PUSH0", "Place value 0 on stack", vm.GasQuickStep, 0, 1, PUSH0},

	PUSH1:  {"PUSH1", "Place 1 byte item on stack", vm.GasFastestStep, 0, 1, PUSH1},
	PUSH32: {"PUSH32", "Place 32 byte (full word) item on stack", vm.GasFastestStep, 0, 1, PUSH32},

	DUP1: {"DUP1", "Duplicate 1st stack item", vm.GasFastestStep, 1, 2, DUP1},
	DUP2: {"DUP2", "Duplicate 2nd stack item", vm.GasFastestStep, 2, 3, DUP2},

	SWAP1: {"SWAP1", "Exchange 1st and 2nd stack items", vm.GasFastestStep, 2, 2, SWAP1},
}

var (
	opcodesByName map[string]OpCode
	opcodeList    []OpcodeInfo
)

func init() {
	opcodesByName = make(map[string]OpCode, len(opcodeTable))
	opcodeList = make([]OpcodeInfo, 0, len(opcodeTable))
	for op, info := range opcodeTable {
		opcodesByName[info.Name] = op
		opcodeList = append(opcodeList, info)
	}
	sort.Slice(opcodeList, func(i, j int) bool {
		return opcodeList[i].op < opcodeList[j].op
	})
}

// String returns the opcode name
func (op OpCode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return "UNKNOWN"
}

// IsPush returns true if this opcode pushes an operand literal
func (op OpCode) IsPush() bool {
	return op >= PUSH1 && op <= PUSH32
}

// StringToOp resolves an opcode mnemonic, ignoring case and surrounding space.
func StringToOp(name string) (OpCode, bool) {
	op, ok := opcodesByName[strings.ToUpper(strings.TrimSpace(name))]
	return op, ok
}

// LookupOpcode returns the registry entry for name. Absence is reported
// through the boolean only.
func LookupOpcode(name string) (OpcodeInfo, bool) {
	op, ok := StringToOp(name)
	if !ok {
		return OpcodeInfo{}, false
	}
	return opcodeTable[op], true
}

// AllOpcodes returns every registered opcode ordered by byte value.
func AllOpcodes() []OpcodeInfo {
	out := make([]OpcodeInfo, len(opcodeList))
	copy(out, opcodeList)
	return out
}
