package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Fault messages are lowercase Go errors. An unknown opcode renders as
// "unknown opcode: <NAME>" with the name upper-cased; a stack underflow
// renders as "stack underflow". Step descriptions prefix them with "Error: ".
var (
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrStackUnderflow = errors.New("stack underflow")
	ErrInvalidOperand = errors.New("invalid push operand")
)

// DefaultCaller is the address CALLER pushes. There is no transaction behind
// a program, so every run sees the same sender.
var DefaultCaller = common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4")

// Instruction is one line of a program. Operand is only read by push
// opcodes and holds a decimal literal.
type Instruction struct {
	Opcode  string `json:"opcode"`
	Operand string `json:"operand,omitempty"`
}

// String returns the instruction in program text form
func (in Instruction) String() string {
	if in.Operand == "" {
		return in.Opcode
	}
	return in.Opcode + " " + in.Operand
}

type executionFunc func(s *MachineState, operand string) error

// writeSet flags the containers an operation mutates, so a transition copies
// exactly those and shares the rest with the previous state.
type writeSet uint8

const (
	writesStack writeSet = 1 << iota
	writesMemory
	writesStorage
)

type operation struct {
	execute executionFunc
	writes  writeSet
}

// JumpTable maps every opcode byte to its operation, nil when unsupported.
type JumpTable [256]*operation

var instructionSet = newInstructionSet()

func newInstructionSet() JumpTable {
	var tbl JumpTable
	tbl[STOP] = &operation{execute: opStop}
	tbl[ADD] = &operation{execute: opAdd, writes: writesStack}
	tbl[MUL] = &operation{execute: opMul, writes: writesStack}
	tbl[SUB] = &operation{execute: opSub, writes: writesStack}
	tbl[DIV] = &operation{execute: opDiv, writes: writesStack}
	tbl[MOD] = &operation{execute: opMod, writes: writesStack}
	tbl[LT] = &operation{execute: opLt, writes: writesStack}
	tbl[GT] = &operation{execute: opGt, writes: writesStack}
	tbl[EQ] = &operation{execute: opEq, writes: writesStack}
	tbl[ISZERO] = &operation{execute: opIszero, writes: writesStack}
	tbl[AND] = &operation{execute: opAnd, writes: writesStack}
	tbl[OR] = &operation{execute: opOr, writes: writesStack}
	tbl[XOR] = &operation{execute: opXor, writes: writesStack}
	tbl[NOT] = &operation{execute: opNot, writes: writesStack}
	tbl[SHL] = &operation{execute: opSHL, writes: writesStack}
	tbl[SHR] = &operation{execute: opSHR, writes: writesStack}
	tbl[CALLER] = &operation{execute: opCaller, writes: writesStack}
	tbl[CALLVALUE] = &operation{execute: opCallValue, writes: writesStack}
	tbl[POP] = &operation{execute: opPop, writes: writesStack}
	tbl[MLOAD] = &operation{execute: opMload, writes: writesStack}
	tbl[MSTORE] = &operation{execute: opMstore, writes: writesStack | writesMemory}
	tbl[SLOAD] = &operation{execute: opSload, writes: writesStack}
	tbl[SSTORE] = &operation{execute: opSstore, writes: writesStack | writesStorage}
	tbl[PUSH0] = &operation{execute: opPush0, writes: writesStack}
	tbl[PUSH1] = &operation{execute: opPush, writes: writesStack}
	tbl[PUSH32] = &operation{execute: opPush, writes: writesStack}
	tbl[DUP1] = &operation{execute: makeDup(1), writes: writesStack}
	tbl[DUP2] = &operation{execute: makeDup(2), writes: writesStack}
	tbl[SWAP1] = &operation{execute: makeSwap(1), writes: writesStack}
	return tbl
}

// ApplyInstruction performs a single transition. It never panics and never
// modifies state: faults come back as a halted state carrying the error, and
// a halted input is returned as is.
func ApplyInstruction(state MachineState, in Instruction) MachineState {
	if state.Halted {
		return state
	}
	op, ok := StringToOp(in.Opcode)
	if !ok || instructionSet[op] == nil {
		return state.halt(fmt.Errorf("%w: %s", ErrUnknownOpcode, strings.ToUpper(in.Opcode)))
	}
	info, operation := opcodeTable[op], instructionSet[op]

	// Arity is validated up front so no operation is ever half applied.
	if state.Stack.Len() < info.StackIn {
		return state.halt(ErrStackUnderflow)
	}

	next := state
	if operation.writes&writesStack != 0 {
		next.Stack = state.Stack.Copy()
	}
	if operation.writes&writesMemory != 0 {
		next.Memory = state.Memory.Copy()
	}
	if operation.writes&writesStorage != 0 {
		next.Storage = state.Storage.Copy()
	}
	if err := operation.execute(&next, in.Operand); err != nil {
		return state.halt(err)
	}
	next.PC++
	next.GasUsed += info.GasCost
	return next
}

// Binary operations read a as the second item and b as the top item and
// leave a op b, so the last pushed value is the right-hand operand.

func opAdd(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Add(a, &b)
	return nil
}

func opSub(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Sub(a, &b)
	return nil
}

func opMul(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Mul(a, &b)
	return nil
}

// opDiv leaves zero for a zero divisor, as does opMod.
func opDiv(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Div(a, &b)
	return nil
}

func opMod(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Mod(a, &b)
	return nil
}

func opLt(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	setBool(a, a.Lt(&b))
	return nil
}

func opGt(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	setBool(a, a.Gt(&b))
	return nil
}

func opEq(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	setBool(a, a.Eq(&b))
	return nil
}

func opIszero(s *MachineState, _ string) error {
	x := s.Stack.Peek()
	setBool(x, x.IsZero())
	return nil
}

func opAnd(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.And(a, &b)
	return nil
}

func opOr(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Or(a, &b)
	return nil
}

func opXor(s *MachineState, _ string) error {
	b, a := s.Stack.Pop(), s.Stack.Peek()
	a.Xor(a, &b)
	return nil
}

func opNot(s *MachineState, _ string) error {
	x := s.Stack.Peek()
	x.Not(x)
	return nil
}

// opSHL shifts the second item left by the top item. Shifts of 256 or more
// clear the word.
func opSHL(s *MachineState, _ string) error {
	shift, value := s.Stack.Pop(), s.Stack.Peek()
	if shift.LtUint64(256) {
		value.Lsh(value, uint(shift.Uint64()))
	} else {
		value.Clear()
	}
	return nil
}

func opSHR(s *MachineState, _ string) error {
	shift, value := s.Stack.Pop(), s.Stack.Peek()
	if shift.LtUint64(256) {
		value.Rsh(value, uint(shift.Uint64()))
	} else {
		value.Clear()
	}
	return nil
}

func opCaller(s *MachineState, _ string) error {
	s.Stack.Push(new(uint256.Int).SetBytes20(DefaultCaller.Bytes()))
	return nil
}

func opCallValue(s *MachineState, _ string) error {
	s.Stack.Push(new(uint256.Int))
	return nil
}

func opPop(s *MachineState, _ string) error {
	s.Stack.Pop()
	return nil
}

func opMload(s *MachineState, _ string) error {
	v := s.Stack.Peek()
	word := s.Memory.Get32(v)
	v.SetBytes32(word[:])
	return nil
}

// opMstore takes the offset from the top and the value from below it.
func opMstore(s *MachineState, _ string) error {
	offset, val := s.Stack.Pop(), s.Stack.Pop()
	s.Memory.Set32(&offset, &val)
	return nil
}

func opSload(s *MachineState, _ string) error {
	loc := s.Stack.Peek()
	word := s.Storage.Get(loc)
	loc.SetBytes32(word[:])
	return nil
}

func opSstore(s *MachineState, _ string) error {
	loc, val := s.Stack.Pop(), s.Stack.Pop()
	s.Storage.Set(&loc, &val)
	return nil
}

func opPush0(s *MachineState, _ string) error {
	s.Stack.Push(new(uint256.Int))
	return nil
}

func opPush(s *MachineState, operand string) error {
	v, err := ParseWord(operand)
	if err != nil {
		return err
	}
	s.Stack.Push(v)
	return nil
}

func makeDup(n int) executionFunc {
	return func(s *MachineState, _ string) error {
		return s.Stack.Dup(n)
	}
}

func makeSwap(n int) executionFunc {
	return func(s *MachineState, _ string) error {
		return s.Stack.Swap(n)
	}
}

func opStop(s *MachineState, _ string) error {
	s.Halted = true
	return nil
}

func setBool(x *uint256.Int, cond bool) {
	if cond {
		x.SetOne()
	} else {
		x.Clear()
	}
}

// ParseWord parses a decimal literal into a machine word. Values outside the
// word range wrap modulo 2^256 and negative literals take their two's
// complement form. An empty literal is zero.
func ParseWord(literal string) (*uint256.Int, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return new(uint256.Int), nil
	}
	v, ok := new(big.Int).SetString(literal, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperand, literal)
	}
	word, _ := uint256.FromBig(v)
	return word, nil
}
