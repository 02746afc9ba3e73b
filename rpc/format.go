package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/nanopy/evmlab/calls"
	"github.com/nanopy/evmlab/core"
	"github.com/nanopy/evmlab/evm"
	"github.com/nanopy/evmlab/session"
)

// RPCState is the wire form of a machine state. Stack items are decimal,
// bottom first. Memory and storage map minimal hex locations to 32-byte words.
type RPCState struct {
	Stack   []string          `json:"stack"`
	Memory  map[string]string `json:"memory"`
	Storage map[string]string `json:"storage"`
	PC      hexutil.Uint64    `json:"pc"`
	GasUsed hexutil.Uint64    `json:"gasUsed"`
	Halted  bool              `json:"halted"`
	Error   string            `json:"error,omitempty"`
	Digest  common.Hash       `json:"digest"`
}

// RPCStep is the wire form of an execution step
type RPCStep struct {
	Index       int             `json:"index"`
	Instruction evm.Instruction `json:"instruction"`
	Description string          `json:"description"`
	GasUsed     hexutil.Uint64  `json:"gasUsed"`
	StateBefore *RPCState       `json:"stateBefore"`
	StateAfter  *RPCState       `json:"stateAfter"`
	Hash        common.Hash     `json:"hash"`
}

// RPCResult is the wire form of a program run
type RPCResult struct {
	Steps      []*RPCStep     `json:"steps"`
	FinalState *RPCState      `json:"finalState"`
	TotalGas   hexutil.Uint64 `json:"totalGas"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	TraceRoot  common.Hash    `json:"traceRoot"`
}

func formatState(s evm.MachineState) *RPCState {
	out := &RPCState{
		Stack:   []string{},
		Memory:  make(map[string]string),
		Storage: make(map[string]string),
		PC:      hexutil.Uint64(s.PC),
		GasUsed: hexutil.Uint64(s.GasUsed),
		Halted:  s.Halted,
		Error:   s.ErrorString(),
		Digest:  s.Digest(),
	}
	for _, v := range s.Stack.Data() {
		out.Stack = append(out.Stack, v.Dec())
	}
	for _, off := range s.Memory.Offsets() {
		out.Memory[off.Hex()] = s.Memory.Get32(&off).Hex()
	}
	for _, key := range s.Storage.Keys() {
		out.Storage[key.Hex()] = s.Storage.Get(&key).Hex()
	}
	return out
}

func formatStep(index int, step evm.ExecutionStep) *RPCStep {
	return &RPCStep{
		Index:       index,
		Instruction: step.Instruction,
		Description: step.Description,
		GasUsed:     hexutil.Uint64(step.GasUsed),
		StateBefore: formatState(step.StateBefore),
		StateAfter:  formatState(step.StateAfter),
		Hash:        core.StepHash(index, step),
	}
}

func formatResult(r *evm.ProgramResult) *RPCResult {
	out := &RPCResult{
		Steps:      make([]*RPCStep, len(r.Steps)),
		FinalState: formatState(r.FinalState),
		TotalGas:   hexutil.Uint64(r.TotalGas),
		Success:    r.Success,
		TraceRoot:  core.NewTraceTree(r.Steps).Root(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	for i, step := range r.Steps {
		out.Steps[i] = formatStep(i, step)
	}
	return out
}

// toMachineState rebuilds a machine state from its wire form. Fault messages
// map back onto the interpreter's error values where they match one.
func (r *RPCState) toMachineState() (evm.MachineState, error) {
	state := evm.NewMachineState()
	for _, item := range r.Stack {
		v, err := evm.ParseWord(item)
		if err != nil {
			return state, fmt.Errorf("stack item %q: %w", item, err)
		}
		state.Stack.Push(v)
	}
	for loc, val := range r.Memory {
		off, word, err := decodeSlot(loc, val)
		if err != nil {
			return state, fmt.Errorf("memory: %w", err)
		}
		state.Memory.Set32(off, word)
	}
	for loc, val := range r.Storage {
		key, word, err := decodeSlot(loc, val)
		if err != nil {
			return state, fmt.Errorf("storage: %w", err)
		}
		state.Storage.Set(key, word)
	}
	state.PC = uint64(r.PC)
	state.GasUsed = uint64(r.GasUsed)
	state.Halted = r.Halted || r.Error != ""
	state.Err = restoreError(r.Error)
	return state, nil
}

func decodeSlot(loc, val string) (*uint256.Int, *uint256.Int, error) {
	key, err := decodeWord(loc)
	if err != nil {
		return nil, nil, fmt.Errorf("location %q: %w", loc, err)
	}
	word, err := decodeWord(val)
	if err != nil {
		return nil, nil, fmt.Errorf("value %q: %w", val, err)
	}
	return key, word, nil
}

// decodeWord accepts 0x-prefixed hex of up to 32 bytes, leading zeros
// included, or a decimal literal.
func decodeWord(s string) (*uint256.Int, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return evm.ParseWord(s)
	}
	digits := s[2:]
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hexutil.Decode("0x" + digits)
	if err != nil {
		return nil, err
	}
	if len(b) > 32 {
		return nil, errors.New("word longer than 32 bytes")
	}
	return new(uint256.Int).SetBytes(b), nil
}

func restoreError(msg string) error {
	switch {
	case msg == "":
		return nil
	case msg == evm.ErrStackUnderflow.Error():
		return evm.ErrStackUnderflow
	case strings.HasPrefix(msg, evm.ErrUnknownOpcode.Error()):
		return fmt.Errorf("%w%s", evm.ErrUnknownOpcode, strings.TrimPrefix(msg, evm.ErrUnknownOpcode.Error()))
	case strings.HasPrefix(msg, evm.ErrInvalidOperand.Error()):
		return fmt.Errorf("%w%s", evm.ErrInvalidOperand, strings.TrimPrefix(msg, evm.ErrInvalidOperand.Error()))
	}
	return errors.New(msg)
}

// decodeProgram accepts either a JSON array of instructions or a string of
// program text.
func decodeProgram(raw json.RawMessage) ([]evm.Instruction, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return core.DecodeProgram([]byte(text), false)
	}
	return core.DecodeProgram(raw, true)
}

func formatProgram(p *core.Program) map[string]interface{} {
	return map[string]interface{}{
		"name":         p.Name,
		"id":           p.ID().Hex(),
		"instructions": p.Instructions,
		"created":      hexutil.EncodeUint64(p.Created),
	}
}

func formatProgramSummary(p *core.Program) map[string]interface{} {
	return map[string]interface{}{
		"name":    p.Name,
		"id":      p.ID().Hex(),
		"length":  len(p.Instructions),
		"created": hexutil.EncodeUint64(p.Created),
	}
}

func formatCallResult(r calls.CallResult) map[string]interface{} {
	return map[string]interface{}{
		"effectiveCaller":  r.EffectiveCaller,
		"storageOwner":     r.StorageOwner,
		"codeSource":       r.CodeSource,
		"valueTransferred": r.ValueTransferred.Dec(),
		"canModifyState":   r.CanModifyState,
		"description":      r.Description,
	}
}

func formatSnapshot(snap session.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":      snap.ID,
		"program": snap.Program,
		"next":    snap.Next,
		"done":    snap.Done,
		"steps":   len(snap.Steps),
		"state":   formatState(snap.State),
	}
}
