package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// ExecutionStep records one executed instruction. StateBefore is never
// altered by later steps.
type ExecutionStep struct {
	Instruction Instruction
	StateBefore MachineState
	StateAfter  MachineState
	Description string
	GasUsed     uint64
}

// ProgramResult contains the trace and outcome of a program run
type ProgramResult struct {
	Steps      []ExecutionStep
	FinalState MachineState
	TotalGas   uint64
	Success    bool
	Err        error
}

// StepHook is invoked after every executed step, in order.
type StepHook func(index int, step ExecutionStep)

// Executor folds ApplyInstruction over a program. The zero value is usable.
type Executor struct {
	onStep StepHook
	logger log.Logger
}

// NewExecutor creates an executor that logs under the evm module
func NewExecutor() *Executor {
	return &Executor{logger: log.New("module", "evm")}
}

// OnStep sets the step callback
func (e *Executor) OnStep(fn StepHook) {
	e.onStep = fn
}

// Run executes instructions in order from an empty state. Execution stops
// right after the instruction that halts, so later instructions never show up
// in the trace.
func (e *Executor) Run(instructions []Instruction) *ProgramResult {
	state := NewMachineState()
	steps := make([]ExecutionStep, 0, len(instructions))

	for _, in := range instructions {
		if state.Halted {
			break
		}
		next := ApplyInstruction(state, in)
		step := NewExecutionStep(in, state, next)
		steps = append(steps, step)
		if e.onStep != nil {
			e.onStep(len(steps)-1, step)
		}
		state = next
	}

	result := &ProgramResult{
		Steps:      steps,
		FinalState: state,
		TotalGas:   state.GasUsed,
		Success:    state.Err == nil,
		Err:        state.Err,
	}
	if e.logger != nil {
		if result.Success {
			e.logger.Debug("Program executed", "instructions", len(instructions), "steps", len(steps), "gas", result.TotalGas)
		} else {
			e.logger.Debug("Program faulted", "step", len(steps)-1, "pc", state.PC, "err", state.Err)
		}
	}
	return result
}

// RunProgram executes instructions with a default executor.
func RunProgram(instructions []Instruction) *ProgramResult {
	return NewExecutor().Run(instructions)
}

// NewExecutionStep records the transition from before to after caused by in.
func NewExecutionStep(in Instruction, before, after MachineState) ExecutionStep {
	return ExecutionStep{
		Instruction: in,
		StateBefore: before,
		StateAfter:  after,
		Description: describeStep(in, after),
		GasUsed:     after.GasUsed - before.GasUsed,
	}
}

func describeStep(in Instruction, after MachineState) string {
	if after.Err != nil {
		return "Error: " + after.Err.Error()
	}
	info, _ := LookupOpcode(in.Opcode)
	if info.OpCode().IsPush() {
		return fmt.Sprintf("%s: %s", info.Description, pushedValue(after))
	}
	return info.Description
}

func pushedValue(s MachineState) string {
	if top := s.Stack.Back(0); top != nil {
		return top.Dec()
	}
	return "0"
}
