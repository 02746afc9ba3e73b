package evm

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MachineState is one snapshot of the interpreter. Transitions never modify
// a state in place: ApplyInstruction returns a new value and copies only the
// containers it changes, so the containers of a returned state must be
// treated as read-only.
type MachineState struct {
	Stack   *Stack
	Memory  *Memory
	Storage *Storage
	PC      uint64
	GasUsed uint64

	// Halted is terminal. Err is set only when the halt was caused by a
	// fault; a STOP halt leaves it nil.
	Halted bool
	Err    error
}

// NewMachineState returns the empty starting state.
func NewMachineState() MachineState {
	return MachineState{
		Stack:   NewStack(),
		Memory:  NewMemory(),
		Storage: NewStorage(),
	}
}

// Failed reports whether the state halted on a fault.
func (s MachineState) Failed() bool {
	return s.Err != nil
}

// ErrorString returns the fault message, or "" when there is none.
func (s MachineState) ErrorString() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// halt returns s frozen with err. Nothing but the halt flag and the error
// changes.
func (s MachineState) halt(err error) MachineState {
	s.Halted = true
	s.Err = err
	return s
}

// Digest fingerprints the full state with keccak256. Two states with equal
// contents always produce the same digest.
func (s MachineState) Digest() common.Hash {
	var (
		buf [8]byte
		enc = make([]byte, 0, 32*(s.Stack.Len()+2*s.Memory.Len()+2*s.Storage.Len())+48)
	)
	putLen := func(n int) {
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		enc = append(enc, buf[:]...)
	}
	putLen(s.Stack.Len())
	for _, item := range s.Stack.Data() {
		b := item.Bytes32()
		enc = append(enc, b[:]...)
	}
	putLen(s.Memory.Len())
	for _, off := range s.Memory.Offsets() {
		b := off.Bytes32()
		enc = append(enc, b[:]...)
		enc = append(enc, s.Memory.Get32(&off).Bytes()...)
	}
	putLen(s.Storage.Len())
	for _, key := range s.Storage.Keys() {
		b := key.Bytes32()
		enc = append(enc, b[:]...)
		enc = append(enc, s.Storage.Get(&key).Bytes()...)
	}
	binary.BigEndian.PutUint64(buf[:], s.PC)
	enc = append(enc, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], s.GasUsed)
	enc = append(enc, buf[:]...)
	if s.Halted {
		enc = append(enc, 1)
	} else {
		enc = append(enc, 0)
	}
	enc = append(enc, s.ErrorString()...)
	return crypto.Keccak256Hash(enc)
}
