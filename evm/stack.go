package evm

import (
	"github.com/holiman/uint256"
)

// Stack represents the machine stack. Items are appended and removed only at
// the top; depth is not capped.
type Stack struct {
	data []uint256.Int
}

// NewStack creates a new stack
func NewStack() *Stack {
	return &Stack{
		data: make([]uint256.Int, 0, 16),
	}
}

// Push pushes a value onto the stack
func (s *Stack) Push(val *uint256.Int) {
	s.data = append(s.data, *val)
}

// Pop removes and returns the top element. Callers check depth first.
func (s *Stack) Pop() uint256.Int {
	val := s.data[len(s.data)-1]
	s.data = s.data[:len(s.data)-1]
	return val
}

// Peek returns a pointer to the top element, allowing in-place updates
func (s *Stack) Peek() *uint256.Int {
	return &s.data[len(s.data)-1]
}

// Back returns the nth element from the top (0 = top), or nil when the stack
// is not that deep
func (s *Stack) Back(n int) *uint256.Int {
	if n < 0 || n >= len(s.data) {
		return nil
	}
	return &s.data[len(s.data)-1-n]
}

// Swap swaps the top element with the nth element below it
func (s *Stack) Swap(n int) error {
	if n >= len(s.data) {
		return ErrStackUnderflow
	}
	top := len(s.data) - 1
	s.data[top], s.data[top-n] = s.data[top-n], s.data[top]
	return nil
}

// Dup duplicates the nth element (1 = top) onto the top
func (s *Stack) Dup(n int) error {
	if n < 1 || n > len(s.data) {
		return ErrStackUnderflow
	}
	s.data = append(s.data, s.data[len(s.data)-n])
	return nil
}

// Len returns the stack length
func (s *Stack) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

// Data returns a copy of the items, bottom first
func (s *Stack) Data() []uint256.Int {
	if s == nil {
		return nil
	}
	out := make([]uint256.Int, len(s.data))
	copy(out, s.data)
	return out
}

// Copy returns an independent stack with the same items
func (s *Stack) Copy() *Stack {
	if s == nil {
		return NewStack()
	}
	cpy := &Stack{data: make([]uint256.Int, len(s.data), len(s.data)+1)}
	copy(cpy.data, s.data)
	return cpy
}
