package evm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackBasicOperations(t *testing.T) {
	stack := NewStack()
	stack.Push(uint256.NewInt(10))
	stack.Push(uint256.NewInt(20))
	stack.Push(uint256.NewInt(30))
	require.Equal(t, 3, stack.Len())

	assert.EqualValues(t, 30, stack.Peek().Uint64())
	assert.EqualValues(t, 10, stack.Back(2).Uint64())
	assert.Nil(t, stack.Back(3))

	val := stack.Pop()
	assert.EqualValues(t, 30, val.Uint64())
	assert.Equal(t, 2, stack.Len())
}

func TestStackDupSwap(t *testing.T) {
	stack := NewStack()
	stack.Push(uint256.NewInt(1))
	stack.Push(uint256.NewInt(2))

	require.NoError(t, stack.Swap(1))
	assert.EqualValues(t, 1, stack.Peek().Uint64())

	require.NoError(t, stack.Dup(2))
	assert.EqualValues(t, 2, stack.Peek().Uint64())
	assert.Equal(t, 3, stack.Len())

	assert.ErrorIs(t, stack.Dup(4), ErrStackUnderflow)
	assert.ErrorIs(t, stack.Swap(3), ErrStackUnderflow)
}

func TestStackCopyIsIndependent(t *testing.T) {
	stack := NewStack()
	stack.Push(uint256.NewInt(1))

	cpy := stack.Copy()
	cpy.Peek().SetUint64(99)
	cpy.Push(uint256.NewInt(5))

	assert.EqualValues(t, 1, stack.Peek().Uint64())
	assert.Equal(t, 1, stack.Len())
	assert.Equal(t, 2, cpy.Len())
}

func TestMemoryAndStorageCopy(t *testing.T) {
	mem := NewMemory()
	mem.Set32(uint256.NewInt(64), uint256.NewInt(7))
	cpy := mem.Copy()
	cpy.Set32(uint256.NewInt(0), uint256.NewInt(1))

	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, 2, cpy.Len())
	assert.Equal(t, []uint256.Int{*uint256.NewInt(0), *uint256.NewInt(64)}, cpy.Offsets())

	st := NewStorage()
	st.Set(uint256.NewInt(3), uint256.NewInt(4))
	assert.EqualValues(t, 4, new(uint256.Int).SetBytes(st.Get(uint256.NewInt(3)).Bytes()).Uint64())
	assert.True(t, new(uint256.Int).SetBytes(st.Get(uint256.NewInt(9)).Bytes()).IsZero())
}
