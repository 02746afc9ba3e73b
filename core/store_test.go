package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nanopy/evmlab/evm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addProgram = []evm.Instruction{
	{Opcode: "PUSH1", Operand: "10"},
	{Opcode: "PUSH1", Operand: "20"},
	{Opcode: "ADD"},
}

func TestProgramStoreRoundTrip(t *testing.T) {
	store := NewMemoryProgramStore()
	defer store.Close()

	p := NewProgram("add", addProgram)
	require.NoError(t, store.Save(p))

	got, err := store.Get("add")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Instructions, got.Instructions)
	assert.Equal(t, p.Created, got.Created)
	assert.Equal(t, p.ID(), got.ID())
}

func TestProgramStoreMissing(t *testing.T) {
	store := NewMemoryProgramStore()
	defer store.Close()

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrProgramNotFound)
	assert.ErrorIs(t, store.Delete("nope"), ErrProgramNotFound)
}

func TestProgramStoreListAndDelete(t *testing.T) {
	store := NewMemoryProgramStore()
	defer store.Close()

	require.NoError(t, store.Save(NewProgram("b", addProgram)))
	require.NoError(t, store.Save(NewProgram("a", addProgram[:1])))
	require.NoError(t, store.Save(NewProgram("empty", nil)))

	programs, err := store.List()
	require.NoError(t, err)
	require.Len(t, programs, 3)
	assert.Equal(t, "a", programs[0].Name)
	assert.Equal(t, "b", programs[1].Name)
	assert.Empty(t, programs[2].Instructions)

	require.NoError(t, store.Delete("a"))
	programs, err = store.List()
	require.NoError(t, err)
	assert.Len(t, programs, 2)
}

func TestProgramStoreValidation(t *testing.T) {
	store := NewMemoryProgramStore()
	defer store.Close()

	assert.ErrorIs(t, store.Save(NewProgram("  ", addProgram)), ErrInvalidName)

	store.SetMaxLength(2)
	assert.ErrorIs(t, store.Save(NewProgram("long", addProgram)), ErrProgramTooLong)
	assert.NoError(t, store.Save(NewProgram("short", addProgram[:2])))
}

func TestProgramStoreOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "programs")

	store, err := NewProgramStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(NewProgram("add", addProgram)))
	require.NoError(t, store.Close())

	store, err = NewProgramStore(dir)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get("add")
	require.NoError(t, err)
	assert.Equal(t, addProgram, got.Instructions)
}

func TestProgramID(t *testing.T) {
	a := NewProgram("one", addProgram)
	b := NewProgram("two", addProgram)
	c := NewProgram("one", addProgram[:2])

	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestLoadProgramFile(t *testing.T) {
	dir := t.TempDir()

	text := filepath.Join(dir, "add.evm")
	require.NoError(t, os.WriteFile(text, []byte("PUSH1 10\nPUSH1 20\nADD\n"), 0o644))
	program, err := LoadProgramFile(text)
	require.NoError(t, err)
	assert.Equal(t, addProgram, program)

	js := filepath.Join(dir, "add.json")
	require.NoError(t, os.WriteFile(js, []byte(`[{"opcode":"PUSH1","operand":"10"},{"opcode":"PUSH1","operand":"20"},{"opcode":"ADD"}]`), 0o644))
	program, err = LoadProgramFile(js)
	require.NoError(t, err)
	assert.Equal(t, addProgram, program)

	_, err = LoadProgramFile(filepath.Join(dir, "missing.evm"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(js, []byte(`{`), 0o644))
	_, err = LoadProgramFile(js)
	assert.Error(t, err)
}
