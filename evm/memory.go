package evm

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// words is a sparse word-addressed space. Every location that was never
// written reads as the zero word, so no dense backing array is kept.
type words map[uint256.Int]common.Hash

func (w words) get(loc *uint256.Int) common.Hash {
	return w[*loc]
}

func (w words) copy() words {
	cpy := make(words, len(w)+1)
	for k, v := range w {
		cpy[k] = v
	}
	return cpy
}

func (w words) locations() []uint256.Int {
	locs := make([]uint256.Int, 0, len(w))
	for k := range w {
		locs = append(locs, k)
	}
	sort.Slice(locs, func(i, j int) bool {
		return locs[i].Lt(&locs[j])
	})
	return locs
}

// Memory is the volatile word memory written by MSTORE. Offsets are whole
// machine words and each offset holds exactly one 32-byte word.
type Memory struct {
	store words
}

// NewMemory creates a new memory instance
func NewMemory() *Memory {
	return &Memory{store: make(words)}
}

// Set32 stores a 32-byte value at offset
func (m *Memory) Set32(offset, val *uint256.Int) {
	m.store[*offset] = val.Bytes32()
}

// Get32 returns the word at offset, zero if never written
func (m *Memory) Get32(offset *uint256.Int) common.Hash {
	if m == nil {
		return common.Hash{}
	}
	return m.store.get(offset)
}

// Len returns the number of written offsets
func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	return len(m.store)
}

// Offsets returns the written offsets in ascending order
func (m *Memory) Offsets() []uint256.Int {
	if m == nil {
		return nil
	}
	return m.store.locations()
}

// Copy returns an independent memory with the same contents
func (m *Memory) Copy() *Memory {
	if m == nil {
		return NewMemory()
	}
	return &Memory{store: m.store.copy()}
}

// Storage is the persistent key/value space of the executing contract.
type Storage struct {
	slots words
}

// NewStorage creates an empty storage
func NewStorage() *Storage {
	return &Storage{slots: make(words)}
}

// Set stores value under key
func (s *Storage) Set(key, value *uint256.Int) {
	s.slots[*key] = value.Bytes32()
}

// Get returns the value under key, zero if never written
func (s *Storage) Get(key *uint256.Int) common.Hash {
	if s == nil {
		return common.Hash{}
	}
	return s.slots.get(key)
}

// Len returns the number of written slots
func (s *Storage) Len() int {
	if s == nil {
		return 0
	}
	return len(s.slots)
}

// Keys returns the written keys in ascending order
func (s *Storage) Keys() []uint256.Int {
	if s == nil {
		return nil
	}
	return s.slots.locations()
}

// Copy returns an independent storage with the same contents
func (s *Storage) Copy() *Storage {
	if s == nil {
		return NewStorage()
	}
	return &Storage{slots: s.slots.copy()}
}
