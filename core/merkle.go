package core

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/nanopy/evmlab/evm"
)

// stepLeaf is the RLP layout committed for each trace step
type stepLeaf struct {
	Index   uint64
	Opcode  string
	Operand string
	GasUsed uint64
	State   common.Hash
}

// StepHash commits to one step: its position, the instruction, the gas it
// consumed and the digest of the state it produced.
func StepHash(index int, step evm.ExecutionStep) common.Hash {
	data, _ := rlp.EncodeToBytes(&stepLeaf{
		Index:   uint64(index),
		Opcode:  step.Instruction.Opcode,
		Operand: step.Instruction.Operand,
		GasUsed: step.GasUsed,
		State:   step.StateAfter.Digest(),
	})
	return crypto.Keccak256Hash(data)
}

// MerkleTree is a binary Merkle tree over trace step hashes
type MerkleTree struct {
	leaves []common.Hash
	layers [][]common.Hash
}

// NewTraceTree builds the tree committing to every step of a trace
func NewTraceTree(steps []evm.ExecutionStep) *MerkleTree {
	leaves := make([]common.Hash, len(steps))
	for i, step := range steps {
		leaves[i] = StepHash(i, step)
	}
	return NewMerkleTree(leaves)
}

// NewMerkleTree builds a tree over leaves, kept in the given order
func NewMerkleTree(leaves []common.Hash) *MerkleTree {
	m := &MerkleTree{leaves: append([]common.Hash(nil), leaves...)}
	if len(m.leaves) == 0 {
		return m
	}
	layer := m.leaves
	for len(layer) > 1 {
		m.layers = append(m.layers, layer)
		layer = nextLayer(layer)
	}
	m.layers = append(m.layers, layer)
	return m
}

// nextLayer pairs up nodes. An odd last node moves up unchanged.
func nextLayer(layer []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		if i+1 < len(layer) {
			next = append(next, hashPair(layer[i], layer[i+1]))
		} else {
			next = append(next, layer[i])
		}
	}
	return next
}

// hashPair hashes two nodes in sorted order, so proofs need no direction bits
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) <= 0 {
		return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
	}
	return crypto.Keccak256Hash(b.Bytes(), a.Bytes())
}

// Root returns the Merkle root, zero for an empty tree
func (m *MerkleTree) Root() common.Hash {
	if len(m.layers) == 0 {
		return common.Hash{}
	}
	return m.layers[len(m.layers)-1][0]
}

// Len returns the number of leaves
func (m *MerkleTree) Len() int {
	return len(m.leaves)
}

// Leaf returns the leaf at index
func (m *MerkleTree) Leaf(index int) (common.Hash, bool) {
	if index < 0 || index >= len(m.leaves) {
		return common.Hash{}, false
	}
	return m.leaves[index], true
}

// GetProof returns the sibling path for the leaf at index, nil if out of range
func (m *MerkleTree) GetProof(index int) []common.Hash {
	if index < 0 || index >= len(m.leaves) {
		return nil
	}
	proof := make([]common.Hash, 0, len(m.layers))
	idx := index
	for _, layer := range m.layers[:len(m.layers)-1] {
		if sibling := idx ^ 1; sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof
}

// VerifyMerkleProof checks that leaf is committed under root
func VerifyMerkleProof(proof []common.Hash, root, leaf common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}
