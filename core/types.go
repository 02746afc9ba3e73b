package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/nanopy/evmlab/evm"
)

// Program is a named instruction sequence saved for later runs
type Program struct {
	Name         string            `json:"name"`
	Instructions []evm.Instruction `json:"instructions"`
	Created      uint64            `json:"created"` // unix seconds
}

// NewProgram stamps a program with the current time
func NewProgram(name string, instructions []evm.Instruction) *Program {
	return &Program{
		Name:         name,
		Instructions: instructions,
		Created:      uint64(time.Now().Unix()),
	}
}

// ID returns the keccak256 hash of the RLP-encoded instructions. Programs with
// the same code share an ID regardless of name.
func (p *Program) ID() common.Hash {
	data, err := rlp.EncodeToBytes(p.Instructions)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(data)
}

// LoadProgramFile reads a program from path. Files ending in .json hold a
// JSON array of instructions; anything else is program text.
func LoadProgramFile(path string) ([]evm.Instruction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program file: %w", err)
	}
	return DecodeProgram(data, strings.HasSuffix(path, ".json"))
}

// DecodeProgram decodes program source either as JSON or as program text.
func DecodeProgram(data []byte, isJSON bool) ([]evm.Instruction, error) {
	if !isJSON {
		return evm.ParseProgram(string(data))
	}
	var program []evm.Instruction
	if err := json.Unmarshal(data, &program); err != nil {
		return nil, fmt.Errorf("failed to parse program JSON: %w", err)
	}
	return program, nil
}
