package evm

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedLine = errors.New("malformed program line")

// ParseProgram reads program text: one instruction per line written as
// "OPCODE [operand]". Blank lines and comments starting with # or // are
// skipped. Lines have no length limit. Opcode names are not validated here;
// an unknown name surfaces as a fault when executed.
func ParseProgram(src string) ([]Instruction, error) {
	var program []Instruction
	for i, text := range strings.Split(src, "\n") {
		line := i + 1
		if j := strings.Index(text, "#"); j >= 0 {
			text = text[:j]
		}
		if j := strings.Index(text, "//"); j >= 0 {
			text = text[:j]
		}
		fields := strings.Fields(text)
		switch len(fields) {
		case 0:
			continue
		case 1:
			program = append(program, Instruction{Opcode: strings.ToUpper(fields[0])})
		case 2:
			program = append(program, Instruction{Opcode: strings.ToUpper(fields[0]), Operand: fields[1]})
		default:
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedLine, line, strings.TrimSpace(text))
		}
	}
	return program, nil
}

// FormatProgram renders instructions in the text form ParseProgram reads.
func FormatProgram(program []Instruction) string {
	var sb strings.Builder
	for _, in := range program {
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
