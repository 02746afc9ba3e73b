// Package calls classifies simulated inter-contract calls. Nothing is
// executed: a classification only says whose storage, code and identity a
// call of each type would use.
package calls

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var ErrUnknownCallType = errors.New("unknown call type")

// CallType selects the call instruction being simulated
type CallType uint8

const (
	Call CallType = iota
	DelegateCall
	StaticCall
)

// String returns the lowercase call type name
func (t CallType) String() string {
	switch t {
	case Call:
		return "call"
	case DelegateCall:
		return "delegatecall"
	case StaticCall:
		return "staticcall"
	default:
		return fmt.Sprintf("calltype(%d)", uint8(t))
	}
}

// ParseCallType accepts "call", "delegatecall" and "staticcall" in any case.
func ParseCallType(s string) (CallType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call":
		return Call, nil
	case "delegatecall":
		return DelegateCall, nil
	case "staticcall":
		return StaticCall, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCallType, s)
}

// MarshalText implements encoding.TextMarshaler
func (t CallType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *CallType) UnmarshalText(text []byte) error {
	ct, err := ParseCallType(string(text))
	if err != nil {
		return err
	}
	*t = ct
	return nil
}

// CallContext describes a call from one contract to another. From and To are
// display labels, usually addresses.
type CallContext struct {
	Type  CallType
	From  string
	To    string
	Value uint256.Int
}

// CallResult is the attribution of a call
type CallResult struct {
	EffectiveCaller  string      // msg.sender seen by the executing code
	StorageOwner     string      // account whose storage is read and written
	CodeSource       string      // account whose code runs
	ValueTransferred uint256.Int // wei moved with the call
	CanModifyState   bool
	Description      string
}

// ClassifyCall attributes a call. Delegate and static calls never move
// value, whatever the context carries.
func ClassifyCall(ctx CallContext) CallResult {
	switch ctx.Type {
	case Call:
		return CallResult{
			EffectiveCaller:  ctx.From,
			StorageOwner:     ctx.To,
			CodeSource:       ctx.To,
			ValueTransferred: ctx.Value,
			CanModifyState:   true,
			Description:      fmt.Sprintf("CALL: %s executes its own code in its own storage, msg.sender is %s", ctx.To, ctx.From),
		}
	case DelegateCall:
		return CallResult{
			EffectiveCaller: ctx.From,
			StorageOwner:    ctx.From,
			CodeSource:      ctx.To,
			CanModifyState:  true,
			Description:     fmt.Sprintf("DELEGATECALL: code of %s runs against the storage of %s, msg.sender and msg.value are preserved", ctx.To, ctx.From),
		}
	case StaticCall:
		return CallResult{
			EffectiveCaller: ctx.From,
			StorageOwner:    ctx.To,
			CodeSource:      ctx.To,
			CanModifyState:  false,
			Description:     fmt.Sprintf("STATICCALL: %s executes read-only, any state modification reverts", ctx.To),
		}
	default:
		return CallResult{Description: ctx.Type.String() + " is not a supported call type"}
	}
}
