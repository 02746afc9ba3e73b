package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/nanopy/evmlab/core"
	"github.com/nanopy/evmlab/evm"
	"github.com/nanopy/evmlab/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     interface{}     `json:"id"`
}

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	sessions *session.Manager
	store    *core.ProgramStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := core.NewMemoryProgramStore()
	sessions := session.NewManager(nil)
	srv := NewServer(store, sessions, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return &testEnv{srv: srv, http: ts, sessions: sessions, store: store}
}

func (e *testEnv) call(t *testing.T, method string, params ...interface{}) testResponse {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(e.http.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// result calls method and decodes a successful result into v
func (e *testEnv) result(t *testing.T, v interface{}, method string, params ...interface{}) {
	t.Helper()
	resp := e.call(t, method, params...)
	require.Nil(t, resp.Error, "%s failed", method)
	require.NoError(t, json.Unmarshal(resp.Result, v))
}

var addProgram = []evm.Instruction{
	{Opcode: "PUSH1", Operand: "10"},
	{Opcode: "PUSH1", Operand: "20"},
	{Opcode: "ADD"},
}

func TestRunProgram(t *testing.T) {
	env := newTestEnv(t)

	var res RPCResult
	env.result(t, &res, "evm_runProgram", addProgram)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"30"}, res.FinalState.Stack)
	assert.EqualValues(t, 9, res.TotalGas)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, "Place 1 byte item on stack: 10", res.Steps[0].Description)
	assert.Equal(t, []string{"10", "20"}, res.Steps[2].StateBefore.Stack)

	want := evm.RunProgram(addProgram)
	assert.Equal(t, want.FinalState.Digest(), res.FinalState.Digest)
	assert.Equal(t, core.NewTraceTree(want.Steps).Root(), res.TraceRoot)
}

func TestRunProgramText(t *testing.T) {
	env := newTestEnv(t)

	var res RPCResult
	env.result(t, &res, "evm_runProgram", "PUSH1 10\nPUSH1 3\nSUB")
	assert.Equal(t, []string{"7"}, res.FinalState.Stack)

	env.result(t, &res, "evm_runProgram", "ADD")
	assert.False(t, res.Success)
	assert.Equal(t, "stack underflow", res.Error)
	assert.True(t, res.FinalState.Halted)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "Error: stack underflow", res.Steps[0].Description)
}

func TestRunProgramInvalidParams(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, "evm_runProgram")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)

	resp = env.call(t, "evm_runProgram", "PUSH1 1 2")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)

	env.srv.SetMaxProgramLength(2)
	resp = env.call(t, "evm_runProgram", addProgram)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "too long")
}

func TestApplyInstruction(t *testing.T) {
	env := newTestEnv(t)

	var step RPCStep
	env.result(t, &step, "evm_applyInstruction", evm.Instruction{Opcode: "ADD"}, map[string]interface{}{
		"stack": []string{"5", "7"},
	})
	assert.Equal(t, []string{"12"}, step.StateAfter.Stack)
	assert.EqualValues(t, 1, step.StateAfter.PC)
	assert.EqualValues(t, 3, step.GasUsed)

	// Feed the returned state back in.
	env.result(t, &step, "evm_applyInstruction", evm.Instruction{Opcode: "PUSH1", Operand: "0"}, map[string]interface{}{
		"stack": []string{"42"},
	})
	env.result(t, &step, "evm_applyInstruction", evm.Instruction{Opcode: "MSTORE"}, step.StateAfter)
	assert.Empty(t, step.StateAfter.Stack)
	require.Len(t, step.StateAfter.Memory, 1)
	assert.Equal(t, common.BigToHash(big.NewInt(42)).Hex(), step.StateAfter.Memory["0x0"])

	env.result(t, &step, "evm_applyInstruction", evm.Instruction{Opcode: "PUSH1", Operand: "0"}, step.StateAfter)
	env.result(t, &step, "evm_applyInstruction", evm.Instruction{Opcode: "MLOAD"}, step.StateAfter)
	assert.Equal(t, []string{"42"}, step.StateAfter.Stack)
}

func TestApplyInstructionHaltedState(t *testing.T) {
	env := newTestEnv(t)

	halted := map[string]interface{}{"stack": []string{"1"}, "halted": true, "error": "stack underflow"}
	var step RPCStep
	env.result(t, &step, "evm_applyInstruction", evm.Instruction{Opcode: "PUSH1", Operand: "9"}, halted)
	assert.Equal(t, []string{"1"}, step.StateAfter.Stack)
	assert.Equal(t, "stack underflow", step.StateAfter.Error)
	assert.Zero(t, step.GasUsed)
	assert.Equal(t, step.StateBefore.Digest, step.StateAfter.Digest)

	resp := env.call(t, "evm_applyInstruction", evm.Instruction{Opcode: "ADD"}, map[string]interface{}{
		"stack": []string{"x"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestInitialState(t *testing.T) {
	env := newTestEnv(t)

	var state RPCState
	env.result(t, &state, "evm_initialState")
	assert.Empty(t, state.Stack)
	assert.Empty(t, state.Memory)
	assert.Empty(t, state.Storage)
	assert.False(t, state.Halted)
	assert.Equal(t, evm.NewMachineState().Digest(), state.Digest)
}

func TestOpcodeMethods(t *testing.T) {
	env := newTestEnv(t)

	var info evm.OpcodeInfo
	env.result(t, &info, "evm_lookupOpcode", "add")
	assert.Equal(t, "ADD", info.Name)
	assert.EqualValues(t, 3, info.GasCost)
	assert.Equal(t, 2, info.StackIn)

	resp := env.call(t, "evm_lookupOpcode", "FOO")
	require.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))

	var all []evm.OpcodeInfo
	env.result(t, &all, "evm_opcodes")
	assert.Len(t, all, len(evm.AllOpcodes()))
}

func TestClassifyCall(t *testing.T) {
	env := newTestEnv(t)

	var res map[string]interface{}
	env.result(t, &res, "evm_classifyCall", map[string]string{
		"type": "delegatecall", "from": "A", "to": "B", "value": "100",
	})
	assert.Equal(t, "A", res["effectiveCaller"])
	assert.Equal(t, "A", res["storageOwner"])
	assert.Equal(t, "B", res["codeSource"])
	assert.Equal(t, "0", res["valueTransferred"])
	assert.Equal(t, true, res["canModifyState"])

	env.result(t, &res, "evm_classifyCall", map[string]string{
		"type": "call", "from": "A", "to": "B", "value": "0x64",
	})
	assert.Equal(t, "100", res["valueTransferred"])

	resp := env.call(t, "evm_classifyCall", map[string]string{"type": "callcode"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)

	// Type has no default.
	resp = env.call(t, "evm_classifyCall", map[string]string{"from": "A", "to": "B", "value": "5"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "call type required")
}

func TestParseProgram(t *testing.T) {
	env := newTestEnv(t)

	var program []evm.Instruction
	env.result(t, &program, "evm_parseProgram", "push1 10 # ten\npush1 20\nadd")
	assert.Equal(t, addProgram, program)
}

func TestProgramStoreMethods(t *testing.T) {
	env := newTestEnv(t)

	var saved map[string]interface{}
	env.result(t, &saved, "evm_saveProgram", "adder", addProgram)
	assert.Equal(t, "adder", saved["name"])
	assert.EqualValues(t, 3, saved["length"])

	var got struct {
		Name         string            `json:"name"`
		ID           common.Hash       `json:"id"`
		Instructions []evm.Instruction `json:"instructions"`
	}
	env.result(t, &got, "evm_getProgram", "adder")
	assert.Equal(t, addProgram, got.Instructions)
	assert.Equal(t, core.NewProgram("adder", addProgram).ID(), got.ID)

	var list []map[string]interface{}
	env.result(t, &list, "evm_listPrograms")
	require.Len(t, list, 1)

	var ok bool
	env.result(t, &ok, "evm_deleteProgram", "adder")
	assert.True(t, ok)

	resp := env.call(t, "evm_getProgram", "adder")
	require.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))

	resp = env.call(t, "evm_deleteProgram", "adder")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)

	resp = env.call(t, "evm_saveProgram", " ", addProgram)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestSessionMethods(t *testing.T) {
	env := newTestEnv(t)

	var saved map[string]interface{}
	env.result(t, &saved, "evm_saveProgram", "adder", addProgram)

	var id string
	env.result(t, &id, "evm_sessionOpen", "adder")
	require.NotEmpty(t, id)

	var step RPCStep
	for i := range addProgram {
		env.result(t, &step, "evm_sessionStep", id)
		assert.Equal(t, i, step.Index)
	}
	assert.Equal(t, []string{"30"}, step.StateAfter.Stack)

	resp := env.call(t, "evm_sessionStep", id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, session.ErrSessionFinished.Error(), resp.Error.Message)

	var snap struct {
		Next  int       `json:"next"`
		Done  bool      `json:"done"`
		Steps int       `json:"steps"`
		State *RPCState `json:"state"`
	}
	env.result(t, &snap, "evm_sessionState", id)
	assert.True(t, snap.Done)
	assert.Equal(t, 3, snap.Steps)

	var ok bool
	env.result(t, &ok, "evm_sessionReset", id)
	env.result(t, &snap, "evm_sessionState", id)
	assert.Zero(t, snap.Next)
	assert.Empty(t, snap.State.Stack)

	env.result(t, &ok, "evm_sessionClose", id)
	assert.Equal(t, 0, env.sessions.Len())

	resp = env.call(t, "evm_sessionState", id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, session.ErrSessionNotFound.Error(), resp.Error.Message)

	env.result(t, &id, "evm_sessionOpen", map[string]string{"name": "adder"})
	require.NotEmpty(t, id)
	env.result(t, &step, "evm_sessionStep", id)
	assert.Equal(t, addProgram[0], step.Instruction)
}

func TestSessionOpenUnknownName(t *testing.T) {
	env := newTestEnv(t)

	for _, param := range []interface{}{
		"no-such-saved-program",
		map[string]string{"name": "no-such-saved-program"},
	} {
		resp := env.call(t, "evm_sessionOpen", param)
		require.NotNil(t, resp.Error)
		assert.Equal(t, -32602, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, core.ErrProgramNotFound.Error())
	}
	assert.Equal(t, 0, env.sessions.Len())

	// A lone opcode is still inline text.
	var id string
	env.result(t, &id, "evm_sessionOpen", "STOP")
	require.NotEmpty(t, id)
}

func TestSessionOpenStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	resp := env.call(t, "evm_sessionOpen", "adder")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)
}

func TestSessionOpenInline(t *testing.T) {
	env := newTestEnv(t)

	var id string
	env.result(t, &id, "evm_sessionOpen", "PUSH1 4\nPUSH1 2\nDIV")
	var step RPCStep
	env.result(t, &step, "evm_sessionStep", id)
	assert.Equal(t, []string{"4"}, step.StateAfter.Stack)
}

func TestTraceRoot(t *testing.T) {
	env := newTestEnv(t)

	var res struct {
		Root  common.Hash   `json:"root"`
		Steps int           `json:"steps"`
		Leaf  common.Hash   `json:"leaf"`
		Proof []common.Hash `json:"proof"`
	}
	env.result(t, &res, "evm_traceRoot", addProgram, "0x1")
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, core.NewTraceTree(evm.RunProgram(addProgram).Steps).Root(), res.Root)
	assert.True(t, core.VerifyMerkleProof(res.Proof, res.Root, res.Leaf))

	resp := env.call(t, "evm_traceRoot", addProgram, "0x9")
	require.NotNil(t, resp.Error)
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, "eth_blockNumber")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)

	var version string
	env.result(t, &version, "web3_clientVersion")
	assert.Equal(t, ClientVersion, version)

	res, err := http.Post(env.http.URL, "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer res.Body.Close()
	var out testResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, -32700, out.Error.Code)
}

func TestBatchRequest(t *testing.T) {
	env := newTestEnv(t)

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"web3_clientVersion","params":[]},
		{"jsonrpc":"2.0","id":2,"method":"evm_nope","params":[]}
	]`
	res, err := http.Post(env.http.URL, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	var out []testResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Nil(t, out[0].Error)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, -32601, out[1].Error.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWebSocketTraceProgram(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 7, "method": "evm_traceProgram", "params": []interface{}{addProgram},
	}))

	var subID string
	for i := range addProgram {
		var note struct {
			Method string `json:"method"`
			Params struct {
				Subscription string  `json:"subscription"`
				Result       RPCStep `json:"result"`
			} `json:"params"`
		}
		require.NoError(t, conn.ReadJSON(&note))
		assert.Equal(t, "evm_traceStep", note.Method)
		assert.Equal(t, i, note.Params.Result.Index)
		subID = note.Params.Subscription
	}

	var resp testResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)
	var summary struct {
		Subscription string `json:"subscription"`
		Steps        int    `json:"steps"`
		Success      bool   `json:"success"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &summary))
	assert.Equal(t, subID, summary.Subscription)
	assert.Equal(t, 3, summary.Steps)
	assert.True(t, summary.Success)
}

func TestWebSocketClosesOwnedSessions(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "evm_sessionOpen", "params": []interface{}{addProgram},
	}))
	var resp testResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, env.sessions.Len())

	// Regular methods fall through to the HTTP dispatcher.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "web3_clientVersion", "params": []interface{}{},
	}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.JSONEq(t, `"`+ClientVersion+`"`, string(resp.Result))

	conn.Close()
	assert.Eventually(t, func() bool { return env.sessions.Len() == 0 }, time.Second, 10*time.Millisecond)
}
