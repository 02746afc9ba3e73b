package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/nanopy/evmlab/calls"
	"github.com/nanopy/evmlab/core"
	"github.com/nanopy/evmlab/evm"
	"github.com/nanopy/evmlab/session"
)

// ClientVersion is reported by web3_clientVersion
const ClientVersion = "EvmLab/1.0.0"

const maxRequestSize = 5 * 1024 * 1024

// Server is the JSON-RPC server with HTTP and WebSocket support
type Server struct {
	store    *core.ProgramStore
	sessions *session.Manager
	maxLen   int

	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server
	log      log.Logger

	// WebSocket connections and the sessions each one opened
	connMu       sync.Mutex
	conns        map[*websocket.Conn]map[string]bool
	traceCounter uint64
}

// Request represents a JSON-RPC request
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// SubscriptionNotification represents a subscription notification
type SubscriptionNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

func invalidParams(msg string) *RPCError {
	return &RPCError{Code: -32602, Message: msg}
}

func serverError(err error) *RPCError {
	return &RPCError{Code: -32000, Message: err.Error()}
}

func newResponse(id, result interface{}, rpcErr *RPCError) Response {
	resp := Response{JSONRPC: "2.0", ID: id}
	switch {
	case rpcErr != nil:
		resp.Error = rpcErr
	case result == nil:
		resp.Result = json.RawMessage("null")
	default:
		resp.Result = result
	}
	return resp
}

// NewServer creates a new RPC server
func NewServer(store *core.ProgramStore, sessions *session.Manager, addr string) *Server {
	s := &Server{
		store:    store,
		sessions: sessions,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		log:   log.New("module", "rpc"),
		conns: make(map[*websocket.Conn]map[string]bool),
	}

	// HTTP routes
	s.router.HandleFunc("/", s.handleWebSocket).Headers("Upgrade", "websocket")
	s.router.HandleFunc("/", s.handleRPC).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// WebSocket route
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetMaxProgramLength rejects programs longer than n instructions. Zero
// disables the limit.
func (s *Server) SetMaxProgramLength(n int) {
	s.maxLen = n
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.router)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.log.Info("RPC server listening", "addr", s.http.Addr, "transports", "http+ws")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down and drops WebSocket clients
func (s *Server) Stop(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	return err
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.connMu.Lock()
	s.conns[conn] = make(map[string]bool)
	s.connMu.Unlock()

	defer s.dropConn(conn)

	s.log.Debug("WebSocket client connected", "remote", r.RemoteAddr)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("WebSocket read failed", "err", err)
			}
			break
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			conn.WriteJSON(newResponse(nil, nil, &RPCError{Code: -32700, Message: "Parse error"}))
			continue
		}

		result, rpcErr := s.dispatchWS(conn, &req)
		if err := conn.WriteJSON(newResponse(req.ID, result, rpcErr)); err != nil {
			s.log.Debug("WebSocket write failed", "err", err)
			break
		}
	}
}

// dropConn forgets conn and closes the sessions it still owns
func (s *Server) dropConn(conn *websocket.Conn) {
	s.connMu.Lock()
	owned := s.conns[conn]
	delete(s.conns, conn)
	s.connMu.Unlock()

	for id := range owned {
		s.sessions.Close(id)
	}
	s.log.Debug("WebSocket client disconnected", "sessions", len(owned))
}

// dispatchWS routes WebSocket method calls
func (s *Server) dispatchWS(conn *websocket.Conn, req *Request) (interface{}, *RPCError) {
	switch req.Method {
	case "evm_traceProgram":
		return s.evmTraceProgram(conn, req.Params)
	case "evm_sessionOpen":
		id, rpcErr := s.evmSessionOpen(req.Params)
		if rpcErr == nil {
			s.connMu.Lock()
			s.conns[conn][id] = true
			s.connMu.Unlock()
		}
		return id, rpcErr
	case "evm_sessionClose":
		if id, ok := firstString(req.Params); ok {
			s.connMu.Lock()
			delete(s.conns[conn], id)
			s.connMu.Unlock()
		}
		return s.dispatch(req)
	default:
		// Fallback to regular dispatch
		return s.dispatch(req)
	}
}

// evmTraceProgram runs a program and pushes every step to conn as an
// evm_traceStep notification before the summary is returned.
func (s *Server) evmTraceProgram(conn *websocket.Conn, params []json.RawMessage) (interface{}, *RPCError) {
	program, rpcErr := s.programParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	s.connMu.Lock()
	s.traceCounter++
	subID := hexutil.EncodeUint64(s.traceCounter)
	s.connMu.Unlock()

	var writeErr error
	exec := evm.NewExecutor()
	exec.OnStep(func(index int, step evm.ExecutionStep) {
		if writeErr != nil {
			return
		}
		writeErr = conn.WriteJSON(SubscriptionNotification{
			JSONRPC: "2.0",
			Method:  "evm_traceStep",
			Params: map[string]interface{}{
				"subscription": subID,
				"result":       formatStep(index, step),
			},
		})
	})
	result := exec.Run(program)
	if writeErr != nil {
		return nil, serverError(writeErr)
	}

	return map[string]interface{}{
		"subscription": subID,
		"steps":        len(result.Steps),
		"totalGas":     hexutil.Uint64(result.TotalGas),
		"success":      result.Success,
		"error":        errString(result.Err),
		"finalState":   formatState(result.FinalState),
		"traceRoot":    core.NewTraceTree(result.Steps).Root(),
	}, nil
}

// handleRPC handles JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		s.writeError(w, nil, -32700, "Parse error")
		return
	}

	// Handle batch requests
	if len(body) > 0 && body[0] == '[' {
		var reqs []Request
		if err := json.Unmarshal(body, &reqs); err != nil {
			s.writeError(w, nil, -32700, "Parse error")
			return
		}

		responses := make([]Response, len(reqs))
		for i := range reqs {
			result, rpcErr := s.dispatch(&reqs[i])
			responses[i] = newResponse(reqs[i].ID, result, rpcErr)
		}
		json.NewEncoder(w).Encode(responses)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, -32700, "Parse error")
		return
	}

	result, rpcErr := s.dispatch(&req)
	json.NewEncoder(w).Encode(newResponse(req.ID, result, rpcErr))
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	json.NewEncoder(w).Encode(newResponse(id, nil, &RPCError{Code: code, Message: message}))
}

// dispatch routes method calls
func (s *Server) dispatch(req *Request) (interface{}, *RPCError) {
	switch req.Method {
	// Interpreter methods
	case "evm_runProgram":
		return s.evmRunProgram(req.Params)
	case "evm_applyInstruction":
		return s.evmApplyInstruction(req.Params)
	case "evm_initialState":
		return formatState(evm.NewMachineState()), nil
	case "evm_parseProgram":
		return s.evmParseProgram(req.Params)
	case "evm_traceRoot":
		return s.evmTraceRoot(req.Params)

	// Registry methods
	case "evm_lookupOpcode":
		return s.evmLookupOpcode(req.Params)
	case "evm_opcodes":
		return evm.AllOpcodes(), nil

	// Call classification
	case "evm_classifyCall":
		return s.evmClassifyCall(req.Params)

	// Program store methods
	case "evm_saveProgram":
		return s.evmSaveProgram(req.Params)
	case "evm_getProgram":
		return s.evmGetProgram(req.Params)
	case "evm_listPrograms":
		return s.evmListPrograms()
	case "evm_deleteProgram":
		return s.evmDeleteProgram(req.Params)

	// Session methods
	case "evm_sessionOpen":
		return s.evmSessionOpen(req.Params)
	case "evm_sessionStep":
		return s.evmSessionStep(req.Params)
	case "evm_sessionState":
		return s.evmSessionState(req.Params)
	case "evm_sessionReset":
		return s.evmSessionReset(req.Params)
	case "evm_sessionClose":
		return s.evmSessionClose(req.Params)

	// Web3 methods
	case "web3_clientVersion":
		return ClientVersion, nil

	default:
		return nil, &RPCError{Code: -32601, Message: "Method not found: " + req.Method}
	}
}

func firstString(params []json.RawMessage) (string, bool) {
	if len(params) < 1 {
		return "", false
	}
	var v string
	if err := json.Unmarshal(params[0], &v); err != nil {
		return "", false
	}
	return v, true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// stringParam decodes params[i] as a string
func stringParam(params []json.RawMessage, i int, what string) (string, *RPCError) {
	if len(params) <= i {
		return "", invalidParams("Invalid params: " + what + " required")
	}
	var v string
	if err := json.Unmarshal(params[i], &v); err != nil {
		return "", invalidParams("Invalid " + what)
	}
	return v, nil
}

// programParam decodes params[i] as a program and enforces the length limit
func (s *Server) programParam(params []json.RawMessage, i int) ([]evm.Instruction, *RPCError) {
	if len(params) <= i {
		return nil, invalidParams("Invalid params: program required")
	}
	program, err := decodeProgram(params[i])
	if err != nil {
		return nil, invalidParams("Invalid program: " + err.Error())
	}
	if s.maxLen > 0 && len(program) > s.maxLen {
		return nil, invalidParams(core.ErrProgramTooLong.Error())
	}
	return program, nil
}

// evmRunProgram executes a program from the empty state
func (s *Server) evmRunProgram(params []json.RawMessage) (interface{}, *RPCError) {
	program, rpcErr := s.programParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return formatResult(evm.RunProgram(program)), nil
}

// evmApplyInstruction applies one instruction to a state. Without a state
// argument the empty state is used.
func (s *Server) evmApplyInstruction(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) < 1 {
		return nil, invalidParams("Invalid params: instruction required")
	}
	var in evm.Instruction
	if err := json.Unmarshal(params[0], &in); err != nil {
		return nil, invalidParams("Invalid instruction")
	}

	state := evm.NewMachineState()
	if len(params) > 1 {
		var wire RPCState
		if err := json.Unmarshal(params[1], &wire); err != nil {
			return nil, invalidParams("Invalid state")
		}
		var err error
		if state, err = wire.toMachineState(); err != nil {
			return nil, invalidParams("Invalid state: " + err.Error())
		}
	}

	next := evm.ApplyInstruction(state, in)
	return formatStep(0, evm.NewExecutionStep(in, state, next)), nil
}

// evmParseProgram turns program text into instructions
func (s *Server) evmParseProgram(params []json.RawMessage) (interface{}, *RPCError) {
	text, rpcErr := stringParam(params, 0, "program text")
	if rpcErr != nil {
		return nil, rpcErr
	}
	program, err := evm.ParseProgram(text)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return program, nil
}

// evmTraceRoot commits to the trace of a program. With an index argument the
// inclusion proof of that step is returned too.
func (s *Server) evmTraceRoot(params []json.RawMessage) (interface{}, *RPCError) {
	program, rpcErr := s.programParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	tree := core.NewTraceTree(evm.RunProgram(program).Steps)
	out := map[string]interface{}{
		"root":  tree.Root(),
		"steps": tree.Len(),
	}
	if len(params) > 1 {
		var index hexutil.Uint64
		if err := json.Unmarshal(params[1], &index); err != nil {
			return nil, invalidParams("Invalid step index")
		}
		leaf, ok := tree.Leaf(int(index))
		if !ok {
			return nil, invalidParams("Step index out of range")
		}
		out["leaf"] = leaf
		out["proof"] = tree.GetProof(int(index))
	}
	return out, nil
}

// evmLookupOpcode returns the registry entry for a name, or null
func (s *Server) evmLookupOpcode(params []json.RawMessage) (interface{}, *RPCError) {
	name, rpcErr := stringParam(params, 0, "opcode name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	info, ok := evm.LookupOpcode(name)
	if !ok {
		return nil, nil
	}
	return info, nil
}

// evmClassifyCall attributes a simulated call
func (s *Server) evmClassifyCall(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) < 1 {
		return nil, invalidParams("Invalid params: call context required")
	}
	var args struct {
		Type  *calls.CallType `json:"type"`
		From  string          `json:"from"`
		To    string          `json:"to"`
		Value string          `json:"value"`
	}
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, invalidParams("Invalid call context: " + err.Error())
	}
	if args.Type == nil {
		return nil, invalidParams("Invalid params: call type required")
	}
	value := new(uint256.Int)
	if args.Value != "" {
		v, err := decodeWord(args.Value)
		if err != nil {
			return nil, invalidParams("Invalid call value: " + err.Error())
		}
		value = v
	}
	return formatCallResult(calls.ClassifyCall(calls.CallContext{
		Type:  *args.Type,
		From:  args.From,
		To:    args.To,
		Value: *value,
	})), nil
}

// evmSaveProgram stores a program under a name
func (s *Server) evmSaveProgram(params []json.RawMessage) (interface{}, *RPCError) {
	name, rpcErr := stringParam(params, 0, "program name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	program, rpcErr := s.programParam(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	p := core.NewProgram(name, program)
	if err := s.store.Save(p); err != nil {
		if errors.Is(err, core.ErrInvalidName) || errors.Is(err, core.ErrProgramTooLong) {
			return nil, invalidParams(err.Error())
		}
		return nil, serverError(err)
	}
	return formatProgramSummary(p), nil
}

// evmGetProgram returns a stored program, or null
func (s *Server) evmGetProgram(params []json.RawMessage) (interface{}, *RPCError) {
	name, rpcErr := stringParam(params, 0, "program name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	p, err := s.store.Get(name)
	if errors.Is(err, core.ErrProgramNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, serverError(err)
	}
	return formatProgram(p), nil
}

// evmListPrograms lists stored programs by name
func (s *Server) evmListPrograms() (interface{}, *RPCError) {
	programs, err := s.store.List()
	if err != nil {
		return nil, serverError(err)
	}
	result := make([]map[string]interface{}, len(programs))
	for i, p := range programs {
		result[i] = formatProgramSummary(p)
	}
	return result, nil
}

// evmDeleteProgram removes a stored program
func (s *Server) evmDeleteProgram(params []json.RawMessage) (interface{}, *RPCError) {
	name, rpcErr := stringParam(params, 0, "program name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.store.Delete(name); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}

// evmSessionOpen starts a debugging session. The program is given inline or
// names a saved program, either as {"name": ...} or as a single bare token
// that is not an opcode.
func (s *Server) evmSessionOpen(params []json.RawMessage) (string, *RPCError) {
	var program []evm.Instruction
	if name, ok := savedProgramName(params); ok {
		p, err := s.store.Get(name)
		if errors.Is(err, core.ErrProgramNotFound) {
			return "", invalidParams("Invalid params: " + err.Error())
		}
		if err != nil {
			return "", serverError(err)
		}
		program = p.Instructions
	} else {
		var rpcErr *RPCError
		if program, rpcErr = s.programParam(params, 0); rpcErr != nil {
			return "", rpcErr
		}
	}
	id, err := s.sessions.Open(program)
	if err != nil {
		return "", serverError(err)
	}
	return id, nil
}

// savedProgramName reports whether params[0] refers to a saved program
func savedProgramName(params []json.RawMessage) (string, bool) {
	if len(params) < 1 {
		return "", false
	}
	var ref struct {
		Name *string `json:"name"`
	}
	if raw := bytes.TrimSpace(params[0]); len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &ref); err == nil && ref.Name != nil {
			return *ref.Name, true
		}
		return "", false
	}
	text, ok := firstString(params)
	if !ok {
		return "", false
	}
	fields := strings.Fields(text)
	if len(fields) != 1 {
		return "", false
	}
	if _, isOpcode := evm.LookupOpcode(fields[0]); isOpcode {
		return "", false
	}
	return fields[0], true
}

// evmSessionStep executes the next instruction of a session
func (s *Server) evmSessionStep(params []json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := stringParam(params, 0, "session id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	index, step, err := s.sessions.Step(id)
	if err != nil {
		return nil, serverError(err)
	}
	return formatStep(index, step), nil
}

// evmSessionState returns the current view of a session
func (s *Server) evmSessionState(params []json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := stringParam(params, 0, "session id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	snap, err := s.sessions.Snapshot(id)
	if err != nil {
		return nil, serverError(err)
	}
	return formatSnapshot(snap), nil
}

// evmSessionReset rewinds a session to its first instruction
func (s *Server) evmSessionReset(params []json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := stringParam(params, 0, "session id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.sessions.Reset(id); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}

// evmSessionClose discards a session
func (s *Server) evmSessionClose(params []json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := stringParam(params, 0, "session id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.sessions.Close(id); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}
