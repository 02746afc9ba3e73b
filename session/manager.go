// Package session keeps server-side step-through debugging sessions. Each
// session owns its own machine state and advances one instruction per Step.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/nanopy/evmlab/evm"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFinished = errors.New("session finished")
	ErrTooManySessions = errors.New("too many open sessions")
)

// Config holds session manager configuration
type Config struct {
	TTL           time.Duration // idle time after which a session is dropped
	SweepInterval time.Duration // how often idle sessions are looked for
	MaxSessions   int           // 0 means unlimited
}

// DefaultConfig returns the default session settings
func DefaultConfig() *Config {
	return &Config{
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
		MaxSessions:   1024,
	}
}

// Snapshot is a read-only view of a session
type Snapshot struct {
	ID      string
	Program []evm.Instruction
	Next    int // index of the next instruction to execute
	State   evm.MachineState
	Steps   []evm.ExecutionStep
	Done    bool
}

type session struct {
	id       string
	program  []evm.Instruction
	state    evm.MachineState
	steps    []evm.ExecutionStep
	next     int
	lastUsed time.Time
}

func (s *session) done() bool {
	return s.state.Halted || s.next >= len(s.program)
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:      s.id,
		Program: s.program,
		Next:    s.next,
		State:   s.state,
		Steps:   append([]evm.ExecutionStep(nil), s.steps...),
		Done:    s.done(),
	}
}

// Manager owns all open sessions
type Manager struct {
	config   *Config
	sessions map[string]*session
	counter  uint64
	mu       sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now      func() time.Time
	onExpire func(id string)
}

// NewManager creates a session manager
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	} else {
		cfg := *config
		config = &cfg
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		config:   config,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// OnExpire sets a callback invoked for every session dropped by the sweeper
func (m *Manager) OnExpire(fn func(id string)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

// Open starts a session over program from an empty machine state
func (m *Manager) Open(program []evm.Instruction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return "", ErrTooManySessions
	}
	m.counter++
	id := hexutil.EncodeUint64(m.counter)
	m.sessions[id] = &session{
		id:       id,
		program:  append([]evm.Instruction(nil), program...),
		state:    evm.NewMachineState(),
		lastUsed: m.now(),
	}
	log.Debug("Opened session", "id", id, "instructions", len(program))
	return id, nil
}

func (m *Manager) get(id string) (*session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.lastUsed = m.now()
	return s, nil
}

// Step executes the next instruction of the session and returns its index
// in the program.
func (m *Manager) Step(id string) (int, evm.ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.get(id)
	if err != nil {
		return 0, evm.ExecutionStep{}, err
	}
	if s.done() {
		return 0, evm.ExecutionStep{}, ErrSessionFinished
	}
	index, in := s.next, s.program[s.next]
	next := evm.ApplyInstruction(s.state, in)
	step := evm.NewExecutionStep(in, s.state, next)

	s.steps = append(s.steps, step)
	s.state = next
	s.next++
	return index, step, nil
}

// Snapshot returns the current view of a session
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// Reset rewinds a session to the empty state and its first instruction
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.state = evm.NewMachineState()
	s.steps = nil
	s.next = 0
	return nil
}

// Close discards a session
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// Len returns the number of open sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start starts the idle-session sweeper
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	log.Info("Session sweeper started", "ttl", m.config.TTL, "interval", m.config.SweepInterval)
	m.wg.Add(1)
	go m.loop(m.stopCh)
}

// Stop stops the sweeper and waits for it to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	log.Info("Session sweeper stopped")
}

func (m *Manager) loop(stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-stop:
			return
		}
	}
}

// sweep drops sessions idle for longer than the TTL
func (m *Manager) sweep() int {
	m.mu.Lock()
	var (
		cutoff  = m.now().Add(-m.config.TTL)
		expired []string
	)
	for id, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	if len(expired) > 0 {
		log.Debug("Expired idle sessions", "count", len(expired))
	}
	if onExpire != nil {
		for _, id := range expired {
			onExpire(id)
		}
	}
	return len(expired)
}
