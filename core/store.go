package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrProgramNotFound = errors.New("program not found")
	ErrInvalidName     = errors.New("invalid program name")
	ErrProgramTooLong  = errors.New("program too long")
)

var programPrefix = []byte("program:")

// ProgramStore persists named programs in leveldb, RLP encoded
type ProgramStore struct {
	db     *leveldb.DB
	maxLen int
	mu     sync.RWMutex
}

// NewProgramStore opens (or creates) a store under dbPath
func NewProgramStore(dbPath string) (*ProgramStore, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open program db: %w", err)
	}
	log.Info("Opened program store", "path", dbPath)
	return &ProgramStore{db: db}, nil
}

// NewMemoryProgramStore creates a store backed by memory (for testing)
func NewMemoryProgramStore() *ProgramStore {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// The memory backend cannot fail to open.
		panic(err)
	}
	return &ProgramStore{db: db}
}

// SetMaxLength rejects programs with more than n instructions on Save.
// Zero disables the limit.
func (s *ProgramStore) SetMaxLength(n int) {
	s.mu.Lock()
	s.maxLen = n
	s.mu.Unlock()
}

func programKey(name string) []byte {
	return append(append([]byte{}, programPrefix...), name...)
}

// Save writes p, replacing any program with the same name
func (s *ProgramStore) Save(p *Program) error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxLen > 0 && len(p.Instructions) > s.maxLen {
		return fmt.Errorf("%w: %d instructions, limit %d", ErrProgramTooLong, len(p.Instructions), s.maxLen)
	}
	data, err := rlp.EncodeToBytes(p)
	if err != nil {
		return fmt.Errorf("failed to encode program %q: %w", p.Name, err)
	}
	if err := s.db.Put(programKey(p.Name), data, nil); err != nil {
		return err
	}
	log.Debug("Saved program", "name", p.Name, "id", p.ID(), "instructions", len(p.Instructions))
	return nil
}

// Get loads the program stored under name
func (s *ProgramStore) Get(name string) (*Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.db.Get(programKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	p := new(Program)
	if err := rlp.DecodeBytes(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode program %q: %w", name, err)
	}
	return p, nil
}

// List returns every stored program ordered by name
func (s *ProgramStore) List() ([]*Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := s.db.NewIterator(util.BytesPrefix(programPrefix), nil)
	defer iter.Release()

	var programs []*Program
	for iter.Next() {
		p := new(Program)
		if err := rlp.DecodeBytes(iter.Value(), p); err != nil {
			log.Warn("Skipping undecodable program", "key", string(iter.Key()), "err", err)
			continue
		}
		programs = append(programs, p)
	}
	return programs, iter.Error()
}

// Delete removes the program stored under name
func (s *ProgramStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := programKey(name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	return s.db.Delete(key, nil)
}

// Close closes the database
func (s *ProgramStore) Close() error {
	return s.db.Close()
}
