package store

import "sync"

// MemNVM is an in-memory NVM region for tests.
type MemNVM struct {
	mu     sync.Mutex
	blob   []byte
	writes int
}

// NewMemNVM creates an erased in-memory region.
func NewMemNVM() *MemNVM {
	return &MemNVM{}
}

func (m *MemNVM) Read(offset uint16, dst []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	readWords(m.blob, offset, dst)
	return nil
}

func (m *MemNVM) Write(offset uint16, src []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = writeWords(m.blob, offset, src)
	m.writes++
	return nil
}

// Writes returns how many Write calls have been made.
func (m *MemNVM) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
