package nvstore

import (
	"fmt"
	"sync"
)

// Memory is a Store backed by byte blocks in memory. It survives a
// scheduler restart within one process, which is what crash tests need.
type Memory struct {
	mu       sync.Mutex
	header   []byte
	slots    map[int][]byte
	capacity int
	writes   int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{slots: map[int][]byte{}, capacity: capacity}
}

func (m *Memory) Capacity() int { return m.capacity }

func (m *Memory) ReadHeader() (Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h Header
	if m.header == nil {
		return h, ErrNoHeader
	}
	return h, h.UnmarshalBinary(m.header)
}

func (m *Memory) WriteHeader(h Header) error {
	b, _ := h.MarshalBinary()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = b
	m.writes++
	return nil
}

func (m *Memory) ReadSlot(i int) (Record, error) {
	var r Record
	if err := checkSlot(i, m.capacity); err != nil {
		return r, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.slots[i]
	if !ok {
		return Placeholder(i), nil
	}
	return r, r.UnmarshalBinary(b)
}

func (m *Memory) WriteSlot(i int, r Record) error {
	if err := checkSlot(i, m.capacity); err != nil {
		return err
	}
	b, _ := r.MarshalBinary()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[i] = b
	m.writes++
	return nil
}

func (m *Memory) Reset(h Header) error {
	if int(h.Slots) > m.capacity {
		return fmt.Errorf("%w: %d slots requested", ErrSlot, h.Slots)
	}
	hb, _ := h.MarshalBinary()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = hb
	for i := 0; i < int(h.Slots); i++ {
		m.slots[i], _ = Placeholder(i).MarshalBinary()
	}
	m.writes++
	return nil
}

func (m *Memory) Close() error { return nil }

// Writes returns the number of write calls that reached the store.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Corrupt flips a header byte, for checksum tests.
func (m *Memory) Corrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.header != nil {
		m.header[0] ^= 0xFF
	}
}

var (
	_ Store = &Memory{}
	_ Store = &Bolt{}
)
