package storage

import "sync"

// MemoryBackend is an in-memory Backend, analogous to the reference
// implementation's random-access-memory stand-in. It is the only backend
// shipped in this repository; concrete disk backends are out of scope.
type MemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Read returns length bytes starting at offset, or ErrOutOfBounds if the
// range exceeds the backend's current length.
func (m *MemoryBackend) Read(offset, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + length
	if end > uint64(len(m.data)) || end < offset {
		return nil, ErrOutOfBounds
	}
	out := make([]byte, length)
	copy(out, m.data[offset:end])
	return out, nil
}

// Write stores data at offset, growing the backend if necessary.
func (m *MemoryBackend) Write(offset uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + uint64(len(data))
	if end > uint64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[offset:end], data)
	return nil
}

// Del zeroes length bytes starting at offset. It never shrinks the
// backend; callers that want to shrink it use Truncate.
func (m *MemoryBackend) Del(offset, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + length
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	if offset >= end {
		return nil
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// Truncate shrinks or grows the backend to exactly length bytes.
func (m *MemoryBackend) Truncate(length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if length <= uint64(len(m.data)) {
		m.data = m.data[:length]
		return nil
	}
	grown := make([]byte, length)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// Len returns the backend's current length in bytes.
func (m *MemoryBackend) Len() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.data)), nil
}

// NewMemoryStores builds a Stores bundle backed entirely by MemoryBackend.
func NewMemoryStores() *Stores {
	return &Stores{
		Tree:     NewMemoryBackend(),
		Data:     NewMemoryBackend(),
		Bitfield: NewMemoryBackend(),
		Oplog:    NewMemoryBackend(),
	}
}
