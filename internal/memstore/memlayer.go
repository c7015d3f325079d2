package memstore

import "sync"

// memLayer is an in-memory backend for the working and session layers.
type memLayer struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func newMemLayer() *memLayer {
	return &memLayer{records: make(map[string]*Record)}
}

func (m *memLayer) get(key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memLayer) put(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

func (m *memLayer) remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *memLayer) list() ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memLayer) clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record)
	return nil
}
