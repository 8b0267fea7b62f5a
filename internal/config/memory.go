package config

import (
	"context"
	"sync"

	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

// MemoryRepository is an in-process Config/Status store, the default for
// development and tests. Both repository interfaces are satisfied by the
// same type so callers can share one instance.
type MemoryRepository struct {
	mu       sync.RWMutex
	configs  map[Key]Config
	statuses map[Key]Status
}

// NewMemoryRepository builds an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		configs:  make(map[Key]Config),
		statuses: make(map[Key]Status),
	}
}

func (m *MemoryRepository) Load(_ context.Context, key Key) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[key]
	if !ok {
		return Config{}, errs.New(errs.KindNotFound, "no config for market=%s mode=%s", key.Market, key.Mode)
	}
	return cfg, nil
}

func (m *MemoryRepository) Save(_ context.Context, key Key, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key] = cfg
	return nil
}

func (m *MemoryRepository) All(_ context.Context) (map[Key]Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Key]Config, len(m.configs))
	for k, v := range m.configs {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryRepository) LoadStatus(_ context.Context, key Key) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[key]
	if !ok {
		return Status{Key: key}, nil
	}
	return st, nil
}

func (m *MemoryRepository) SaveStatus(_ context.Context, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.Key] = status
	return nil
}
