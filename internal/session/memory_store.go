package session

import (
	"context"
	"sync"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]crawl.Credential
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]crawl.Credential)}
}

// Load returns all stored credentials.
func (m *MemoryStore) Load(_ context.Context) ([]crawl.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawl.Credential, 0, len(m.creds))
	for _, c := range m.creds {
		out = append(out, c)
	}
	return out, nil
}

// Save upserts one credential.
func (m *MemoryStore) Save(_ context.Context, cred crawl.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.Token] = cred
	return nil
}
