package store

import "sync"

// MemoryCredentialStore keeps credentials in-process.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	byID  map[string]CredentialRecord
	email map[string]string // email -> uid
}

// NewMemoryCredentialStore initializes an empty store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:  make(map[string]CredentialRecord),
		email: make(map[string]string),
	}
}

// CreateCredential registers a credential.
func (m *MemoryCredentialStore) CreateCredential(c CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.email[c.Email]; ok {
		return ErrEmailExists
	}
	m.byID[c.UID] = c
	m.email[c.Email] = c.UID
	return nil
}

// GetCredentialByEmail looks up a credential by email.
func (m *MemoryCredentialStore) GetCredentialByEmail(email string) (CredentialRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		c, exists := m.byID[id]
		return c, exists, nil
	}
	return CredentialRecord{}, false, nil
}

// GetCredentialByID looks up a credential by uid.
func (m *MemoryCredentialStore) GetCredentialByID(uid string) (CredentialRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[uid]
	return c, ok, nil
}

// DeleteCredential removes a credential.
func (m *MemoryCredentialStore) DeleteCredential(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[uid]; ok {
		delete(m.email, c.Email)
		delete(m.byID, uid)
	}
	return nil
}

// Count returns the number of stored credentials.
func (m *MemoryCredentialStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
