package database

import (
	"context"
	"sync"

	"consult-chat/internal/models"
)

// MemoryDB is a ProfileRepository for development and tests. Listing order
// is insertion order.
type MemoryDB struct {
	mu      sync.RWMutex
	doctors []*models.Profile
	users   []*models.Profile
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{}
}

func (db *MemoryDB) AddDoctor(p models.Profile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.doctors = append(db.doctors, &p)
}

func (db *MemoryDB) AddUser(p models.Profile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users = append(db.users, &p)
}

func (db *MemoryDB) ListDoctors(_ context.Context) ([]*models.Profile, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return cloneProfiles(db.doctors), nil
}

func (db *MemoryDB) ListUsers(_ context.Context) ([]*models.Profile, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return cloneProfiles(db.users), nil
}

func (db *MemoryDB) Close() error {
	return nil
}

func cloneProfiles(src []*models.Profile) []*models.Profile {
	out := make([]*models.Profile, len(src))
	for i, p := range src {
		c := *p
		out[i] = &c
	}
	return out
}
