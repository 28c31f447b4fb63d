package repository

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("key not found")

// SessionRepository persists the string pairs that make up a client session.
type SessionRepository interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	// Purge removes every key this repository has written.
	Purge() error
}

// MemoryRepository keeps session keys for the lifetime of the process.
type MemoryRepository struct {
	mu    sync.RWMutex
	store map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		store: make(map[string]string),
	}
}

func (r *MemoryRepository) Get(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.store[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (r *MemoryRepository) Set(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[key] = value
	return nil
}

func (r *MemoryRepository) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, key)
	return nil
}

func (r *MemoryRepository) Purge() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.store)
	return nil
}

// Keys lists stored keys in sorted order.
func (r *MemoryRepository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.store))
	for k := range r.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyringRepository stores session keys in the OS keyring under one
// service name. The session then outlives the process and lasts until
// logout or invalidation purges it.
type KeyringRepository struct {
	service string
	keys    []string
}

// NewKeyringRepository tracks knownKeys so Purge can remove them even
// when they were written by an earlier process.
func NewKeyringRepository(service string, knownKeys ...string) *KeyringRepository {
	return &KeyringRepository{
		service: service,
		keys:    knownKeys,
	}
}

func (r *KeyringRepository) Get(key string) (string, error) {
	value, err := keyring.Get(r.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read %s from keyring: %w", key, err)
	}
	return value, nil
}

func (r *KeyringRepository) Set(key, value string) error {
	if err := keyring.Set(r.service, key, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", key, err)
	}
	return nil
}

func (r *KeyringRepository) Delete(key string) error {
	if err := keyring.Delete(r.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s from keyring: %w", key, err)
	}
	return nil
}

func (r *KeyringRepository) Purge() error {
	var errs []error
	for _, key := range r.keys {
		if err := r.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
