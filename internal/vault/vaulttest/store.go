// Package vaulttest provides an in-memory vault.SecretStore for tests.
package vaulttest

import (
	"context"
	"strconv"
	"sync"

	"secret-rotator/internal/vault"
)

// Store keeps every version of every secret in memory. Err* fields inject failures.
type Store struct {
	mu       sync.Mutex
	versions map[string][][]byte
	// current holds the effective version index (1-based) per secret.
	current map[string]int

	ErrCreate  error
	ErrLatest  error
	ErrAdd     error
	ErrRestore error
	ErrRead    error

	Restored []string
}

var _ vault.SecretStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		versions: make(map[string][][]byte),
		current:  make(map[string]int),
	}
}

// Seed stores value as a new version of name.
func (s *Store) Seed(name string, value []byte) vault.VersionRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(name, value)
}

func (s *Store) GetLatestVersion(_ context.Context, name string) (vault.VersionRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrLatest != nil {
		return "", s.ErrLatest
	}
	if s.current[name] == 0 {
		return "", vault.ErrSecretNotFound
	}
	return vault.VersionRef(strconv.Itoa(len(s.versions[name]))), nil
}

func (s *Store) CreateSecret(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrCreate != nil {
		return s.ErrCreate
	}
	if _, ok := s.versions[name]; !ok {
		s.versions[name] = nil
	}
	return nil
}

func (s *Store) AddVersion(_ context.Context, name string, value []byte) (vault.VersionRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrAdd != nil {
		return "", s.ErrAdd
	}
	return s.add(name, value), nil
}

// RestoreVersion mirrors KV v2 rollback: the old data is written as a new version.
func (s *Store) RestoreVersion(_ context.Context, name string, ref vault.VersionRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrRestore != nil {
		return s.ErrRestore
	}
	v, err := ref.Int()
	if err != nil {
		return err
	}
	if v > len(s.versions[name]) {
		return vault.ErrSecretNotFound
	}
	s.add(name, s.versions[name][v-1])
	s.Restored = append(s.Restored, name+"@"+ref.String())
	return nil
}

func (s *Store) ReadLatest(_ context.Context, name string) ([]byte, vault.VersionRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrRead != nil {
		return nil, "", s.ErrRead
	}
	idx := s.current[name]
	if idx == 0 {
		return nil, "", vault.ErrSecretNotFound
	}
	value := s.versions[name][idx-1]
	if len(value) == 0 {
		return nil, "", vault.ErrEmptySecretValue
	}
	return append([]byte(nil), value...), vault.VersionRef(strconv.Itoa(idx)), nil
}

// Latest returns the effective value of name, or nil.
func (s *Store) Latest(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.current[name]
	if idx == 0 {
		return nil
	}
	return append([]byte(nil), s.versions[name][idx-1]...)
}

func (s *Store) VersionCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions[name])
}

func (s *Store) add(name string, value []byte) vault.VersionRef {
	s.versions[name] = append(s.versions[name], append([]byte(nil), value...))
	s.current[name] = len(s.versions[name])
	return vault.VersionRef(strconv.Itoa(s.current[name]))
}
