// Package storage хранит учетные данные и журнал звонков между запусками.
package storage

import (
	"context"
	"errors"
	"sync"
)

// Ключи хранилища
const (
	KeyCredentials = "sip_creds"
	KeyHistory     = "sip_history"
)

// ErrNotFound ключ отсутствует
var ErrNotFound = errors.New("storage: key not found")

// Store простое key/value хранилище
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory хранилище в памяти процесса
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory создает пустое хранилище в памяти
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
