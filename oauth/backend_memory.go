package oauth

import (
	"context"
	"sync"
)

// MemoryBackend keeps the record in process memory. Nothing survives a
// restart.
type MemoryBackend struct {
	mu    sync.Mutex
	token *Token
}

func (b *MemoryBackend) Load(_ context.Context) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == nil {
		return Token{}, ErrNoToken
	}
	return *b.token, nil
}

func (b *MemoryBackend) Save(_ context.Context, token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = &token
	return nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = nil
	return nil
}
