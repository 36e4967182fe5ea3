package mixpanel

import (
	"context"
	"sync"
	"time"
)

var registry = struct {
	mu      sync.Mutex
	clients map[string]*Client
}{clients: make(map[string]*Client)}

// Instance returns the process-wide Client for token, creating it on first
// use. Options are applied only on creation; later calls with the same token
// return the existing client unchanged.
func Instance(token string, opts ...Option) (*Client, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if c, ok := registry.clients[token]; ok {
		return c, nil
	}
	c, err := New(token, opts...)
	if err != nil {
		return nil, err
	}
	registry.clients[token] = c
	return c, nil
}

// ResetRegistry closes every registered client with a short final-flush
// budget and empties the registry. Intended for tests.
func ResetRegistry() {
	registry.mu.Lock()
	clients := registry.clients
	registry.clients = make(map[string]*Client)
	registry.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range clients {
		_ = c.Close(ctx)
	}
}
