package notify

import (
	"context"
	"sync"
)

// LocalBackplane connects several Fanouts that share one process. It is
// used by tests and by single-binary deployments that run more than one hub.
type LocalBackplane struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Envelope)
}

func NewLocalBackplane() *LocalBackplane {
	return &LocalBackplane{subs: make(map[int]func(Envelope))}
}

func (b *LocalBackplane) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	fns := make([]func(Envelope), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (b *LocalBackplane) Subscribe(ctx context.Context, fn func(Envelope)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// Subscribers reports how many subscriptions are active.
func (b *LocalBackplane) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *LocalBackplane) Close() error { return nil }
