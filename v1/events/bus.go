package events

import (
	"context"
	"sync"

	"github.com/rzlock/rzlock-go/v1/lock"
)

// Bus is the byte-payload pub/sub contract every backend implements,
// adapted from the teacher's watchbus.WatchBus interface.
type Bus interface {
	Publish(ctx context.Context, key string, data []byte) error
	Watch(ctx context.Context, key string) (chan []byte, error)
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// Publisher adapts a Bus into a lock.EventPublisher by JSON-encoding each
// lifecycle event onto Topic.
type Publisher struct {
	bus Bus
}

func NewPublisher(bus Bus) *Publisher { return &Publisher{bus: bus} }

func (p *Publisher) Publish(ctx context.Context, evt lock.LifecycleEvent) {
	_ = p.bus.Publish(ctx, Topic, fromLifecycle(evt).marshal())
}

// Subscribe returns a channel of decoded Events read from Topic until ctx
// is canceled. Malformed payloads are dropped.
func Subscribe(ctx context.Context, bus Bus) (chan Event, error) {
	raw, err := bus.Watch(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for data := range raw {
			evt, err := unmarshal(data)
			if err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// InMemoryBus is a local Bus for tests and single-process demos, adapted
// from the teacher's watchbus.InMemoryWatchBus.
type InMemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan []byte)}
}

func (b *InMemoryBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (b *InMemoryBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *InMemoryBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}
