package events

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSBus publishes events to a NATS subject, adapted from the teacher's
// syncbus.NATSBus.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

func (b *NATSBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.conn.Publish(key, data)
}

func (b *NATSBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(key, func(msg *nats.Msg) {
			b.mu.Lock()
			chans := append([]chan []byte(nil), b.subs[key].chans...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- msg.Data:
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *NATSBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}
