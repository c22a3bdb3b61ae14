// Package events publishes lock lifecycle events (acquired, force_released,
// lost, upgraded) onto a pluggable byte-payload bus, for
// out-of-process observers such as cmd/lockwatch's dashboard. It adapts the
// lock engine's internal LifecycleEvent/EventPublisher pair onto a small
// family of Bus backends: in-memory, Redis Streams, Kafka and NATS.
package events

import (
	"encoding/json"
	"time"

	"github.com/rzlock/rzlock-go/v1/lock"
)

// Event is the wire form of lock.LifecycleEvent: JSON-serializable, with
// Role rendered as its string form so consumers outside this module don't
// need the lock package's type.
type Event struct {
	Key   string    `json:"key"`
	Role  string    `json:"role"`
	Kind  string    `json:"kind"`
	Token string    `json:"token"`
	At    time.Time `json:"at"`
}

func fromLifecycle(evt lock.LifecycleEvent) Event {
	return Event{Key: evt.Key, Role: evt.Role.String(), Kind: evt.Kind, Token: evt.Token, At: evt.At}
}

func (e Event) marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

func unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Topic is the single bus key every lifecycle event is published under.
// A real deployment fanning out by key could derive a per-key topic
// instead; rzlock keeps one topic since consumers (lockwatch, audit
// sinks) want the whole stream.
const Topic = "rzlock:events"
