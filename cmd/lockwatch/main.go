// Command lockwatch serves a live lock-lifecycle dashboard: a WebSocket
// stream of acquire/release/lost/upgrade events plus a Prometheus /metrics
// endpoint, backed by an in-memory or Redis-stream events.Bus.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/rzlock/rzlock-go/v1/events"
	"github.com/rzlock/rzlock-go/v1/metrics"
)

var (
	addr      = flag.String("addr", "0.0.0.0:8090", "Address to listen on")
	backend   = flag.String("backend", "memory", "Event bus backend: memory, redis")
	redisAddr = flag.String("redis-addr", "127.0.0.1:6379", "Redis address, used when -backend=redis")
)

func main() {
	flag.Parse()

	bus, err := newBus()
	if err != nil {
		log.Fatalf("lockwatch: building event bus: %v", err)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", websocketHandler(bus))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.Printf("lockwatch listening on %s (backend=%s)", *addr, *backend)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("lockwatch: serving: %v", err)
	}
}

func newBus() (events.Bus, error) {
	switch *backend {
	case "redis":
		return events.NewRedisBus(redis.NewClient(&redis.Options{Addr: *redisAddr})), nil
	default:
		return events.NewInMemoryBus(), nil
	}
}

var upgrader = websocket.Upgrader{}

// websocketHandler streams decoded events.Event values as JSON frames,
// adapted from the teacher's watchbus.WebSocketHandler.
func websocketHandler(bus events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		ch, err := events.Subscribe(ctx, bus)
		if err != nil {
			return
		}
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
