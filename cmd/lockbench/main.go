// Command lockbench drives read/write contention against a set of KV
// shards to measure lock-acquisition throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rzlock/rzlock-go/v1/kv"
	"github.com/rzlock/rzlock-go/v1/lock"
	"github.com/rzlock/rzlock-go/v1/lockerrors"
	"github.com/rzlock/rzlock-go/v1/metrics"
)

var (
	shardAddrs  = flag.String("shards", "127.0.0.1:6379", "Comma-separated shard addresses")
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of lock acquisitions")
	keys        = flag.Int("keys", 100, "Number of distinct keys contended over")
	writeRatio  = flag.Float64("write-ratio", 0.1, "Fraction of acquisitions that are writes")
	maxWait     = flag.Duration("max-wait", 2*time.Second, "maxWaitTime per acquisition")
	trace       = flag.Bool("trace", false, "Emit a trace span per acquisition to stdout")
)

func main() {
	flag.Parse()

	addrs := strings.Split(*shardAddrs, ",")
	log.Printf("lockbench: %d requests, %d concurrency, %d keys, write-ratio=%.2f, shards=%v",
		*requests, *concurrency, *keys, *writeRatio, addrs)

	client, err := kv.NewShardedClient(addrs, nil)
	if err != nil {
		log.Fatalf("lockbench: building sharded client: %v", err)
	}
	defer client.Close()

	if err := <-client.RegisterScriptDir(context.Background()); err != nil {
		log.Fatalf("lockbench: registering scripts: %v", err)
	}

	lockerOpts := []lock.LockerOption{lock.WithMetrics(metrics.NewRecorder())}
	if *trace {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("lockbench: building trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer tp.Shutdown(context.Background())
		lockerOpts = append(lockerOpts, lock.WithTracer(tp.Tracer("rzlock/lockbench")))
	}
	locker := lock.NewLocker(client, lockerOpts...)

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, errs, locked int64

	reqsPerWorker := *requests / *concurrency
	maxWaitTime := *maxWait
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				key := fmt.Sprintf("bench:%d", (worker*reqsPerWorker+j)%*keys)
				opts := lock.Options{MaxWaitTime: &maxWaitTime}
				var acqErr error
				if float64(j%100)/100 < *writeRatio {
					h, err := locker.WriteLock(ctx, key, opts)
					acqErr = err
					if err == nil {
						_ = h.Release(ctx)
					}
				} else {
					h, err := locker.ReadLock(ctx, key, opts)
					acqErr = err
					if err == nil {
						_ = h.Release(ctx)
					}
				}
				atomic.AddInt64(&ops, 1)
				switch {
				case acqErr == nil:
				case lockerrors.IsResourceLocked(acqErr):
					atomic.AddInt64(&locked, 1)
				default:
					atomic.AddInt64(&errs, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f acquisitions/s", throughput)
	log.Printf("Backend errors: %d, contended (RESOURCE_LOCKED): %d", errs, locked)
}
