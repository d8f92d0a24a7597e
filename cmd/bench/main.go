// Command bench runs a synthetic TTL workload against several cache clients
// sharing one store and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/mapcache/cache"
	"github.com/IvanBrykalov/mapcache/eviction"
	pmet "github.com/IvanBrykalov/mapcache/metrics/prom"
	"github.com/IvanBrykalov/mapcache/policy/adaptive"
	"github.com/IvanBrykalov/mapcache/store"
	"github.com/IvanBrykalov/mapcache/store/memstore"
)

type opts struct {
	Clients  int           `long:"clients" default:"4" description:"cache clients sharing the store"`
	Workers  int           `long:"workers" description:"worker goroutines (0 = 2*GOMAXPROCS)"`
	Duration time.Duration `long:"duration" default:"10s" description:"benchmark duration"`
	ReadPct  int           `long:"reads" default:"70" description:"read percentage [0..100]"`
	NXPct    int           `long:"nx" default:"20" description:"share of writes that use PutIfAbsent [0..100]"`

	Keys  int           `long:"keys" default:"100000" description:"keyspace size"`
	ZipfS float64       `long:"zipf_s" default:"1.1" description:"Zipf s > 1 (skew)"`
	ZipfV float64       `long:"zipf_v" default:"1.0" description:"Zipf v"`
	Seed  int64         `long:"seed" description:"random seed (0 = time based)"`
	TTL   time.Duration `long:"ttl" default:"2s" description:"max entry TTL; each write picks [0, ttl]"`

	Batch       int           `long:"batch" default:"100" description:"sweep batch size"`
	MinInterval time.Duration `long:"min-interval" default:"250ms" description:"shortest sweep interval"`
	MaxInterval time.Duration `long:"max-interval" default:"10s" description:"longest sweep interval"`

	Latency time.Duration `long:"store-latency" description:"simulated store round trip"`
	Faults  float64       `long:"faults" description:"fraction of store operations that fail [0..1]"`

	PprofAddr   string `long:"pprof" description:"serve pprof at addr (e.g. :6060); empty = disabled"`
	MetricsAddr string `long:"http" default:":8080" description:"serve Prometheus metrics at addr; empty = disabled"`
}

func main() {
	var o opts
	if _, err := flags.Parse(&o); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if o.Workers <= 0 {
		o.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	if o.Clients <= 0 {
		o.Clients = 1
	}
	if o.Keys < 1 {
		o.Keys = 1
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(o, log); err != nil {
		log.Error("bench failed", "error", err)
		os.Exit(1)
	}
}

func run(o opts, log *slog.Logger) error {
	// ---- pprof server (on DefaultServeMux) ----
	if o.PprofAddr != "" {
		go func() {
			log.Info("pprof: serving", "addr", o.PprofAddr)
			log.Warn("pprof stopped", "error", http.ListenAndServe(o.PprofAddr, nil))
		}()
	}

	// ---- Shared store, optionally slow and flaky ----
	var (
		faultMu   sync.Mutex
		faultRand = rand.New(rand.NewSource(o.Seed))
		chaos     atomic.Bool
	)
	chaos.Store(o.Faults > 0)
	st := memstore.New(memstore.Options{
		Latency: o.Latency,
		Fault: func(string) error {
			if !chaos.Load() {
				return nil
			}
			faultMu.Lock()
			hit := faultRand.Float64() < o.Faults
			faultMu.Unlock()
			if hit {
				return errors.New("injected fault")
			}
			return nil
		},
	})

	// ---- Prometheus metrics, one label set per client ----
	reg := prometheus.NewRegistry()
	if o.MetricsAddr != "" {
		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("metrics: serving", "addr", o.MetricsAddr)
			log.Warn("metrics stopped", "error", http.ListenAndServe(o.MetricsAddr, r))
		}()
	}

	// ---- Clients: independent caches over the same map, each with its own scheduler ----
	clients := make([]*cache.Cache[string, string], o.Clients)
	for i := range clients {
		c, err := cache.New[string, string](st, "bench", cache.Options[string, string]{
			Metrics: pmet.New(reg, "mapcache", "bench", prometheus.Labels{"client": strconv.Itoa(i)}),
			Logger:  log,
			Eviction: eviction.Options{
				Interval:  adaptive.New(o.MinInterval, o.MaxInterval),
				BatchSize: o.Batch,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		clients[i] = c
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, storeErrs, total atomic.Uint64
	ctx, cancel := context.WithTimeout(context.Background(), o.Duration)
	defer cancel()

	keysMax := uint64(o.Keys - 1)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < o.Workers; w++ {
		c := clients[w%len(clients)]
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(o.Seed + int64(w)*9973))
			zipf := rand.NewZipf(r, o.ZipfS, o.ZipfV, keysMax)

			for gctx.Err() == nil {
				total.Add(1)
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				var err error
				if r.Intn(100) < o.ReadPct {
					reads.Add(1)
					var ok bool
					if _, ok, err = c.Get(gctx, k); err == nil {
						if ok {
							hits.Add(1)
						} else {
							misses.Add(1)
						}
					}
				} else {
					writes.Add(1)
					ttl := time.Duration(r.Int63n(int64(o.TTL) + 1))
					if r.Intn(100) < o.NXPct {
						_, _, err = c.PutIfAbsent(gctx, k, "v"+strconv.Itoa(r.Int()), ttl)
					} else {
						_, _, err = c.Put(gctx, k, "v"+strconv.Itoa(r.Int()), ttl)
					}
				}
				switch {
				case err == nil:
				case store.IsStoreError(err):
					storeErrs.Add(1)
				case gctx.Err() != nil:
					return nil
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	chaos.Store(false)

	// ---- Size before and after draining expired entries ----
	bg := context.Background()
	sizeBefore, err := clients[0].Size(bg)
	if err != nil {
		return err
	}
	var purged int
	for {
		n, err := clients[0].PurgeExpired(bg, 10_000)
		if err != nil {
			return err
		}
		purged += n
		if n == 0 {
			break
		}
	}
	sizeAfter, err := clients[0].Size(bg)
	if err != nil {
		return err
	}

	// ---- Report ----
	hitRate := 0.0
	if n := reads.Load(); n > 0 {
		hitRate = float64(hits.Load()) / float64(n) * 100
	}
	fmt.Printf("clients=%d workers=%d keys=%d ttl<=%v dur=%v seed=%d\n",
		o.Clients, o.Workers, o.Keys, o.TTL, elapsed, o.Seed)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  store-errors=%d\n",
		total.Load(), float64(total.Load())/elapsed.Seconds(), reads.Load(), writes.Load(), storeErrs.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hits.Load(), misses.Load(), hitRate)
	fmt.Printf("size=%d  purged=%d  live=%d\n", sizeBefore, purged, sizeAfter)
	for i, c := range clients {
		s := c.Stats()
		fmt.Printf("client %d: expired-reads=%d cleaned=%d swept=%d\n", i, s.Expired, s.Cleaned, s.Swept)
	}
	return nil
}
