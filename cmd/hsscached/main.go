// Command hsscached wires C1-C8 together into the running process: the KV-
// backed IRS cache, the provisioning-store reader, the Diameter transaction
// layer, the chosen HSS connection, and the worker pool every inbound
// operation is expected to run on. It is not a front end — no HTTP routing
// or JSON body shapes are defined here (spec's Non-goals) — just the
// construction, a minimal health endpoint, and lifecycle.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/go-redis/redis/v8"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/diametertxn"
	"github.com/homestead/hsscache/hssconn"
	"github.com/homestead/hsscache/irscache"
	"github.com/homestead/hsscache/kvstore"
	"github.com/homestead/hsscache/provstore"
	"github.com/homestead/hsscache/stats"
	"github.com/homestead/hsscache/workerpool"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, "hsscached")
	recorder := stats.NewRecorder("hsscached")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := workerpool.New(workerpool.Config{
		Workers:   cfg.WorkerThreads,
		QueueSize: cfg.MaxQueue,
		Logger:    logger,
		Recorder:  recorder,
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("starting worker pool: %v", err)
	}
	defer pool.Stop(10 * time.Second)

	cache := buildIrsCache(cfg, logger, recorder)
	conn := buildHssConnection(cfg, pool, cache, recorder, logger)
	logger.Info("components wired", map[string]interface{}{
		"hss_mode":       cfg.HssMode,
		"kv_remotes":     len(cfg.KvRemoteAddrs),
		"worker_threads": cfg.WorkerThreads,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cache == nil || conn == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: ":8080", Handler: otelhttp.NewHandler(mux, "hsscached")}

	go func() {
		logger.Info("hsscached listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

func buildIrsCache(cfg *core.Config, logger core.Logger, recorder *stats.Recorder) *irscache.Cache {
	local := kvstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.KvLocalAddr}), logger)
	remotes := make([]kvstore.Store, 0, len(cfg.KvRemoteAddrs))
	for _, addr := range cfg.KvRemoteAddrs {
		remotes = append(remotes, kvstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), logger))
	}
	kv := kvstore.NewClient(local, remotes, logger)

	irsCfg := irscache.DefaultConfig()
	irsCfg.CasMaxRetries = cfg.CasMaxRetries
	return irscache.NewCache(kv, irsCfg, logger, recorder)
}

func buildHssConnection(cfg *core.Config, pool *workerpool.Pool, cache *irscache.Cache, recorder *stats.Recorder, logger core.Logger) hssconn.HssConnection {
	if cfg.HssMode == "provisioning_store" {
		level := provstore.LevelTwo
		if cfg.ConsistencyLevelRead == "one" {
			level = provstore.LevelOne
		}
		prov := provstore.New(provstore.Config{
			Hosts:      cfg.ProvStoreDSNs,
			StartLevel: level,
			Logger:     logger,
		})
		return hssconn.NewHsProvHssConnection(prov, cfg.LocalServerName, recorder, logger)
	}

	txn := diametertxn.New(pool, cfg.DiameterTimeout, recorder, logger)
	diamCfg := hssconn.DiameterConfig{
		DestRealm:       cfg.DestRealm,
		DestHost:        cfg.DestHost,
		DigestScheme:    cfg.DigestScheme,
		AkaScheme:       cfg.AkaScheme,
		Akav2Scheme:     cfg.Akav2Scheme,
		LocalServerName: cfg.LocalServerName,
	}
	// transmit is the one piece this tree does not implement: an actual Cx
	// peer socket. Operators wire it to whatever Diameter stack sends the
	// encoded request; until then every send fails fast rather than
	// hanging, matching the per-transaction timeout's own failure mode.
	transmit := func(req *diametertxn.Request) error {
		return core.NewError("hsscached.transmit", core.ServerUnavailable, req.SessionID, core.ErrServerUnavailable)
	}
	return hssconn.NewDiameterHssConnection(txn, diamCfg, transmit, cache, recorder, logger)
}

func init() {
	if os.Getenv("HSSCACHED_DEBUG") == "1" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
}
