package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"riskgate/pkg/audit"
	"riskgate/pkg/config"
	"riskgate/pkg/engine"
	otelobs "riskgate/pkg/observability/otel"
	"riskgate/pkg/scorer"
	"riskgate/pkg/structlog"
)

func main() {
	_ = godotenv.Load()

	cfgPath := getEnv("RISKGATE_CONFIG", "config.yaml")
	cfgMgr, err := config.NewManager(cfgPath)
	if err != nil {
		log.Fatalf("load config %s: %v", cfgPath, err)
	}
	defer cfgMgr.Close()
	cfg := cfgMgr.Current()

	logger := structlog.New("riskengine", structlog.LevelInfo, os.Stdout)

	var sink audit.Sink = audit.NopSink{}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pg, err := audit.NewPostgresStore(dbURL)
		if err != nil {
			log.Fatalf("audit store: %v", err)
		}
		defer pg.Close()
		sink = pg
	} else {
		logger.Warn("DATABASE_URL not set, audit persistence disabled", nil)
	}

	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		defer rdb.Close()
	} else {
		logger.Warn("REDIS_ADDR not set, baselines and failure counters are in-memory only", nil)
	}

	liveTimeout := func() time.Duration { return cfgMgr.Current().ScorerTimeout() }
	var ctxSc engine.ContextScorer
	if cfg.Scorers.ContextURL != "" {
		ctxSc = scorer.NewContextClient(cfg.Scorers.ContextURL, cfg.ScorerTimeout()).
			WithTimeoutSource(liveTimeout)
	}
	var graphSc engine.GraphScorer
	if cfg.Scorers.GraphURL != "" {
		graphSc = scorer.NewGraphClient(cfg.Scorers.GraphURL, cfg.ScorerTimeout()).
			WithTimeoutSource(liveTimeout)
	}

	eng, err := engine.New(engine.Options{
		Config:        cfgMgr,
		Audit:         sink,
		Redis:         rdb,
		Logger:        logger,
		ContextScorer: ctxSc,
		GraphScorer:   graphSc,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	shutdownTracer := otelobs.InitTracer("riskengine")
	defer shutdownTracer(context.Background())

	mux := http.NewServeMux()
	srv := &server{eng: eng, log: logger}
	srv.routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := otelobs.WrapHTTPHandler("riskengine", otelobs.HTTPTraceLogMiddleware(mux))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("riskengine listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
