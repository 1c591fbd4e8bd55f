// marketd is the transactional spine of the federated marketplace: orders,
// escrow, logistics auctions, disputes, sealed ratings, reputation proofs
// and m-of-n governance over the protocol parameters.
//
// With --dev it boots on the in-memory store and mock ports, so it runs
// without Postgres, Redis or Pub/Sub.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/marketd/internal/config"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/governance"
	"github.com/ocx/marketd/internal/identity"
	"github.com/ocx/marketd/internal/logistics"
	"github.com/ocx/marketd/internal/order"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/ports"
	"github.com/ocx/marketd/internal/reputation"
	"github.com/ocx/marketd/internal/storage"
	"github.com/ocx/marketd/internal/sweep"
	"github.com/ocx/marketd/internal/trust"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the yaml config file")
		dev        = flag.Bool("dev", false, "run on the in-memory store with mock ports")
	)
	flag.Parse()

	// .env is optional; real deployments inject env directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	slog.Info("marketd starting", "env", cfg.Server.Env, "dev", *dev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- storage ---
	var store storage.Store
	if *dev {
		store = storage.NewMemory()
		slog.Info("using in-memory store")
	} else {
		pg, err := storage.Open(cfg.Database.URL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		store = pg
		slog.Info("connected to postgres")
	}
	defer store.Close()

	// --- events ---
	var emitter events.Emitter
	if !*dev && cfg.PubSub.ProjectID != "" {
		bus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("pubsub bus: %v", err)
		}
		defer bus.Close()
		emitter = bus
	} else {
		emitter = events.NewEventBus()
	}

	// --- params (with optional Redis read cache) ---
	var cache params.Cache
	if !*dev && cfg.Redis.Addr != "" {
		rc, err := params.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis cache: %v", err)
		}
		cache = rc
		slog.Info("params cache on redis", "addr", cfg.Redis.Addr)
	}
	paramSvc := params.New(store, cache, emitter)
	if err := paramSvc.Bootstrap(ctx, cfg.Protocol); err != nil {
		log.Fatalf("bootstrap params: %v", err)
	}

	// --- proof signer ---
	var signer ports.Signer
	if cfg.Proofs.PrivateKeyPath != "" {
		s, err := reputation.LoadSigner(cfg.Proofs.PrivateKeyPath, cfg.Proofs.PublicKeyPath)
		if err != nil {
			log.Fatalf("load proof signer: %v", err)
		}
		signer = s
	} else {
		s, err := reputation.NewEphemeralSigner()
		if err != nil {
			log.Fatalf("ephemeral proof signer: %v", err)
		}
		signer = s
		slog.Warn("no proof key configured, using ephemeral signer; proofs will not survive restarts")
	}

	// --- external ports (mocks in dev, real rails injected in prod builds) ---
	gateway := ports.NewMockPaymentGateway()
	oracle := ports.NewMockRateOracle()
	catalog := ports.NewMockCatalog()
	index := ports.NewMockCatalogIndex()
	rail := ports.NewMockTreasuryRail()

	// --- services ---
	identitySvc := identity.New(store, emitter)
	reputationSvc := reputation.New(store, signer, paramSvc, emitter)
	orderSvc := order.New(store, identitySvc, paramSvc, gateway, oracle, catalog, index, emitter, order.NewMetrics())
	logisticsSvc := logistics.New(store, identitySvc, paramSvc, emitter, logistics.NewMetrics())
	trustSvc := trust.New(store, paramSvc, reputationSvc, emitter, trust.NewMetrics())
	governanceSvc := governance.New(store, paramSvc.GovernanceWriter(), rail, emitter, governance.NewMetrics())

	// --- sweeps ---
	runner := sweep.NewRunner(
		time.Duration(cfg.Sweeps.IntervalSeconds)*time.Second,
		sweep.NewMetrics(),
		sweep.Job{Name: "escrow_auto_release", Run: orderSvc.ReleaseDueEscrows},
		sweep.Job{Name: "quote_expiry", Run: logisticsSvc.ExpireQuotes},
		sweep.Job{Name: "dispute_vendor_timeout", Run: trustSvc.EscalateVendorTimeouts},
		sweep.Job{Name: "rating_reveal", Run: trustSvc.RevealDueRatings},
		sweep.Job{Name: "proposal_expiry", Run: governanceSvc.ExpireProposals},
	)
	go runner.Start(ctx)

	// --- ops endpoints ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.View(r.Context(), func(tx storage.Tx) error { return nil }); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ops server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown", "error", err)
	}
}
