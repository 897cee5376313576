package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendledger/config"
	"lendledger/events"
	"lendledger/node"
	"lendledger/observability"
	"lendledger/observability/logging"
	telemetry "lendledger/observability/otel"
	"lendledger/oracle"
	"lendledger/rpc"
	"lendledger/state"
	"lendledger/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LEDGER_ENV"))
	logger := logging.Setup("ledgerd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	telemetryEnv := strings.TrimSpace(cfg.Telemetry.Environment)
	if telemetryEnv == "" {
		telemetryEnv = env
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "ledgerd",
		Environment: telemetryEnv,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		logger.Error("Failed to init telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openStorage(cfg)
	if err != nil {
		logger.Error("Failed to open storage", slog.String("backend", cfg.StorageBackend), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	priceSource, err := buildOracle(cfg)
	if err != nil {
		logger.Error("Failed to build oracle", slog.Any("error", err))
		os.Exit(1)
	}

	n, err := node.New(state.NewManager(db), cfg.Ledger, priceSource, events.NewJournal())
	if err != nil {
		logger.Error("Failed to create node", slog.Any("error", err))
		os.Exit(1)
	}

	allocations, err := cfg.GenesisAllocations()
	if err != nil {
		logger.Error("Failed to parse genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}
	seeded, err := n.SeedGenesis(nodeAllocations(allocations))
	if err != nil {
		logger.Error("Failed to seed genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}
	if seeded {
		logger.Info("Genesis allocations applied", slog.Int("accounts", len(allocations)))
	}

	// A fresh database starts its clock at tick 1 so that a zero
	// LastAccrualTick always means "never touched". Restarts keep the
	// persisted position; only the ticker moves it forward.
	if n.CurrentTick() == 0 {
		if _, err := n.AdvanceTick(); err != nil {
			logger.Error("Failed to initialise tick clock", slog.Any("error", err))
			os.Exit(1)
		}
	}
	observability.Ledger().SetTick(n.CurrentTick())

	rpcServer := rpc.NewServer(n, rpc.Config{
		AuthToken:      cfg.RPC.AuthToken,
		JWTSecret:      cfg.RPC.JWTSecret,
		RateLimitRPS:   cfg.RPC.RateLimitRPS,
		RateLimitBurst: cfg.RPC.RateLimitBurst,
		ReadTimeout:    time.Duration(cfg.RPC.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.RPC.WriteTimeoutSeconds) * time.Second,
		TLSCertFile:    cfg.RPC.TLSCertFile,
		TLSKeyFile:     cfg.RPC.TLSKeyFile,
	})

	adminServer := &http.Server{
		Addr:         cfg.AdminAddress,
		Handler:      adminHandler(n, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcErr := make(chan error, 1)
	go func() {
		rpcErr <- rpcServer.Start(cfg.RPCAddress)
	}()
	adminErr := make(chan error, 1)
	go func() {
		adminErr <- adminServer.ListenAndServe()
	}()

	go runTicker(ctx, n, time.Duration(cfg.TickIntervalSeconds)*time.Second, logger)

	logger.Info("ledgerd running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("admin", cfg.AdminAddress),
		slog.Uint64("tick", n.CurrentTick()),
		logging.MaskField("authToken", cfg.RPC.AuthToken),
		logging.MaskField("jwtSecret", cfg.RPC.JWTSecret),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("RPC shutdown failed", slog.Any("error", err))
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin shutdown failed", slog.Any("error", err))
		}
	case err := <-rpcErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server terminated", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-adminErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server terminated", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

func openStorage(cfg *config.Config) (storage.Database, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		return storage.NewLevelDB(cfg.DataDir)
	default:
		return nil, fmt.Errorf("storage backend %q not supported", cfg.StorageBackend)
	}
}

// buildOracle assembles the price source: a bare manual feed when no HTTP
// feeds are configured, otherwise an aggregator consulting the feeds in
// priority order with the manual feed available as an override.
func buildOracle(cfg *config.Config) (oracle.PriceOracle, error) {
	manualRate := strings.TrimSpace(cfg.Oracle.ManualRate)

	var manual *oracle.ManualOracle
	if manualRate != "" {
		manual = oracle.NewManualOracle()
		if err := manual.SetDecimal(cfg.Ledger.CollateralSymbol, cfg.Ledger.BaseSymbol, manualRate, time.Now()); err != nil {
			return nil, err
		}
	}

	if len(cfg.Oracle.Feeds) == 0 {
		if manual == nil {
			return nil, fmt.Errorf("oracle: no price source configured")
		}
		return manual, nil
	}

	maxAge := time.Duration(cfg.Oracle.MaxQuoteAgeSeconds) * time.Second
	aggregator := oracle.NewAggregator(cfg.Oracle.Priority, maxAge)
	if manual != nil {
		aggregator.Register("manual", manual)
	}
	for _, feed := range cfg.Oracle.Feeds {
		apiKey := ""
		if env := strings.TrimSpace(feed.APIKeyEnv); env != "" {
			apiKey = strings.TrimSpace(os.Getenv(env))
		}
		aggregator.Register(feed.Name, oracle.NewHTTPOracle(feed.Name, nil, feed.Endpoint, apiKey))
	}
	return aggregator, nil
}

func nodeAllocations(entries []config.Allocation) []node.GenesisAllocation {
	out := make([]node.GenesisAllocation, 0, len(entries))
	for _, entry := range entries {
		out = append(out, node.GenesisAllocation{
			Address:    entry.Address,
			Base:       entry.Base,
			Collateral: entry.Collateral,
		})
	}
	return out
}

// runTicker advances the accrual clock at the configured wall-clock interval.
func runTicker(ctx context.Context, n *node.Node, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, err := n.AdvanceTick()
			if err != nil {
				logger.Error("Failed to advance tick", slog.Any("error", err))
				continue
			}
			observability.Ledger().SetTick(tick)
		}
	}
}

func adminHandler(n *node.Node, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","tick":%d}`, n.CurrentTick())
	}), "ledgerd.health"))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/pause", otelhttp.NewHandler(handlePause(n, logger), "ledgerd.pause"))
	return mux
}

// handlePause flips the operator pause switch. Queries keep working while a
// module is paused; mutating RPC methods return 503.
func handlePause(n *node.Node, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Module string `json:"module"`
			Paused bool   `json:"paused"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		module := strings.TrimSpace(req.Module)
		if module == "" {
			module = "ledger"
		}
		if err := n.SetModulePaused(module, req.Paused); err != nil {
			http.Error(w, "pause update failed", http.StatusInternalServerError)
			return
		}
		logger.Info("Module pause updated", slog.String("module", module), slog.Bool("paused", req.Paused))
		w.WriteHeader(http.StatusNoContent)
	}
}
