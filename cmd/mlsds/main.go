// Package main is the CLI entrypoint for the MLS delivery service. The
// serve command loads configuration, connects to PostgreSQL and Redis, runs
// pending migrations, loads the service signing key, and starts the client
// API, the DS-to-DS federation API, the realtime gateway, the outbound
// federation workers, and the metrics endpoint, handling graceful shutdown
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catbird-social/mls-ds/internal/actor"
	"github.com/catbird-social/mls-ds/internal/admin"
	"github.com/catbird-social/mls-ds/internal/api"
	"github.com/catbird-social/mls-ds/internal/auth"
	"github.com/catbird-social/mls-ds/internal/config"
	"github.com/catbird-social/mls-ds/internal/database"
	"github.com/catbird-social/mls-ds/internal/dsapi"
	"github.com/catbird-social/mls-ds/internal/eventstream"
	"github.com/catbird-social/mls-ds/internal/extcommit"
	"github.com/catbird-social/mls-ds/internal/gateway"
	"github.com/catbird-social/mls-ds/internal/idempotency"
	"github.com/catbird-social/mls-ds/internal/keypackage"
	"github.com/catbird-social/mls-ds/internal/logging"
	"github.com/catbird-social/mls-ds/internal/mailbox"
	"github.com/catbird-social/mls-ds/internal/metrics"
	"github.com/catbird-social/mls-ds/internal/outbox"
	"github.com/catbird-social/mls-ds/internal/peerpolicy"
	"github.com/catbird-social/mls-ds/internal/ratelimit"
	"github.com/catbird-social/mls-ds/internal/receipt"
	"github.com/catbird-social/mls-ds/internal/resolver"
	"github.com/catbird-social/mls-ds/internal/svctoken"
	"github.com/catbird-social/mls-ds/internal/welcome"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("mlsds %s (%s) built %s\n", version, commit, buildDate)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mlsds — MLS Delivery Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mlsds <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the delivery service")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  mlsds.toml (or set MLSDS_CONFIG_PATH)")
	fmt.Println("  Env prefix:   MLSDS_ (e.g. MLSDS_DATABASE_URL)")
}

func configPath() string {
	if p := os.Getenv("MLSDS_CONFIG_PATH"); p != "" {
		return p
	}
	return "mlsds.toml"
}

func runMigrate() error {
	logger := logging.New("info", "text")
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return database.MigrateUp(cfg.Database.URL, logger)
}

// loadServiceKey reads the Ed25519 seed from path (32 bytes, hex). An empty
// path generates an ephemeral key, usable only for development since peers
// cannot verify tokens against a key absent from the DID document.
func loadServiceKey(path string, logger *slog.Logger) (ed25519.PrivateKey, error) {
	if path == "" {
		logger.Warn("no service_key_file configured; generating an ephemeral signing key")
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading service key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("service key file must be a hex-encoded seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("service key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// endpointResolver adapts the DID resolver to the outbox's target-resolution
// interface: resolve the peer's service endpoint, then append the XRPC path.
type endpointResolver struct {
	res *resolver.Resolver
}

func (e *endpointResolver) ResolveEndpoint(ctx context.Context, targetDS, endpoint string) (string, error) {
	resolved, err := e.res.Resolve(ctx, targetDS)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(resolved.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing peer endpoint: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + endpoint
	return base.String(), nil
}

func runServe() error {
	logger := logging.New("info", "json")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting mlsds",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("parsing cache URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging cache: %w", err)
	}

	serviceKey, err := loadServiceKey(cfg.Instance.ServiceKeyFile, logger)
	if err != nil {
		return fmt.Errorf("loading service key: %w", err)
	}
	keyID := cfg.Instance.ServiceKeyID
	if keyID == "" {
		keyID = cfg.Instance.ServiceDID + "#service-key"
	}

	docTTL, _ := cfg.Resolver.DocumentTTLParsed()
	fetchTimeout, _ := cfg.Resolver.FetchTimeoutParsed()
	res := resolver.New(resolver.Config{
		AllowInsecureHTTP: cfg.Resolver.AllowInsecureHTTP,
		DocumentTTL:       docTTL,
		FetchTimeout:      fetchTimeout,
		MaxDocumentBytes:  cfg.Resolver.MaxDocumentBytes,
	}, logger)

	jtiTTL := time.Duration(cfg.Federation.JTITTLSeconds) * time.Second
	replay := svctoken.NewRedisReplayStore(redisClient)
	verifier := svctoken.NewVerifier(cfg.Instance.ServiceDID, res, replay, jtiTTL)
	verifier.EnforceLXM = cfg.Federation.EnforceLXM
	verifier.EnforceJTI = cfg.Federation.EnforceJTI
	issuer := svctoken.NewIssuer(cfg.Instance.ServiceDID, keyID, serviceKey)
	authSvc := auth.NewService(cfg.Instance.ServiceDID, res, replay, jtiTTL)

	peers := peerpolicy.New(db.Pool, peerpolicy.Config{
		DefaultPeerRPM:   cfg.Federation.DefaultPeerRPM,
		PeerRPMOverrides: cfg.Federation.PeerRPMOverrides,
	})
	counters := peerpolicy.NewCounterBatcher(peers, logger)
	go counters.Run(ctx, 5*time.Second)

	limiter := ratelimit.NewRedisLimiter(redisClient)

	idemTTL, _ := cfg.Idempotency.TTLParsed()
	cleanupInterval, _ := cfg.Idempotency.CleanupIntervalParsed()
	idem := idempotency.New(db.Pool, idemTTL)
	go idem.RunCleanup(ctx, cleanupInterval, 500, logger)

	keyPackages := keypackage.New(db.Pool)
	welcomes := welcome.New(db.Pool)
	extAuth := extcommit.New(db.Pool, logger)
	signer := receipt.NewSigner(cfg.Instance.ServiceDID, serviceKey)
	receipts := receipt.NewStore(db.Pool, peers)
	events := eventstream.New(db.Pool)
	bus := mailbox.NewBus()
	mbx := mailbox.New(bus)

	baseBackoff, _ := cfg.Outbox.BaseBackoffParsed()
	maxBackoff, _ := cfg.Outbox.MaxBackoffParsed()
	obq := outbox.New(db.Pool, outbox.Config{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: baseBackoff,
		MaxBackoff:  maxBackoff,
	})

	registry := actor.NewRegistry(actor.Deps{
		Pool:          db.Pool,
		Welcome:       welcomes,
		KeyPackages:   keyPackages,
		ExternalAuth:  extAuth,
		ReceiptSigner: signer,
		Receipts:      receipts,
		Events:        events,
		Mailbox:       mbx,
		Outbox:        obq,
		SelfDID:       cfg.Instance.ServiceDID,
		Logger:        logger,
		InboxSize:     cfg.Realtime.InboxQueueSize,
	})
	defer registry.Stop()

	m := metrics.New(registry.Count)
	registry.OnCommand = func(kind actor.CommandKind, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.ActorCommandsTotal.WithLabelValues(string(kind), outcome).Inc()
	}

	requestTimeout, _ := cfg.Federation.RequestTimeoutParsed()
	dispatcher := outbox.NewDispatcher(&http.Client{Timeout: requestTimeout}, issuer)
	workers := outbox.NewWorkerPool(obq, &endpointResolver{res: res}, dispatcher, logger,
		cfg.Outbox.ClaimBatchSize, cfg.Outbox.WorkerPoolSize)
	workers.OnOutcome = func(outcome string) {
		m.OutboxDispatchTotal.WithLabelValues(outcome).Inc()
	}
	obq.OnPermanentFailure = m.OutboxPermanentFails.Inc
	workers.OnDelivered = func(ctx context.Context, it outbox.Item) {
		if !strings.HasSuffix(it.Endpoint, "deliverMessage") {
			return
		}
		var payload struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		}
		if json.Unmarshal(it.Payload, &payload) != nil || payload.Message.ID == "" {
			return
		}
		if _, err := db.Pool.Exec(ctx,
			`INSERT INTO delivery_acks (group_id, message_id, peer_ds) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			it.GroupID, payload.Message.ID, it.TargetDS); err != nil {
			logger.Debug("recording delivery ack failed", slog.String("error", err.Error()))
		}
	}
	endpointCapabilities := map[string]string{
		"/xrpc/blue.catbird.mls.ds.transferSequencer": "sequencer_transfer",
	}
	workers.ShouldSkip = func(ctx context.Context, it outbox.Item) bool {
		capName, gated := endpointCapabilities[it.Endpoint]
		if !gated {
			return false
		}
		advertised, hasIt, _ := peers.HasCapability(ctx, it.TargetDS, capName)
		return advertised && !hasIt
	}
	go workers.Run(ctx, 2*time.Second)

	apiServer := api.NewServer(db.Pool, registry, welcomes, keyPackages, receipts, authSvc, idem,
		cfg.Instance.ServiceDID, logger)
	dsServer := dsapi.NewServer(db.Pool, registry, keyPackages, mbx, verifier, peers, counters,
		limiter, res, m, cfg.Instance.ServiceDID, logger)
	adminH := admin.NewHandler(db.Pool, peers, authSvc, cfg.Admin.AllowedDIDs, logger)
	gw := gateway.NewServer(bus, events, authSvc, m, cfg.Realtime.SSEBufferSize, logger)

	root := m.InstrumentHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			if err := db.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		case strings.HasPrefix(r.URL.Path, "/xrpc/blue.catbird.mls.ds."):
			dsServer.Router.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, "/xrpc/blue.catbird.mls.admin."):
			adminH.Router.ServeHTTP(w, r)
		default:
			apiServer.Router.ServeHTTP(w, r)
		}
	}))

	mainSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: root, ReadHeaderTimeout: 10 * time.Second}
	realtimeSrv := &http.Server{Addr: cfg.Realtime.Listen, Handler: gw.Router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("client and federation API listening", slog.String("addr", cfg.HTTP.Listen))
		if err := mainSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("realtime gateway listening", slog.String("addr", cfg.Realtime.Listen))
		if err := realtimeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics listening", slog.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mainSrv.Shutdown(shutdownCtx)
	realtimeSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	counters.Flush(context.Background())

	logger.Info("shutdown complete")
	return nil
}
