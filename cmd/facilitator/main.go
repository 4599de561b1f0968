// Command facilitator runs the x402 payment facilitator for Solana.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/auth"
	"github.com/Blessedbiello/402pay-sub000/challenge"
	"github.com/Blessedbiello/402pay-sub000/escrow"
	"github.com/Blessedbiello/402pay-sub000/internal/config"
	"github.com/Blessedbiello/402pay-sub000/mcp"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm/delegated"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm/direct"
	"github.com/Blessedbiello/402pay-sub000/ratelimit"
	"github.com/Blessedbiello/402pay-sub000/replay"
	"github.com/Blessedbiello/402pay-sub000/server"
	"github.com/Blessedbiello/402pay-sub000/settlement"
	"github.com/Blessedbiello/402pay-sub000/vault"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("facilitator stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// stores are the persistence backends, Postgres when DATABASE_URL is set and
// in-memory otherwise.
type stores struct {
	replay     replay.Store
	settlement settlement.RecordStore
	escrow     escrow.Store
	vault      vault.Store
	close      func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, state is kept in memory and lost on restart")
		return &stores{
			replay:     replay.NewMemoryStore(),
			settlement: settlement.NewMemoryStore(cfg.SettlementTTL),
			escrow:     escrow.NewMemoryStore(),
			vault:      vault.NewMemoryStore(),
			close:      func() {},
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	replayStore := replay.NewPostgresStore(pool)
	settlementStore := settlement.NewPostgresStore(pool, cfg.SettlementTTL)
	escrowStore := escrow.NewPostgresStore(pool)
	vaultStore := vault.NewPostgresStore(pool)

	migrations := []interface {
		Migrate(context.Context) error
	}{replayStore, settlementStore, escrowStore, vaultStore}
	for _, m := range migrations {
		if err := m.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &stores{
		replay:     replayStore,
		settlement: settlementStore,
		escrow:     escrowStore,
		vault:      vaultStore,
		close:      pool.Close,
	}, nil
}

// replayStore prefers Redis for consumed keys so several facilitator
// instances share one view.
func replayStore(ctx context.Context, cfg *config.Config, fallback replay.Store, logger *zap.Logger) (replay.Store, error) {
	if cfg.RedisURL == "" {
		return fallback, nil
	}
	store, err := replay.NewRedisStoreFromURL(cfg.RedisURL, config.ReplayKeyPrefix)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}
	return store, nil
}

func masterKey(cfg *config.Config, logger *zap.Logger) ([]byte, error) {
	if cfg.VaultMasterKey != nil {
		return cfg.VaultMasterKey, nil
	}
	logger.Warn("VAULT_MASTER_KEY not set, using an ephemeral key; escrow keys will be unreadable after restart")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	rs, err := replayStore(ctx, cfg, st.replay, logger)
	if err != nil {
		return err
	}
	guard := replay.NewGuard(rs,
		replay.WithLocalFallback(cfg.ReplayFallback),
		replay.WithLogger(logger.Named("replay")))

	key, err := masterKey(cfg, logger)
	if err != nil {
		return err
	}
	keys, err := vault.New(key, st.vault)
	if err != nil {
		return err
	}

	facilitator := x402.NewX402Facilitator(x402.WithLogger(logger.Named("verify")))
	facilitator.OnVerifyFailure(func(c x402.FacilitatorVerifyFailureContext) {
		logger.Warn("verification failed",
			zap.String("network", string(c.PaymentPayload.Network)),
			zap.Error(c.Error))
	})

	directs := make(map[x402.Network]*direct.Adapter, len(cfg.Networks))
	for _, network := range cfg.Networks {
		rpcURL, err := cfg.RPCURL(network)
		if err != nil {
			return err
		}
		adapter, err := direct.NewAdapter(network, direct.NewRPCLedger(rpcURL),
			direct.WithKeyResolver(keys),
			direct.WithLogger(logger.Named("direct")))
		if err != nil {
			return err
		}
		if err := facilitator.Register(network, adapter); err != nil {
			return err
		}
		directs[network] = adapter
	}

	if cfg.DelegateURL != "" {
		client, err := delegated.NewClient(delegated.Config{URL: cfg.DelegateURL, APIKey: cfg.DelegateAPIKey})
		if err != nil {
			return x402.NewConfigurationError("DELEGATE_URL", err.Error())
		}
		for _, network := range cfg.Networks {
			adapter, err := delegated.NewAdapter(ctx, network, client, delegated.WithLogger(logger.Named("delegated")))
			if err != nil {
				return err
			}
			if err := facilitator.Register(network, adapter); err != nil {
				return err
			}
		}
	}

	ledger := settlement.NewLedger(facilitator, guard,
		settlement.WithStore(st.settlement),
		settlement.WithReplayTTL(cfg.ReplayTTL),
		settlement.WithLogger(logger.Named("settle")))
	ledger.OnSettleFailure(func(c x402.FacilitatorSettleFailureContext) {
		logger.Error("settlement failed",
			zap.String("key", c.SettlementKey),
			zap.Duration("duration", c.Duration),
			zap.Error(c.Error))
	})

	primary := cfg.PrimaryNetwork()
	escrows, err := escrow.NewService(
		escrow.Config{Network: primary, Reserve: cfg.EscrowReserve},
		st.escrow, keys, directs[primary], ledger,
		escrow.WithLogger(logger.Named("escrow")))
	if err != nil {
		return err
	}

	issuer, challenges, err := challengeFlow(cfg, guard, directs[primary], logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimits, ratelimit.WithLogger(logger.Named("ratelimit")))
	go limiter.Run(ctx)

	deps := server.Deps{
		Facilitator: facilitator,
		Settler:     ledger,
		Escrows:     escrows,
		Replay:      guard,
		Auth:        auth.NewAuthenticator(cfg.JWTSecret, cfg.AdminAPIKey),
		Limiter:     limiter,
		MCP: mcp.Handler(
			mcp.NewServer(facilitator, nil, logger.Named("mcp")),
			mcp.NewServer(facilitator, escrows, logger.Named("mcp"))),
		Logger: logger,
	}
	if challenges != nil {
		deps.ChallengeIssuer = issuer
		deps.ChallengeVerifier = challenges
	}
	srv, err := server.New(deps)
	if err != nil {
		return err
	}

	// No write timeout: the MCP endpoint holds SSE streams open.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening",
			zap.String("addr", httpServer.Addr),
			zap.String("environment", cfg.Environment),
			zap.Int("networks", len(cfg.Networks)),
			zap.Bool("delegated", cfg.DelegateURL != ""))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// challengeFlow registers the priced routes and builds the challenge verifier.
// It returns a nil verifier when no routes are configured.
func challengeFlow(cfg *config.Config, guard *replay.Guard, confirmer *direct.Adapter, logger *zap.Logger) (*x402.RequirementIssuer, *challenge.Verifier, error) {
	issuer := x402.NewRequirementIssuer(guard)
	if len(cfg.Routes) == 0 {
		return issuer, nil, nil
	}

	primary := cfg.PrimaryNetwork()
	nc, err := svm.GetNetworkConfig(string(primary))
	if err != nil {
		return nil, nil, err
	}
	for resource, price := range cfg.Routes {
		err := issuer.Register(resource, x402.RouteConfig{
			Price:    price,
			Decimals: nc.DefaultAsset.Decimals,
			Network:  primary,
			PayTo:    cfg.PayTo,
			Asset:    nc.DefaultAsset.Address,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	verifier, err := challenge.NewVerifier(challenge.Config{
		Currencies: map[string]challenge.Currency{
			"USDC": {Asset: nc.DefaultAsset.Address, MinAmount: cfg.ChallengeMinAmount},
			"SOL":  {MinAmount: cfg.ChallengeMinAmount},
		},
		Network: primary,
		PayTo:   cfg.PayTo,
		Ledger:  confirmer,
	}, guard, challenge.WithLogger(logger.Named("challenge")))
	if err != nil {
		return nil, nil, err
	}
	return issuer, verifier, nil
}
