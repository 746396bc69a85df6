package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"paylink/amount"
	"paylink/config"
	"paylink/escrow"
	"paylink/feeoracle"
	"paylink/limits"
	"paylink/models"
	"paylink/notify"
	"paylink/observability/logging"
	"paylink/observability/metrics"
	"paylink/observability/otel"
	"paylink/relay"
	"paylink/send"
	"paylink/server"
	"paylink/sponsorship"
	"paylink/txledger"
	"paylink/userop"

	authpkg "paylink/auth"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service: "paylinkd",
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "paylinkd",
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			log.Fatalf("telemetry init error: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	txs := txledger.New(db, nil)

	var notifier escrow.ClaimNotifier = escrow.NoopNotifier{}
	var dispatcher *notify.Dispatcher
	if cfg.NotifyWebhookURL != "" {
		sender := notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyAPIKey, cfg.ClaimBaseURL, 0)
		dispatcher = notify.NewDispatcher(sender, logger, notify.WithMetrics(m))
		notifier = dispatcher
	}

	escrows := escrow.New(escrow.Config{
		DB:                db,
		Transactions:      txs,
		Notifier:          notifier,
		Logger:            logger,
		DefaultExpiration: time.Duration(cfg.Policy.DefaultExpirationDays) * 24 * time.Hour,
	})
	if dispatcher != nil {
		dispatcher.SetEngagementMarker(escrows)
		go dispatcher.Run(ctx)
	}

	var oracle feeoracle.Oracle = feeoracle.Static{}
	if cfg.FeeOracleBaseURL != "" {
		oracle = feeoracle.NewHTTPOracle(cfg.FeeOracleBaseURL, cfg.FeeOracleAPIKey)
	}

	builder := userop.NewBuilder(userop.Config{
		DB:     db,
		Oracle: oracle,
		Relay:  relay.NewHTTPClient(cfg.RelayRPCBase, cfg.RelayAuthToken),
		Logger: logger,
	})

	var sponsorClient sponsorship.SponsorClient
	if cfg.SponsorBaseURL != "" {
		sponsorClient = sponsorship.NewHTTPClient(cfg.SponsorBaseURL, cfg.SponsorAPIKey, 0)
	}
	policy := sponsorship.New(sponsorship.Config{
		DB:              db,
		Client:          sponsorClient,
		Logger:          logger,
		Metrics:         m,
		Enabled:         cfg.Policy.SponsorshipEnabled,
		PerAccountLimit: cfg.Policy.SponsoredOpsPerAccount,
	})

	signer, err := userop.NewLocalSigner(cfg.SignerKeyHex)
	if err != nil {
		log.Fatalf("signer error: %v", err)
	}

	checker, err := buildLimits(txs, cfg.Policy)
	if err != nil {
		log.Fatalf("limits config error: %v", err)
	}

	router := send.NewRouter(send.RouterConfig{
		DB:      db,
		Escrows: escrows,
		Direct: send.NewDirectPipeline(send.DirectConfig{
			Transactions: txs,
			Builder:      builder,
			Sponsorship:  policy,
			Signer:       signer,
		}),
		Transactions: txs,
		Limits:       checker,
		Logger:       logger,
	})

	go escrow.NewSweeper(escrows, cfg.SweepInterval, logger, m).Run(ctx)

	srv := server.New(server.Config{
		DB:           db,
		Router:       router,
		Escrows:      escrows,
		Transactions: txs,
		Auth:         authpkg.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		Metrics:      m,
		Logger:       logger,
	})
	handler := otelhttp.NewHandler(srv.Handler(float64(cfg.RateLimitPerMin)), "paylinkd")

	if err := srv.ListenAndServe(cfg.Port, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func openDatabase(url string) (*gorm.DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return gorm.Open(postgres.Open(url), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(url), &gorm.Config{})
}

func buildLimits(txs *txledger.Ledger, policy config.Policy) (limits.Checker, error) {
	var perTx, daily int64
	var err error
	if policy.PerTxMax != "" {
		if perTx, err = amount.Parse(policy.PerTxMax); err != nil {
			return nil, err
		}
	}
	if policy.DailyCap != "" {
		if daily, err = amount.Parse(policy.DailyCap); err != nil {
			return nil, err
		}
	}
	if perTx == 0 && daily == 0 {
		return limits.Unlimited{}, nil
	}
	return limits.New(limits.Config{Ledger: txs, PerTxMaxMicros: perTx, DailyCapMicros: daily}), nil
}
