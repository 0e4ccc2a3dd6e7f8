/**
 * @description
 * Entry point for the payment-intent-service. It wires storage, coordination,
 * messaging and the HTTP API, then blocks until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: For database connection pooling.
 * - github.com/joho/godotenv: To load .env files for local development.
 * - github.com/redis/go-redis/v9: Distributed intent locks and create rate limiting.
 * - github.com/bloom/payment-intent-service/pkg/rabbitmq: Event producer and settlement outcome consumer.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bloom/payment-intent-service/internal/access"
	"github.com/bloom/payment-intent-service/internal/admin"
	"github.com/bloom/payment-intent-service/internal/api"
	"github.com/bloom/payment-intent-service/internal/app"
	"github.com/bloom/payment-intent-service/internal/config"
	"github.com/bloom/payment-intent-service/internal/domain"
	"github.com/bloom/payment-intent-service/internal/lock"
	"github.com/bloom/payment-intent-service/internal/permit"
	"github.com/bloom/payment-intent-service/internal/refund"
	"github.com/bloom/payment-intent-service/internal/signing"
	"github.com/bloom/payment-intent-service/internal/store"
	"github.com/bloom/payment-intent-service/pkg/allowanceclient"
	"github.com/bloom/payment-intent-service/pkg/catalogclient"
	"github.com/bloom/payment-intent-service/pkg/escrowclient"
	"github.com/bloom/payment-intent-service/pkg/oracleclient"
	"github.com/bloom/payment-intent-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repository store.Repository
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; state is lost on restart\"")
		repository = store.NewMemoryRepository()
	} else {
		dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Unable to parse database URL: %v", err)
		}
		dbConfig.MaxConns = 100
		dbConfig.MinConns = 20
		dbConfig.MaxConnLifetime = 30 * time.Minute
		dbConfig.MaxConnIdleTime = 5 * time.Minute
		dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connection established\"")

		pg := store.NewPostgresRepository(dbpool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Unable to ensure database schema: %v", err)
		}
		repository = pg
	}

	var redisClient *redis.Client
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; intent locks are process-local and create rate limiting is disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; intent locks are process-local\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; intent locks are process-local\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	var limiter app.CreateLimiter
	if redisClient != nil {
		locker = lock.Chain{locker, lock.NewRedisLocker(redisClient, cfg.RedisKeyPrefix, cfg.LockTTL())}
		limiter = app.NewRedisIntentRateLimiter(redisClient, cfg.RedisKeyPrefix, cfg.CreateRateLimitPerMinute, time.Minute)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			log.Printf("level=warn component=bootstrap msg=\"failed to connect to RabbitMQ; using fallback publisher\" err=%v", err)
		}
	}

	escrow := escrowclient.NewClient(cfg.EscrowURL, cfg.EscrowAPIKey)
	catalog := catalogclient.NewClient(cfg.CatalogURL, cfg.ServiceAPIKey)
	oracle := oracleclient.NewClient(cfg.OracleURL, cfg.ServiceAPIKey)
	allowance := allowanceclient.NewClient(cfg.AllowanceURL, cfg.ServiceAPIKey)

	verifyingContract := cfg.VerifyingContract
	if verifyingContract == "" {
		verifyingContract = domain.ZeroAddress
	}

	var operatorKey *secp256k1.PrivateKey
	defaultSigner := cfg.DefaultSigner
	if strings.TrimSpace(cfg.OperatorSigningKey) != "" {
		operatorKey, err = signing.ParsePrivateKey(cfg.OperatorSigningKey)
		if err != nil {
			log.Fatalf("Invalid OPERATOR_SIGNING_KEY: %v", err)
		}
		defer operatorKey.Zero()
		if defaultSigner == "" {
			defaultSigner = signing.AddressFromPublicKey(operatorKey.PubKey())
		}
	}
	roster := admin.NewRoster(defaultSigner, cfg.SignerList()...)

	signer := signing.NewManager(repository, roster, signing.Domain{
		Name:              cfg.SigningDomainName,
		Version:           cfg.SigningDomainVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: verifyingContract,
	}, publisher, cfg.EventsExchange)
	if operatorKey != nil {
		signer.SetOperatorKey(operatorKey)
		if !roster.IsAuthorized(signer.OperatorAddress()) {
			log.Printf("level=warn component=bootstrap msg=\"operator signing key is not in the authorized roster\" signer=%s", signer.OperatorAddress())
		}
	}

	grants := access.NewCoordinator(publisher, cfg.EventsExchange, cfg.SubscriptionPeriod())
	refunds := refund.NewCoordinator(repository, escrow, grants, locker, publisher, cfg.EventsExchange, cfg.ExternalCallTimeout())
	permits := permit.NewAdapter(escrow, allowance, signer, cfg.SettlementCurrency, cfg.PermitSpender, cfg.ExternalCallTimeout())

	service := app.NewService(app.Dependencies{
		Repo:      repository,
		Catalog:   catalog,
		Oracle:    oracle,
		Escrow:    escrow,
		Signer:    signer,
		Permits:   permits,
		Refunds:   refunds,
		Access:    grants,
		Roster:    roster,
		Locker:    locker,
		Limiter:   limiter,
		Publisher: publisher,
		Exchange:  cfg.EventsExchange,
		Fees: admin.FeeSchedule{
			PlatformFeeBps:         cfg.PlatformFeeBps,
			OperatorFeeBps:         cfg.OperatorFeeBps,
			PlatformFeeDestination: cfg.PlatformFeeDestination,
			OperatorFeeDestination: cfg.OperatorFeeDestination,
			SettlementCurrency:     cfg.SettlementCurrency,
			Issuer:                 cfg.IssuerAddress,
			MaxDeadlineWindow:      cfg.MaxDeadlineWindow(),
		},
		CallTimeout: cfg.ExternalCallTimeout(),
	})

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"settlement outcome consumer unavailable\" err=%v", err)
		} else {
			defer consumer.Close()
			outcomes := app.NewSettlementOutcomeConsumer(service)
			bindings := map[string]rabbitmq.Handler{
				domain.RoutingKeySettlementSucceeded: outcomes.HandleMessage,
				domain.RoutingKeySettlementFailed:    outcomes.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.OutcomeQueue, bindings); err != nil {
				log.Printf("level=error component=bootstrap msg=\"failed to start settlement outcome consumer\" err=%v", err)
			}
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(refunds, repository, publisher, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handler := api.NewHandler(service)
	router := api.NewRouter(handler, api.AuthConfig{
		JWKSURL:    cfg.JWKSURL,
		HMACSecret: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
	}, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=bootstrap msg=\"payment intent service starting\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", cfg.ServerPort, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("level=info component=bootstrap msg=\"shutting down server\"")

	<-scheduler.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=bootstrap msg=\"server forced to shutdown\" err=%v", err)
	}

	refunds.Wait()
	log.Println("level=info component=bootstrap msg=\"server exiting\"")
}
