package server

import (
	"context"
	"net/http"
	"time"

	"custody-service/internal/client"
	"custody-service/internal/config"
	hrest "custody-service/internal/handler/rest"
	publisher "custody-service/internal/pub"
	"custody-service/internal/repository"
	"custody-service/internal/router"
	"custody-service/internal/usecase"
	"custody-service/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App bundles the HTTP server with everything that needs an orderly
// shutdown: background workers, the status tracker, the event publisher and
// the connection pools.
type App struct {
	HTTP *http.Server

	dbpool    *pgxpool.Pool
	rdb       *redis.Client
	tracker   *usecase.StatusTracker
	publisher *publisher.EventPublisher
	logger    *zap.Logger

	cancelWorkers context.CancelFunc
}

func NewApp(cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	dbpool, err := config.ConnectDB()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})

	// --- Repositories ---
	withdrawalRepo := repository.NewWithdrawalRepo(dbpool)
	approvalRepo := repository.NewApprovalRepo(dbpool)
	complianceRepo := repository.NewComplianceRepo(dbpool)
	vaultRepo := repository.NewVaultRepo(dbpool)
	auditRepo := repository.NewAuditRepo(dbpool)
	ledgerRepo := repository.NewLedgerRepo(dbpool, withdrawalRepo, approvalRepo, complianceRepo, vaultRepo, auditRepo)

	// --- Collaborator clients ---
	registry := client.NewHTTPAddressRegistry(cfg.AddressRegistryURL)
	broadcastSvc := client.NewHTTPBroadcastService(cfg.BroadcastURL)
	directory := client.NewHTTPDirectory(cfg.DirectoryURL)

	// --- Event fan-out and status cache ---
	pub := publisher.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	tracker := usecase.NewStatusTracker(rdb, 2*time.Second, logger)
	tracker.Start()

	// --- Usecases ---
	watchlist := usecase.NewRedisWatchlist(rdb)
	scorer := usecase.NewWeightedScorer(cfg.Screening, watchlist, rdb)
	rates := usecase.NewRedisRateProvider(rdb)

	approvalUC := usecase.NewApprovalUsecase(ledgerRepo, approvalRepo, logger)
	screeningUC := usecase.NewScreeningUsecase(ledgerRepo, complianceRepo, scorer, rates, cfg.Screening, logger)
	sourcingUC := usecase.NewSourcingUsecase(vaultRepo, auditRepo, logger)
	broadcastUC := usecase.NewBroadcastUsecase(broadcastSvc, cfg.RequiredConfirmations, cfg.BroadcastTimeout, logger)
	auditUC := usecase.NewAuditUsecase(auditRepo)

	withdrawalUC := usecase.NewWithdrawalUsecase(
		withdrawalRepo, ledgerRepo,
		approvalUC, screeningUC, sourcingUC, broadcastUC,
		registry, directory,
		tracker, pub, cfg, logger,
	)

	// --- Background workers ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	go worker.NewWindowSweeper(withdrawalUC, cfg.SweepInterval, logger).Run(workerCtx)
	go worker.NewConfirmationPoller(withdrawalUC, cfg.PollInterval, logger).Run(workerCtx)
	go worker.NewRebalanceWorker(vaultRepo, ledgerRepo, withdrawalUC, pub, cfg.PollInterval, logger).Run(workerCtx)
	go worker.NewRatioMonitor(vaultRepo, sourcingUC, pub, cfg.DeviationTolerance, cfg.RatioCheckInterval, logger).Run(workerCtx)

	// --- HTTP ---
	handler := hrest.NewCustodyRestHandler(withdrawalUC, screeningUC, sourcingUC, auditUC)
	r := chi.NewRouter()
	router.SetupRoutes(r, handler)

	return &App{
		HTTP: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: r,
		},
		dbpool:        dbpool,
		rdb:           rdb,
		tracker:       tracker,
		publisher:     pub,
		logger:        logger,
		cancelWorkers: cancelWorkers,
	}, nil
}

// Shutdown stops workers first so no new transitions start, drains the HTTP
// server, then closes the tracker, publisher and pools.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancelWorkers()

	err := a.HTTP.Shutdown(ctx)

	a.tracker.Stop()
	if pubErr := a.publisher.Close(); pubErr != nil {
		a.logger.Warn("publisher close", zap.Error(pubErr))
	}
	if redisErr := a.rdb.Close(); redisErr != nil {
		a.logger.Warn("redis close", zap.Error(redisErr))
	}
	a.dbpool.Close()

	return err
}
