// Package settler wires the withdrawal settlement daemon: queue store,
// ledger client, scheduler and the operational HTTP surface.
package settler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-dex/liquidityd/pkg/db/queue"
	"github.com/meridian-dex/liquidityd/pkg/ledger"
	"github.com/meridian-dex/liquidityd/pkg/logging"
	redisclient "github.com/meridian-dex/liquidityd/pkg/redis"
	"github.com/meridian-dex/liquidityd/pkg/scheduler"
	"github.com/meridian-dex/liquidityd/pkg/settler"
	"github.com/meridian-dex/liquidityd/pkg/utils"
)

// SettlementJobName identifies the recurring pipeline job.
const SettlementJobName = "withdrawal-settlement"

type App struct {
	Logger    *zap.Logger
	QueueDB   *queue.DB
	Redis     *redisclient.Client
	Ledger    ledger.Client
	Pipeline  *settler.Pipeline
	Scheduler *scheduler.Scheduler

	// Server serves healthz/readyz and /metrics.
	Server *http.Server
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New("settler")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	queueDB, err := queue.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to the queue store", zap.Error(err))
	}
	if err := queueDB.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize the queue store", zap.Error(err))
	}

	// Redis carries best-effort settlement events and the cross-replica
	// lease. Deployments without it run single-instance with the local
	// single-flight guard only.
	var (
		rdb    *redisclient.Client
		events settler.Events
		lease  scheduler.Lease
	)
	if utils.EnvBool("REDIS_ENABLED", true) {
		rdb, err = redisclient.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
		events = rdb
		lease = rdb
	}

	ledgerClient := ledger.NewHTTPWithOpts(ledger.Opts{
		Endpoints:       utils.EnvList("SETTLE_LEDGER_ENDPOINTS", []string{"http://localhost:50052"}),
		RPS:             utils.EnvInt("SETTLE_LEDGER_RPS", 20),
		Burst:           utils.EnvInt("SETTLE_LEDGER_BURST", 40),
		BreakerFailures: 3,
		BreakerCooldown: 5 * time.Second,
	})

	pipeline := settler.New(logger, queueDB, ledgerClient, events, settler.ConfigFromEnv())

	sched := scheduler.New(logger, lease)
	interval := time.Duration(utils.EnvInt64("SETTLE_TICK_INTERVAL_SECONDS", 300)) * time.Second
	if err := sched.Add(ctx, scheduler.Job{
		Name:     SettlementJobName,
		Interval: interval,
		Run:      pipeline.Tick,
	}); err != nil {
		logger.Fatal("Unable to register the settlement job", zap.Error(err))
	}

	app := &App{
		Logger:    logger,
		QueueDB:   queueDB,
		Redis:     rdb,
		Ledger:    ledgerClient,
		Pipeline:  pipeline,
		Scheduler: sched,
	}
	app.SetupServer()
	return app
}

// SetupServer sets up the operational HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3004")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a.Ready(req.Context()) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

// Ready reports whether the daemon can reach its collaborators.
func (a *App) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.QueueDB.Health(ctx); err != nil {
		return false
	}
	if a.Redis != nil {
		if err := a.Redis.Health(ctx); err != nil {
			return false
		}
	}
	return true
}

// Start runs the scheduler and HTTP server until the context is cancelled.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error("HTTP server error", zap.Error(err))
	}
	a.Stop()
}

// Stop tears everything down in dependency order.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Pipeline.Close()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.QueueDB.Close()
	a.Logger.Info("Settlement daemon shut down")
}
