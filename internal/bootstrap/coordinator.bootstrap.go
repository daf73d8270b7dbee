package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/quantarc/execd/internal/broker"
	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/connection"
	"github.com/quantarc/execd/internal/coordinator"
	"github.com/quantarc/execd/internal/dispatcher"
	"github.com/quantarc/execd/internal/entity"
	httpHandler "github.com/quantarc/execd/internal/handler/execution/http"
	"github.com/quantarc/execd/internal/infrastructure"
	"github.com/quantarc/execd/internal/monitor"
	"github.com/quantarc/execd/internal/positions"
	"github.com/quantarc/execd/internal/repository"
	"github.com/quantarc/execd/internal/riskgate"
	"github.com/quantarc/execd/internal/store"
	"github.com/quantarc/execd/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// auditTrail is everything the coordinator process needs from the audit
// log implementation: the coordinator's read/append surface plus startup
// replay.
type auditTrail interface {
	coordinator.AuditTrail
	Replay(ctx context.Context, apply func(entity.AuditEvent) error) error
}

func StartCoordinator(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOps := map[string]operation{}

	// Audit trail: postgres when configured, in-memory otherwise (paper
	// and local runs).
	var trail auditTrail
	auditDBConfig, hasAuditDB := config.Env.Database["audit"]
	if hasAuditDB && auditDBConfig.DSN != "" {
		auditDB, err := infrastructure.NewPostgresConnection(ctx, auditDBConfig)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, auditDB, auditDBConfig.PingInterval)

		trail = repository.NewAuditRepository(auditDB)

		shutdownOps["audit database"] = func(ctx context.Context) error {
			cancel()
			return auditDB.Close()
		}
	} else {
		logrus.Warn("audit database not configured, using in-memory audit trail")
		trail = repository.NewMemoryAuditTrail()
	}

	// Monitoring: jetstream when configured.
	var emitter monitor.Emitter = monitor.NopEmitter{}
	if config.Env.NatsJetstream.URL != "" {
		nc, js, err := infrastructure.NewJetstream()
		util.ContinueOrFatal(err)

		jsEmitter := monitor.NewJetstreamEmitter(js)
		err = jsEmitter.JetstreamEventInit(ctx)
		util.ContinueOrFatal(err)
		emitter = jsEmitter

		shutdownOps["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		}
	}

	orderStore := store.New(trail)

	// Rebuild order state from the durable audit log before accepting
	// traffic or reconciling against the broker.
	err := trail.Replay(ctx, orderStore.Restore)
	util.ContinueOrFatal(err)
	logrus.Infof("order state restored, %d orders known", len(orderStore.Snapshot()))

	book := positions.NewBook()

	var cache positions.Cache = positions.NopCache{}
	if config.Env.Redis.CacheDSN != "" {
		redisCache, err := positions.NewRedisCache(config.Env.Redis.CacheDSN, config.Env.Execution.PositionStaleness)
		util.ContinueOrFatal(err)
		cache = redisCache

		shutdownOps["redis cache"] = func(ctx context.Context) error {
			return redisCache.Close()
		}
	}

	gate := riskgate.New(config.Env.Risk, book.Exposure)

	supervisor := connection.NewSupervisor(brokerDialer(config.Env.Broker), config.Env.Broker, emitter)

	subscribers := coordinator.NewSubscribers()
	subscribers.Add(coordinator.BookListener{Apply: book.Apply})

	executionCoordinator := coordinator.New(
		orderStore,
		gate,
		supervisor,
		trail,
		book,
		cache,
		emitter,
		subscribers,
		config.Env.Broker,
	)

	reconciler := coordinator.NewReconciler(orderStore, supervisor, book, cache, emitter, subscribers, config.Env.Execution)

	// Submissions that park in UNKNOWN pull the next reconcile pass
	// forward instead of waiting out the periodic interval.
	executionCoordinator.OnUnresolved(reconciler.Trigger)

	// Every (re)connect reconciles before submissions resume.
	supervisor.OnConnected(func(session entity.BrokerSession) {
		reconcileCtx, reconcileCancel := context.WithTimeout(ctx, 30*time.Second)
		defer reconcileCancel()

		if err := reconciler.Reconcile(reconcileCtx, session); err != nil {
			logrus.Errorf("post-connect reconcile failed: %v", err)
		}
	})

	eventDispatcher := dispatcher.New(orderStore, subscribers, emitter, config.Env.Execution.DispatchWorkers)
	eventDispatcher.Run(supervisor.Events())
	shutdownOps["event dispatcher"] = func(ctx context.Context) error {
		eventDispatcher.Stop()
		return nil
	}

	err = supervisor.Connect(ctx)
	util.ContinueOrFatal(err)
	shutdownOps["broker session"] = func(ctx context.Context) error {
		return supervisor.Close()
	}

	go reconciler.Run(ctx)

	executionHTTPHandler := httpHandler.NewExecutionHTTPHandler(executionCoordinator)
	httpMux := http.NewServeMux()
	executionHTTPHandler.Register(httpMux)
	registerHealthEndpoints(httpMux, executionCoordinator)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["execution_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	shutdownOps["http"] = func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, shutdownOps)

	<-wait
}

func brokerDialer(cfg config.BrokerConfig) entity.SessionDialer {
	if cfg.Paper {
		logrus.Info("paper trading mode, using in-process broker")
		return &broker.PaperDialer{AutoFill: true, FillDelay: 50 * time.Millisecond}
	}

	return broker.NewWSDialer(cfg)
}

func registerHealthEndpoints(mux *http.ServeMux, executionCoordinator *coordinator.Coordinator) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if executionCoordinator.ConnectionState() != entity.ConnectionStateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(string(executionCoordinator.ConnectionState())))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
