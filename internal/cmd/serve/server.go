package serve

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/ingest"
	"github.com/chirino/commsync/internal/linker"
	"github.com/chirino/commsync/internal/outbox"
	"github.com/chirino/commsync/internal/plugin/route/connections"
	"github.com/chirino/commsync/internal/plugin/route/conversations"
	routeevents "github.com/chirino/commsync/internal/plugin/route/events"
	"github.com/chirino/commsync/internal/plugin/route/links"
	routerecords "github.com/chirino/commsync/internal/plugin/route/records"
	"github.com/chirino/commsync/internal/plugin/route/syncs"
	routesystem "github.com/chirino/commsync/internal/plugin/route/system"
	"github.com/chirino/commsync/internal/plugin/route/webhooks"
	storemetrics "github.com/chirino/commsync/internal/plugin/store/metrics"
	registryevents "github.com/chirino/commsync/internal/registry/events"
	registrymigrate "github.com/chirino/commsync/internal/registry/migrate"
	"github.com/chirino/commsync/internal/registry/records"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	registrythrottle "github.com/chirino/commsync/internal/registry/throttle"
	"github.com/chirino/commsync/internal/security"
	"github.com/chirino/commsync/internal/service"
	"github.com/chirino/commsync/internal/webhook"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.SyncStore
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
	stopWorkers     context.CancelFunc
	workers         sync.WaitGroup
	closers         []func() error
}

// Shutdown stops accepting requests, waits for in-flight jobs to checkpoint
// and releases backend connections.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)

	s.stopWorkers()
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Workers did not stop before the drain timeout")
	}

	for _, closeFn := range s.closers {
		if cerr := closeFn(); cerr != nil {
			log.Warn("Close failed", "err", cerr)
		}
	}
	return err
}

// Engine is the sync engine wired to its backends, without any listener.
type Engine struct {
	Store     registrystore.SyncStore
	Records   records.Source
	Mapper    *webhook.Mapper
	Linker    *linker.Linker
	Syncs     *service.Syncs
	Messages  *service.Messages
	Scheduler *service.Scheduler
	Webhooks  *service.WebhookProcessor
	Closers   []func() error
}

// NewEngine wires the sync engine from plugins selected by cfg. ctx must
// carry cfg (config.WithContext) for the plugin loaders.
func NewEngine(ctx context.Context, cfg *config.Config, store registrystore.SyncStore) (*Engine, error) {
	e := &Engine{Store: store}

	recordsLoader, err := records.Select(cfg.RecordsType)
	if err != nil {
		return nil, err
	}
	if e.Records, err = recordsLoader(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize record source: %w", err)
	}

	throttleLoader, err := registrythrottle.Select(cfg.ThrottleType)
	if err != nil {
		return nil, err
	}
	throttle, err := throttleLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trigger throttle: %w", err)
	}
	e.Closers = append(e.Closers, throttle.Close)

	eventsLoader, err := registryevents.Select(cfg.EventsType)
	if err != nil {
		return nil, err
	}
	publisher, err := eventsLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	e.Closers = append(e.Closers, publisher.Close)

	if e.Mapper, err = webhook.NewMapper(cfg.WebhookMappingsFile); err != nil {
		return nil, fmt.Errorf("failed to load webhook mappings: %w", err)
	}

	extractor := identifier.NewExtractor(cfg.DefaultPhoneRegion)
	builder := address.NewBuilder(cfg.ChatDomain)
	ob := outbox.New(store, publisher)
	e.Linker = linker.New(store, e.Records, extractor, ob)
	pipeline := ingest.New(store, builder, e.Linker)

	orchestrator := service.NewOrchestrator(store, e.Records, extractor, builder, pipeline, ob, service.OptionsFromConfig(cfg))
	e.Webhooks = service.NewWebhookProcessor(cfg, store, e.Mapper, pipeline, builder)
	e.Scheduler = service.NewScheduler(cfg, store, orchestrator, e.Webhooks)
	e.Syncs = service.NewSyncs(store, e.Records, e.Linker, throttle, cfg.TriggerMinInterval, e.Scheduler)
	e.Messages = service.NewMessages(store, builder)
	return e, nil
}

// MountRoutes mounts every API route of the engine on router.
func (e *Engine) MountRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	syncs.MountRoutes(router, e.Syncs, auth)
	routerecords.MountRoutes(router, e.Store, auth)
	conversations.MountRoutes(router, e.Messages, auth)
	links.MountRoutes(router, e.Linker, auth)
	routeevents.MountRoutes(router, e.Store, auth)
	connections.MountRoutes(router, e.Store, e.Mapper, auth)
	webhooks.MountRoutes(router, e.Webhooks, auth)
}

// NewRouter builds the API router with the standard middleware chain.
func NewRouter(cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(security.ChangeAuditMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	return router
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting commsync",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"records", cfg.RecordsType,
		"throttle", cfg.ThrottleType,
		"events", cfg.EventsType,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Workers outlive the request that started them, so they get their own
	// context, cancelled on Shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	srv := &Server{Config: cfg, stopWorkers: stopWorkers}
	fail := func(err error) (*Server, error) {
		stopWorkers()
		for _, closeFn := range srv.closers {
			_ = closeFn()
		}
		return nil, err
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return fail(err)
	}
	rawStore, err := storeLoader(workerCtx)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize store: %w", err))
	}
	if withDB, ok := rawStore.(interface{ DB() *gorm.DB }); ok {
		sqlDB, err := withDB.DB().DB()
		if err == nil {
			srv.closers = append(srv.closers, sqlDB.Close)
			routesystem.AddReadinessCheck("database", sqlDB.PingContext)
		}
	}
	srv.Store = storemetrics.Wrap(rawStore)

	engine, err := NewEngine(workerCtx, cfg, srv.Store)
	if err != nil {
		return fail(err)
	}
	srv.closers = append(engine.Closers, srv.closers...)

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(cfg)
	if err := registryroute.Mount(router, registryroute.RouteTypeMain); err != nil {
		return fail(err)
	}
	auth := security.AuthMiddleware(security.NewTokenResolver(cfg))
	engine.MountRoutes(router, auth)
	srv.Router = router
	log.Debug("Routes mounted", "main", registryroute.Names(registryroute.RouteTypeMain),
		"management", registryroute.Names(registryroute.RouteTypeManagement))

	// Management routes go on a dedicated listener when --management-port is
	// set, otherwise on the main router.
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter, registryroute.RouteTypeManagement); err != nil {
			return fail(fmt.Errorf("failed to load management routes: %w", err))
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, srv.closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return fail(fmt.Errorf("failed to start management server: %w", err))
		}
	} else if err := registryroute.Mount(router, registryroute.RouteTypeManagement); err != nil {
		return fail(fmt.Errorf("failed to load management routes: %w", err))
	}

	srv.workers.Add(2)
	go func() {
		defer srv.workers.Done()
		engine.Scheduler.Start(workerCtx)
	}()
	go func() {
		defer srv.workers.Done()
		engine.Webhooks.Start(workerCtx)
	}()

	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		if srv.closeManagement != nil {
			_ = srv.closeManagement(context.Background())
		}
		return fail(err)
	}
	srv.Running = running

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
		"syncWorkers", cfg.SyncWorkers,
		"webhookWorkers", cfg.WebhookWorkers,
	)

	routesystem.MarkReady()
	return srv, nil
}
