package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/bus"
	"github.com/voxhall/voxhall/internal/v1/config"
	"github.com/voxhall/voxhall/internal/v1/health"
	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/middleware"
	"github.com/voxhall/voxhall/internal/v1/ratelimit"
	"github.com/voxhall/voxhall/internal/v1/registry"
	"github.com/voxhall/voxhall/internal/v1/sfu"
	"github.com/voxhall/voxhall/internal/v1/tracing"
	"github.com/voxhall/voxhall/internal/v1/transport"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/internal/v1/webinar"
)

// joinTokenTTL bounds how long a minted join token can be replayed against
// the WebSocket handshake. Long enough to survive reconnect storms, short
// enough that a leaked token goes stale the same day.
const joinTokenTTL = 6 * time.Hour

func main() {
	// .env is a local development convenience. Paths cover running from the
	// repo root and from inside cmd/v1/signaling.
	var envPath string
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			envPath = path
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(context.Background(), "Environment validation failed", zap.Error(err))
	}

	if err := logging.Initialize(cfg.Development()); err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}

	ctx := context.Background()
	if envPath != "" {
		logging.Info(ctx, "Loaded environment file", zap.String("path", envPath))
	}
	if cfg.Development() {
		logging.Info(ctx, "Running in DEVELOPMENT mode")
	}

	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		tracerProvider, err = tracing.InitTracer(ctx, "signaling-core", cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector unreachable", zap.Error(err))
			tracerProvider = nil
		} else {
			logging.Info(ctx, "Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	healthHandler := health.NewHandler()

	// --- Event bus ---
	// Redis and NATS failures fall back to the in-memory bus so a broker
	// outage degrades to single-instance mode instead of refusing to boot.
	var busService types.BusService
	switch cfg.BusBackend {
	case config.BusBackendRedis:
		rb, rerr := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if rerr != nil {
			logging.Error(ctx, "Redis unreachable, falling back to in-memory bus", zap.Error(rerr))
			busService = bus.NewMemoryBus()
		} else {
			logging.Info(ctx, "Redis bus initialized", zap.String("addr", cfg.RedisAddr))
			busService = rb
		}
	case config.BusBackendNATS:
		nb, nerr := bus.NewNATSBus(cfg.NATSUrl)
		if nerr != nil {
			logging.Error(ctx, "NATS unreachable, falling back to in-memory bus", zap.Error(nerr))
			busService = bus.NewMemoryBus()
		} else {
			logging.Info(ctx, "NATS bus initialized", zap.String("url", cfg.NATSUrl))
			busService = nb
		}
	default:
		logging.Info(ctx, "In-memory bus, single-instance mode")
		busService = bus.NewMemoryBus()
	}
	if p, ok := busService.(interface{ Ping(context.Context) error }); ok {
		healthHandler.AddCheck("bus", p.Ping)
	}

	// --- SFU boundary ---
	var sfuProvider types.SFUProvider
	switch cfg.SFUMode {
	case config.SFUModeRemote:
		rp, serr := sfu.NewRemoteProvider(cfg.SFUControlURL)
		if serr != nil {
			logging.Fatal(ctx, "SFU control plane misconfigured", zap.Error(serr))
		}
		sfuProvider = rp
		healthHandler.AddCheck("sfu", rp.Ping)
		logging.Info(ctx, "Remote SFU provider initialized", zap.String("controlUrl", cfg.SFUControlURL))
	default:
		sfuProvider = sfu.NewEngine(config.ICEServersFromEnv())
		logging.Info(ctx, "In-process SFU engine initialized")
	}

	// --- Identity, tokens, tenant policy ---
	var bearer auth.BearerValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "Bearer authentication DISABLED - do not use in production")
		bearer = &auth.MockValidator{}
	} else {
		v, verr := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if verr != nil {
			logging.Fatal(ctx, "Auth validator initialization failed", zap.Error(verr))
		}
		bearer = v
		logging.Info(ctx, "JWKS validator initialized",
			zap.String("domain", cfg.AuthDomain),
			zap.String("audience", cfg.AuthAudience))
	}

	minter := auth.NewMinter(cfg.JWTSecret, joinTokenTTL)
	links := webinar.NewLinkSigner(cfg.JWTSecret, cfg.WebinarLinkBase)

	policies, err := identity.NewPolicyResolver(cfg.ClientPolicies)
	if err != nil {
		logging.Fatal(ctx, "CLIENT_POLICIES malformed", zap.Error(err))
	}

	// --- Rate limiting ---
	// The limiter shares the bus's Redis connection when one exists so all
	// instances count against the same budgets.
	var redisClient *redis.Client
	if rb, ok := busService.(*bus.RedisBus); ok {
		redisClient = rb.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Rate limiter initialization failed", zap.Error(err))
	}

	// --- Rooms and transport ---
	reg := registry.New(registry.Options{
		Bus:                        busService,
		SFU:                        sfuProvider,
		Links:                      links,
		Policies:                   policies,
		DrainRedirectURL:           cfg.DrainRedirectURL,
		DisconnectGrace:            cfg.DisconnectGrace,
		EmptyRoomGrace:             cfg.EmptyRoomGrace,
		QualityLowThreshold:        cfg.QualityLowThreshold,
		MaxDisplayNameLength:       cfg.MaxDisplayNameLength,
		WebinarDefaultMaxAttendees: cfg.WebinarDefaultMaxAttendees,
	})

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(transport.HubOptions{
		Rooms:                reg,
		Tokens:               minter,
		Limiter:              limiter,
		AllowedOrigins:       allowedOrigins,
		MaxDisplayNameLength: cfg.MaxDisplayNameLength,
	})

	joinHandler := &transport.JoinHandler{
		Bearer:               bearer,
		Minter:               minter,
		Links:                links,
		Policies:             policies,
		SFUPublicURL:         cfg.SFUPublicURL,
		MaxDisplayNameLength: cfg.MaxDisplayNameLength,
	}

	healthHandler.AddCheck("drain", func(context.Context) error {
		if reg.Draining() {
			return fmt.Errorf("instance is draining")
		}
		return nil
	})

	// --- HTTP surface ---
	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracerProvider != nil {
		router.Use(otelgin.Middleware("signaling-core"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		"Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")
	api.Use(limiter.APIMiddleware())
	{
		api.POST("/sfu/join", joinHandler.Handle)
	}

	router.GET("/ws/v1/signaling", hub.ServeWs)

	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Operator surface for rolling deploys: stop creating rooms here, let
	// existing ones drain out.
	router.POST("/internal/drain", func(c *gin.Context) {
		reg.Drain()
		c.JSON(http.StatusOK, gin.H{"status": "draining", "liveRooms": reg.RoomCount()})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info(ctx, "Signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	// Rooms first so every socket receives roomClosed before the hub tears
	// the connections down, then the HTTP listener, then the backends.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := reg.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Registry shutdown incomplete", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Hub shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server forced to stop", zap.Error(err))
	}
	if err := busService.Close(); err != nil {
		logging.Error(ctx, "Bus close failed", zap.Error(err))
	}
	if err := sfuProvider.Close(); err != nil {
		logging.Error(ctx, "SFU provider close failed", zap.Error(err))
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "Tracer shutdown failed", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exited")
	logging.Sync()
}
