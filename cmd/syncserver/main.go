package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/synccore/synccore/internal/cache"
	"github.com/synccore/synccore/internal/clock"
	"github.com/synccore/synccore/internal/dispatch"
	"github.com/synccore/synccore/internal/ids"
	"github.com/synccore/synccore/internal/memberlist"
	"github.com/synccore/synccore/internal/presence"
	"github.com/synccore/synccore/internal/session"
	"github.com/synccore/synccore/internal/store"
	"github.com/synccore/synccore/internal/syncengine"
	"github.com/synccore/synccore/internal/v1/auth"
	"github.com/synccore/synccore/internal/v1/bus"
	"github.com/synccore/synccore/internal/v1/config"
	"github.com/synccore/synccore/internal/v1/health"
	"github.com/synccore/synccore/internal/v1/logging"
	"github.com/synccore/synccore/internal/v1/middleware"
	"github.com/synccore/synccore/internal/v1/ratelimit"
	"github.com/redis/go-redis/v9"
)

// tokenValidator is the narrow surface the bootstrap endpoint needs from
// either an Auth0-backed auth.Validator or the development MockValidator.
type tokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

func main() {
	envPaths := []string{".env", "../../.env", "../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// logging isn't initialized yet; this is the one place stdlib log
		// output is correct since config validation failure means we don't
		// even know the requested log level.
		println("configuration error: " + err.Error())
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		println("failed to initialize logging: " + err.Error())
		os.Exit(1)
	}

	ctx := context.Background()
	if !envLoaded {
		logging.Warn(ctx, "no .env file found in any expected location, relying on process environment")
	}

	var validator tokenValidator
	skipAuth := os.Getenv("SKIP_AUTH") == "true"
	if skipAuth {
		logging.Warn(ctx, "authentication DISABLED (SKIP_AUTH=true) - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		auth0Domain := os.Getenv("AUTH0_DOMAIN")
		auth0Audience := os.Getenv("AUTH0_AUDIENCE")
		if auth0Domain == "" || auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH is not true")
		}
		v, err := auth.NewValidator(ctx, auth0Domain, auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize auth validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "auth validator initialized", zap.String("domain", auth0Domain))
	}

	clk := clock.Real{}
	dataStore := store.NewMemory()

	var relay *bus.RedisRelay
	var redisClient *bus.Client
	var rawRedis *redis.Client
	if cfg.RedisEnabled {
		rc, err := bus.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		redisClient = rc
		relay = bus.NewRedisRelay(rc)
		rawRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		logging.Info(ctx, "redis relay enabled", zap.String("addr", cfg.RedisAddr))
	} else {
		logging.Info(ctx, "redis disabled, running single-pod")
	}

	registry := bus.NewRegistry(relay)
	roomCache := cache.New(dataStore, cfg.CacheMaxRooms)
	sessions := session.New(dataStore, clk)

	// presence.Tracker is constructed without a publisher because the
	// dispatcher that will end up publishing its events needs a member-list
	// manager that itself needs this tracker. SetPublisher closes the loop
	// once the dispatcher exists.
	presenceTracker := presence.New(clk, nil)
	memberList := memberlist.New(roomCache, presenceTracker, clk)
	dispatcher := dispatch.New(registry, roomCache, memberList)
	presenceTracker.SetPublisher(dispatcher)

	engine := syncengine.New(sessions, roomCache, registry, presenceTracker, dataStore, clk)
	syncengine.HeartbeatInterval = cfg.HeartbeatInterval
	syncengine.PongTimeout = cfg.CloseTimeout

	limiter, err := ratelimit.NewRateLimiter(cfg, rawRedis)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}
	engine = engine.WithRateLimiter(limiter)

	healthHandler := health.NewHandler(redisClient)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/v1/sessions/bootstrap", bootstrapHandler(validator, sessions))

	allowedOrigins := corsConfig.AllowOrigins
	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(r, allowedOrigins) },
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	router.GET("/ws", func(c *gin.Context) {
		if !limiter.CheckConnect(c) {
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
			return
		}
		engine.Serve(context.Background(), &wsTransport{conn: conn})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "sync server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logging.Info(ctx, "server exiting")
}

// originAllowed reports whether r's Origin header (scheme+host) matches one
// of allowed, permitting requests with no Origin header (non-browser
// clients, and local testing) through.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// wsTransport adapts a gorilla/websocket connection to syncengine.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsTransport) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsTransport) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}

type bootstrapResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// bootstrapHandler exchanges a validated Auth0 access token for an opaque
// session token the client then presents in the sync connection's Hello
// frame. The IdP's JWT subject is assumed to already be formatted as this
// service's internal user id (no separate identity-mapping subsystem exists
// to translate between the two).
func bootstrapHandler(validator tokenValidator, sessions *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := validator.ValidateToken(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			logging.Warn(c.Request.Context(), "bootstrap token validation failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		userID, err := ids.Parse(claims.Subject)
		if err != nil {
			logging.Warn(c.Request.Context(), "bootstrap subject is not a recognized user id", zap.String("subject", claims.Subject))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unrecognized subject"})
			return
		}

		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
			return
		}
		token := base64.RawURLEncoding.EncodeToString(raw)

		expiresAt := time.Now().Add(24 * time.Hour)
		sess, err := sessions.Create(c.Request.Context(), session.HashToken(token), &expiresAt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		if _, err := sessions.Authorize(c.Request.Context(), sess, ids.UserID{ID: userID}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authorize session"})
			return
		}

		c.JSON(http.StatusOK, bootstrapResponse{
			Token:     token,
			ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		})
	}
}
