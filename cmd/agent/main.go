package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"presence/internal/auth"
	"presence/internal/camera"
	"presence/internal/config"
	"presence/internal/contentapi"
	"presence/internal/faceengine"
	"presence/internal/flow"
	"presence/internal/geofence"
	"presence/internal/httpmiddleware"
	"presence/internal/journal"
	"presence/internal/liveness"
	"presence/internal/recognition"
)

// agent owns the long-lived collaborators and the current session.
type agent struct {
	cfg      config.App
	log      *zap.Logger
	api      *contentapi.Client
	engine   *faceengine.Client
	location geofence.LocationProvider
	jrnl     journal.Journal
	recent   *journal.Recent

	mu      sync.Mutex
	current *flow.Session
	cancel  context.CancelFunc
}

func main() {
	cfg := config.Load()

	var log *zap.Logger
	var err error
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("agent failed", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := faceengine.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := engine.Health(ctx); err != nil {
			log.Warn("face service not available at startup", zap.Error(err))
		}
	}

	var jrnl journal.Journal
	var redisClient *redis.Client
	if cfg.JournalBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
		})
		jrnl = journal.NewRedisJournal(redisClient, "presence:events")
	} else {
		jrnl = journal.NewInMemory(64)
	}

	a := &agent{
		cfg:      cfg,
		log:      log,
		api:      contentapi.NewClient(cfg.APIBaseURL, cfg.APIToken),
		engine:   engine,
		location: newLocationProvider(cfg),
		jrnl:     jrnl,
		recent:   journal.NewRecent(50),
	}

	events, err := jrnl.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for evt := range events {
			a.recent.Add(evt)
			log.Info("flow event",
				zap.String("session", evt.SessionID),
				zap.String("type", evt.Type),
				zap.String("detail", evt.Detail))
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		faceOK := engine.Health(c.Request.Context()) == nil
		redisOK := true
		if redisClient != nil {
			redisOK = redisClient.Ping(c.Request.Context()).Err() == nil
		}
		if !faceOK || !redisOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "face_service": faceOK, "journal": redisOK})
	})

	r.POST("/v1/session/start", a.handleStart)
	r.GET("/v1/session", a.handleState)
	r.POST("/v1/session/abort", a.handleAbort)
	r.GET("/v1/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": a.recent.Events()})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("status server listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	a.abortCurrent()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// newLocationProvider picks the sensor: a local geolocation daemon when
// configured, otherwise the fixed mount position.
func newLocationProvider(cfg config.App) geofence.LocationProvider {
	if cfg.LocationURL != "" {
		return geofence.NewHTTPProvider(cfg.LocationURL)
	}
	return &geofence.StaticProvider{Position: geofence.Position{
		Latitude:  cfg.StaticLatitude,
		Longitude: cfg.StaticLongitude,
	}}
}

func (a *agent) flowConfig() flow.Config {
	rc := recognition.DefaultConfig()
	rc.DistanceThreshold = a.cfg.RecognitionThreshold
	rc.MinHits = a.cfg.RecognitionMinHits
	rc.MinDuration = a.cfg.RecognitionDuration
	rc.NoFaceTimeout = a.cfg.NoFaceTimeout

	lc := liveness.DefaultConfig()
	lc.NoFaceTimeout = a.cfg.NoFaceTimeout

	return flow.Config{Recognition: rc, Liveness: lc}
}

// handleStart launches one attendance session. Only a single session may
// run at a time; the camera is a singleton resource.
func (a *agent) handleStart(c *gin.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		switch a.current.Phase() {
		case flow.PhaseDone, flow.PhaseFailed:
			// previous session finished, allow a new one
		default:
			c.JSON(http.StatusConflict, gin.H{"error": "session already running"})
			return
		}
	}

	claims, err := auth.ParseToken(a.cfg.APIToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login token invalid"})
		return
	}
	if err := claims.CheckFresh(time.Now()); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login token expired"})
		return
	}

	role, err := contentapi.ParseRole(a.cfg.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subject, err := a.api.SubjectProfile(c.Request.Context(), role, claims.SubjectID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	device := camera.NewVideoCaptureDevice(a.cfg.CameraIndex)
	cam := camera.NewManager(device, camera.EnumerateDevices, a.log)

	session := flow.NewSession(subject, a.api, a.engine, cam, a.location, a.jrnl, a.flowConfig(), a.log)

	ctx, cancel := context.WithCancel(context.Background())
	a.current = session
	a.cancel = cancel

	go func() {
		if err := session.Run(ctx); err != nil {
			a.log.Warn("session ended without a record",
				zap.String("session", session.ID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"session_id": session.ID})
}

// handleState reports the running session's phase for the kiosk UI.
func (a *agent) handleState(c *gin.Context) {
	a.mu.Lock()
	session := a.current
	a.mu.Unlock()

	if session == nil {
		c.JSON(http.StatusOK, gin.H{"phase": string(flow.PhaseIdle)})
		return
	}

	resp := gin.H{
		"session_id":  session.ID,
		"phase":       string(session.Phase()),
		"progress":    session.Progress(),
		"instruction": session.Instruction(),
	}
	if f := session.Failure(); f != nil {
		resp["failure"] = string(f.Kind)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *agent) handleAbort(c *gin.Context) {
	a.abortCurrent()
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func (a *agent) abortCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}
