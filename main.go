package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"readaloud/internal/api"
	"readaloud/internal/audio"
	"readaloud/internal/auth"
	"readaloud/internal/blob"
	"readaloud/internal/config"
	"readaloud/internal/documents"
	"readaloud/internal/extract"
	"readaloud/internal/insight"
	"readaloud/internal/reader"
	"readaloud/internal/redis"
	"readaloud/internal/service/ai"
	"readaloud/internal/storage"
	"readaloud/internal/tts"
	"readaloud/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const extractCacheSize = 256

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("load .env")
	}

	cfg, err := config.Load(os.Getenv("READALOUD_CONFIG"))
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	setupLogging(cfg.BasicConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("READALOUD_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logrus.WithField("driver", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logrus.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logrus.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			logrus.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	store, err := blob.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("open blob store: %v", err)
	}

	hub := documents.NewHub()
	repo := documents.NewRepository(db, hub)
	maxUpload := int64(cfg.BasicConfig.MaxUploadMB) << 20
	docs := documents.NewService(repo, store, maxUpload)

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)

	textCache := extract.Tiered{}
	if mem, err := extract.NewMemoryCache(extractCacheSize); err == nil {
		textCache = append(textCache, mem)
	}
	if rdb != nil {
		textCache = append(textCache, extract.NewRedisCache(rdb, 0))
	}
	pipeline := extract.NewPipeline(store, textCache)

	var generator insight.Generator
	if aiService, err := ai.New(ctx, cfg); err != nil {
		logrus.WithError(err).Warn("AI insights disabled")
	} else {
		generator = aiService
	}

	var ttsService *tts.Service
	if prov, ok := cfg.Provider(cfg.TTS.Provider); ok {
		synth, err := tts.NewOpenAISynthesizer(prov, cfg.TTS)
		if err != nil {
			logrus.WithError(err).Warn("audio rendering disabled")
		} else {
			ttsService = tts.NewService(synth, store, repo, cfg.TTS.MinTextLength, cfg.TTS.MaxTextLength)
		}
	} else {
		logrus.WithField("provider", cfg.TTS.Provider).Warn("audio rendering disabled: provider not configured")
	}

	sweeper := tts.NewSweeper(repo, store, time.Duration(cfg.TTS.OrphanTTLMinutes)*time.Minute)
	sweeper.Purge(authService)
	if err := sweeper.Start(cfg.TTS.SweepSchedule); err != nil {
		logrus.Fatalf("start artifact sweeper: %v", err)
	}
	defer sweeper.Stop()

	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)
	defer dispatcher.Stop()

	var renderer audio.Renderer
	var ownerRenderer audio.OwnerRenderer
	if ttsService != nil {
		ownerRenderer = ttsService
	}
	switch {
	case cfg.TTS.Endpoint != "":
		renderer = audio.NewHTTPRenderer(cfg.TTS.Endpoint, nil)
	case ttsService != nil:
		renderer = audio.NewLocalRenderer(authService, ttsService)
	}

	readers := reader.NewManager(reader.Deps{
		Source:      repo,
		Store:       docs,
		Extractor:   pipeline,
		Generator:   generator,
		Renderer:    renderer,
		Persister:   docs,
		Jobs:        dispatcher,
		DefaultQuiz: cfg.Insight.DefaultQuestion,
	})
	defer readers.Shutdown()

	if rdb != nil {
		hub.AttachRedis(ctx, rdb)
		authService.AttachRedis(ctx)
		readers.AttachRedis(ctx, rdb)
	}

	handler := api.NewHandler(api.Options{
		Auth:           authService,
		Documents:      docs,
		Renderer:       ownerRenderer,
		Insights:       generator,
		Readers:        readers,
		RateLimit:      cfg.RateLimit,
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
		MaxUploadBytes: maxUpload,
		DefaultQuiz:    cfg.Insight.DefaultQuestion,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("server shutdown")
		}
	}()

	logrus.WithField("addr", srv.Addr).Info("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Fatalf("server stopped: %v", err)
	}
}

func setupLogging(cfg config.BasicConfig) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level >= logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}
