// Command server runs the campus communications backend: the notification
// dispatch queue, the conversational assistant, and their shared HTTP API.
//
// Startup order:
//  1. .env + environment configuration
//  2. zerolog global logger
//  3. OpenTelemetry tracing (optional, OTLP/gRPC)
//  4. SQLite open + schema migration + starter seed
//  5. per-channel dispatch pools and the maintenance sweeper
//  6. Gin HTTP server
//
// Shutdown reverses the order on SIGINT/SIGTERM: the HTTP listener drains
// first, then the pools finish in-flight deliveries, then the sweeper flushes
// buffered counters a final time.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campushub/go-comms-backend/internal/classify"
	"github.com/campushub/go-comms-backend/internal/config"
	"github.com/campushub/go-comms-backend/internal/dispatch"
	"github.com/campushub/go-comms-backend/internal/domain"
	httpapi "github.com/campushub/go-comms-backend/internal/http"
	"github.com/campushub/go-comms-backend/internal/observability"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/seed"
	"github.com/campushub/go-comms-backend/internal/services"
	"github.com/campushub/go-comms-backend/internal/sweep"
	"github.com/campushub/go-comms-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	// Logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	sysutil.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	if err := seed.Starter(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	}

	// Services (shared by HTTP, dispatch, and sweep)
	notifSvc := &services.NotificationService{DB: db, Dispatch: cfg.Dispatch}
	notifSvc.OnPermanentFailure = func(item *domain.NotificationItem, reason string) {
		dispatch.CountPermanentFailure(string(item.Channel))
		log.Warn().
			Str("item_id", item.ID).
			Str("user_id", item.UserID).
			Str("channel", string(item.Channel)).
			Str("reason", reason).
			Msg("notification failed terminally")
	}
	prefSvc := &services.PreferenceService{DB: db}
	kbSvc := services.NewKnowledgeService(db, cfg.Conversation.FallbackLanguage)
	classifier := classify.NewKeywordClassifier(classify.DefaultRules())
	convSvc := services.NewConversationService(db, cfg.Conversation, classifier, kbSvc)
	convSvc.Notify = notifSvc.Notify // escalations route to the agent queue
	sugSvc := &services.SuggestionService{DB: db}

	// Dispatch pools, one per channel. Email/push/SMS ship with the log
	// sender until provider clients are wired; in-app items are their own
	// inbox entries.
	pools := []*dispatch.Pool{
		dispatch.NewPool(db, cfg.Dispatch, domain.ChannelEmail, notifSvc, prefSvc, dispatch.LogSender(domain.ChannelEmail)),
		dispatch.NewPool(db, cfg.Dispatch, domain.ChannelPush, notifSvc, prefSvc, dispatch.LogSender(domain.ChannelPush)),
		dispatch.NewPool(db, cfg.Dispatch, domain.ChannelInApp, notifSvc, prefSvc, dispatch.InAppSender()),
		dispatch.NewPool(db, cfg.Dispatch, domain.ChannelSMS, notifSvc, prefSvc, dispatch.LogSender(domain.ChannelSMS)),
	}
	var pwg sync.WaitGroup
	for _, p := range pools {
		pwg.Add(1)
		go func(p *dispatch.Pool) {
			defer pwg.Done()
			p.Run(ctx)
		}(p)
	}

	// Maintenance sweeper
	sweeper := sweep.New(db, cfg.Sweep, cfg.Dispatch.ClaimTimeout, convSvc, kbSvc)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("sweeper start failed")
	}

	// HTTP
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Services{
		Conversations: convSvc,
		Notifications: notifSvc,
		Preferences:   prefSvc,
		Knowledge:     kbSvc,
		Suggestions:   sugSvc,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Drain HTTP first so no new work arrives while the pools wind down.
	sdctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sdctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	pwg.Wait()
	sweeper.Stop()
	log.Info().Msg("bye")
}
