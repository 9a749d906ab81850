package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/logging"
	"github.com/suPer8Hu/chat-relay/internal/notify"
	"github.com/suPer8Hu/chat-relay/internal/relay"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	store := redisstore.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer store.Close()

	gw, err := newGateway(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ai gateway")
	}
	chatSvc := chat.NewService(repo, gw, cfg.ChatContextWindowSize, cfg.SystemPrompt)

	bus, err := newBus(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("broadcast bus")
	}
	defer bus.Close()

	notifier, closeNotifier := newNotifier(cfg, repo)
	defer closeNotifier()
	fallback := notify.NewFallback(notifier, 30*time.Second)

	router := relay.NewRouter(bus, store, chatSvc, fallback)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := router.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("relay subscribe")
	}

	h := handlers.NewHandler(gdb, cfg, store, chatSvc, router)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		// hijacked sockets are not closed by Shutdown; they watch this ctx
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("instance", cfg.InstanceID).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
	// let queued offline notices finish before the process exits
	fallback.Wait()
}

func newGateway(cfg config.Config) (*ai.Gateway, error) {
	var keys []string
	for _, k := range []string{cfg.OpenAIKey, cfg.OpenAIKey2} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	creds, err := ai.CredentialsFromSettings(cfg.AIProvider, keys, cfg.OpenAIAzureEndpoint, cfg.OpenAIAzureKey, cfg.OpenAIAzureVersion)
	if err != nil {
		return nil, err
	}
	tok, err := ai.DefaultTokenizer()
	if err != nil {
		return nil, err
	}
	pool := ai.NewPool(creds, ai.NewOpenAIClient)
	return ai.NewGateway(pool, ai.NewDefaultGovernor(), tok, ai.GatewayConfig{
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
	}), nil
}

func newBus(cfg config.Config) (*relay.Bus, error) {
	logger := logging.NewWatermill(log.Logger)
	switch cfg.BusBackend {
	case "memory":
		log.Warn().Msg("in-memory bus: rooms are not shared with other instances")
		return relay.NewMemoryBus(cfg.BusTopic, cfg.InstanceID, logger), nil
	default:
		// the bus closes its client, so it never shares the store's
		client := redis.NewClient(&redis.Options{Addr: cfg.BusAddr, Password: cfg.RedisPassword})
		return relay.NewRedisBus(client, cfg.BusTopic, cfg.InstanceID, cfg.BusMaxLen, logger)
	}
}

// newNotifier prefers the queue so the worker owns retries. Without a broker
// the owner is mailed from this process.
func newNotifier(cfg config.Config, repo *chat.Repo) (notify.Notifier, func()) {
	direct := notify.NewEmailNotifier(repo, cfg.SMTP(), nil)
	if cfg.NotifyBackend != "queue" {
		return direct, func() {}
	}
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq unavailable, sending offline notices inline")
		return direct, func() {}
	}
	return pub, func() { _ = pub.Close() }
}
