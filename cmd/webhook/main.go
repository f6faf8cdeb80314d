package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quizwire/trivia-gateway/internal/config"
	"github.com/quizwire/trivia-gateway/internal/gateway"
	"github.com/quizwire/trivia-gateway/internal/handlers"
	"github.com/quizwire/trivia-gateway/internal/services"
	"github.com/quizwire/trivia-gateway/internal/store"
	xhttp "github.com/quizwire/trivia-gateway/pkg/http"
	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/quizwire/trivia-gateway/pkg/prom"
	"github.com/quizwire/trivia-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Use(xhttp.TimeoutMiddleware(time.Second * 10))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	recordStore, err := store.NewClient(&store.Config{
		BaseURL: config.Get().StoreBaseURL,
		APIKey:  config.Get().StoreAPIKey,
		BaseID:  config.Get().StoreBaseID,
		Timeout: config.Get().StoreTimeout,
	})
	if err != nil {
		logger.Error("failed creating store client", "error", err)
		return
	}

	smsClient, err := gateway.NewClient(&gateway.Config{
		URL:             config.Get().GatewayURL,
		APIKey:          config.Get().GatewayAPIKey,
		ReplyWebhookURL: config.Get().ReplyWebhookURL,
		Timeout:         config.Get().GatewayTimeout,
	})
	if err != nil {
		logger.Error("failed creating gateway client", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	tables := services.Tables{
		Users:     config.Get().StoreUsersTable,
		Questions: config.Get().StoreQuestionsTable,
		Results:   config.Get().StoreResultsTable,
		Messages:  config.Get().StoreMessagesTable,
	}

	deduper := services.NewReplyDeduper(redisAdap, services.DefaultDedupeConfig())
	notifier := services.NewFollowupNotifier(smsClient)
	correlator := services.NewCorrelateService(
		recordStore,
		notifier,
		deduper,
		tables,
		config.Get().GatewayAPIKey,
		config.Get().WebhookFreshnessWindow,
	)
	healthService := services.NewHealthService()

	webhookHandler := handlers.NewWebhookHandler(correlator)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api")
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	if err := prom.Create(config.Get().AppName, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed creating prometheus metrics", "error", err)
	}
	if config.Get().MetricsAddr != "" {
		go prom.ListenAndServer(config.Get().MetricsAddr, "/metrics")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
