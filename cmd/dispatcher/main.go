package main

import (
	"context"
	"os"
	"strings"

	"github.com/quizwire/trivia-gateway/internal/config"
	"github.com/quizwire/trivia-gateway/internal/gateway"
	"github.com/quizwire/trivia-gateway/internal/services"
	"github.com/quizwire/trivia-gateway/internal/store"
	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/quizwire/trivia-gateway/pkg/prom"
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
		os.Exit(1)
	}

	recordStore, err := store.NewClient(&store.Config{
		BaseURL: config.Get().StoreBaseURL,
		APIKey:  config.Get().StoreAPIKey,
		BaseID:  config.Get().StoreBaseID,
		Timeout: config.Get().StoreTimeout,
	})
	if err != nil {
		logger.Error("failed creating store client", "error", err)
		os.Exit(1)
	}

	smsClient, err := gateway.NewClient(&gateway.Config{
		URL:             config.Get().GatewayURL,
		APIKey:          config.Get().GatewayAPIKey,
		ReplyWebhookURL: config.Get().ReplyWebhookURL,
		Timeout:         config.Get().GatewayTimeout,
	})
	if err != nil {
		logger.Error("failed creating gateway client", "error", err)
		os.Exit(1)
	}

	if err := prom.Create(config.Get().AppName, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed creating prometheus metrics", "error", err)
	}

	tables := services.Tables{
		Users:     config.Get().StoreUsersTable,
		Questions: config.Get().StoreQuestionsTable,
		Results:   config.Get().StoreResultsTable,
		Messages:  config.Get().StoreMessagesTable,
	}

	dispatcher := services.NewDispatchService(
		recordStore,
		smsClient,
		services.NewQuestionSelector(),
		tables,
		config.Get().DispatchWorkers,
	)

	report, err := dispatcher.DispatchCycle(context.Background())
	if err != nil {
		logger.Error("dispatch cycle failed", "error", err)
		os.Exit(1)
	}

	logger.Info("dispatch cycle finished",
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
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
