package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/quizwire/trivia-gateway/pkg/logger"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Config holds every env-derived value the process uses. Only this
// struct must be used to hold configuration; no component reads the
// environment directly.
type Config struct {
	AppEnv   string `env:"APP_ENV" default:"dev"`
	AppName  string `env:"APP_NAME" default:"trivia_gateway"`
	AppDebug bool   `env:"APP_DEBUG" default:"1"`

	HttpListenAddr string `env:"HTTP_LISTEN_ADDR" default:":8080"`

	StoreBaseURL        string        `env:"STORE_BASE_URL"`
	StoreAPIKey         string        `env:"STORE_API_KEY"`
	StoreBaseID         string        `env:"STORE_BASE_ID"`
	StoreUsersTable     string        `env:"STORE_USERS_TABLE" default:"users"`
	StoreQuestionsTable string        `env:"STORE_QUESTIONS_TABLE" default:"questions"`
	StoreResultsTable   string        `env:"STORE_RESULTS_TABLE" default:"user_results"`
	StoreMessagesTable  string        `env:"STORE_MESSAGES_TABLE" default:"messages"`
	StoreTimeout        time.Duration `env:"STORE_TIMEOUT" default:"5s"`

	GatewayURL      string        `env:"GATEWAY_URL"`
	GatewayAPIKey   string        `env:"GATEWAY_API_KEY"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" default:"10s"`
	ReplyWebhookURL string        `env:"REPLY_WEBHOOK_URL"`

	// inbound deliveries older than this are rejected as replays
	WebhookFreshnessWindow time.Duration `env:"WEBHOOK_FRESHNESS_WINDOW" default:"15m"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE" default:"trivia"`
	MetricsAddr   string `env:"METRICS_ADDR"`

	DispatchWorkers int `env:"DISPATCH_WORKERS" default:"8"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
