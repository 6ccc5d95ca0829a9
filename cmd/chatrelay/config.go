package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/drblury/chatrelay"
)

const envPrefix = "CHATRELAY"

// legacyEnv maps config keys to the unprefixed variables of the original
// deployment. The prefixed CHATRELAY_ variable wins when both are set.
var legacyEnv = map[string]string{
	"rabbitmq-url":    "RABBITMQ_URL",
	"ai-api-key":      "AI_API_KEY",
	"ai-model":        "AI_MODEL",
	"ai-api-url":      "AI_API_URL",
	"database-url":    "DATABASE_URL",
	"redis-url":       "REDIS_URL",
	"allowed-origins": "CORS_ORIGINS",
	"backend-port":    "BACKEND_PORT",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		// Names come from registerFlags, so binding cannot fail.
		_ = v.BindPFlag(flag.Name, flag)
	})
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, env)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// loadConfigFile reads --config (or CHATRELAY_CONFIG) when it is set.
func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// loadConfig resolves flags, environment and config file into a Config.
// Validation is left to NewService.
func loadConfig(v *viper.Viper) chatrelay.Config {
	return chatrelay.Config{
		ServiceName:      v.GetString("service-name"),
		PubSubSystem:     strings.ToLower(strings.TrimSpace(v.GetString("pubsub"))),
		RequestExchange:  v.GetString("request-exchange"),
		RequestQueue:     v.GetString("request-queue"),
		ResponseExchange: v.GetString("response-exchange"),
		ResponseQueue:    v.GetString("response-queue"),

		RabbitMQURL:        v.GetString("rabbitmq-url"),
		KafkaBrokers:       listValue(v, "kafka-brokers"),
		KafkaConsumerGroup: v.GetString("kafka-consumer-group"),
		NATSURL:            v.GetString("nats-url"),
		RedisURL:           v.GetString("redis-url"),
		RedisConsumerGroup: v.GetString("redis-consumer-group"),
		AWSRegion:          v.GetString("aws-region"),
		AWSAccountID:       v.GetString("aws-account-id"),
		AWSAccessKeyID:     v.GetString("aws-access-key-id"),
		AWSSecretAccessKey: v.GetString("aws-secret-access-key"),
		AWSEndpoint:        v.GetString("aws-endpoint"),
		ChannelBuffer:      v.GetInt64("channel-buffer"),
		PublisherMode:      v.GetString("publisher-mode"),

		HTTPAddress:         httpAddress(v),
		AllowedOrigins:      listValue(v, "allowed-origins"),
		RequireUUIDClientID: v.GetBool("require-uuid-client-id"),
		WriteTimeout:        v.GetDuration("write-timeout"),
		SendBuffer:          v.GetInt("send-buffer"),

		AIProvider:              strings.ToLower(strings.TrimSpace(v.GetString("ai-provider"))),
		AIAPIKey:                v.GetString("ai-api-key"),
		AIModel:                 v.GetString("ai-model"),
		AIAPIURL:                v.GetString("ai-api-url"),
		CompletionTimeout:       v.GetDuration("completion-timeout"),
		CompletionMaxAttempts:   v.GetInt("completion-max-attempts"),
		CompletionBackoffBase:   v.GetDuration("completion-backoff-base"),
		CompletionBackoffMax:    v.GetDuration("completion-backoff-max"),
		CompletionRetryAfterMax: v.GetDuration("completion-retry-after-max"),
		EchoLatency:             v.GetDuration("echo-latency"),

		StoreDriver:  strings.ToLower(strings.TrimSpace(v.GetString("store-driver"))),
		DatabaseURL:  v.GetString("database-url"),
		SQLiteFile:   v.GetString("sqlite-file"),
		StoreTimeout: v.GetDuration("store-timeout"),

		ReconnectDelay:       v.GetDuration("reconnect-delay"),
		ReconnectMaxDelay:    v.GetDuration("reconnect-max-delay"),
		PoisonQueue:          v.GetString("poison-queue"),
		RetryMaxRetries:      v.GetInt("retry-max-retries"),
		RetryInitialInterval: v.GetDuration("retry-initial-interval"),
		RetryMaxInterval:     v.GetDuration("retry-max-interval"),

		MetricsEnabled: v.GetBool("metrics"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
	}
}

// httpAddress honours BACKEND_PORT unless the address was set explicitly.
func httpAddress(v *viper.Viper) string {
	if !v.IsSet("http-address") {
		if port := strings.TrimSpace(v.GetString("backend-port")); port != "" {
			return ":" + port
		}
	}
	return v.GetString("http-address")
}

// listValue accepts both repeated flags and comma-separated strings from the
// environment.
func listValue(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
