package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	DBMinConns   int32  `envconfig:"NP_DB_MIN_CONNS" default:"1"`
	DBMaxConns   int32  `envconfig:"NP_DB_MAX_CONNS" default:"8"`

	PipelineFile     string `envconfig:"PIPELINE_FILE" default:""`
	SourcePriority   string `envconfig:"SOURCE_PRIORITY" default:""`
	SimhashMaxTokens int    `envconfig:"SIMHASH_MAX_TOKENS" default:"512"`
	HammingThreshold int    `envconfig:"CLUSTER_HAMMING_THRESHOLD" default:"3"`
	NeighborWindow   int    `envconfig:"CLUSTER_NEIGHBOR_WINDOW" default:"50"`
	StageMaxFailures int    `envconfig:"STAGE_MAX_FAILURES" default:"3"`

	RedisURL           string `envconfig:"REDIS_URL" default:""`
	KafkaBrokers       string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaFeedTopic     string `envconfig:"KAFKA_FEED_TOPIC" default:"canon.feed"`
	KafkaExportTopic   string `envconfig:"KAFKA_EXPORT_TOPIC" default:"canon.export"`
	KafkaConsumerGroup string `envconfig:"KAFKA_CONSUMER_GROUP" default:"canon-ingest"`

	AdminTokenHash string `envconfig:"ADMIN_TOKEN_HASH" default:""`
	DetectLanguage bool   `envconfig:"DETECT_LANGUAGE" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.StoreBackend)
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("NP_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("NP_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("NP_DB_MIN_CONNS (%d) cannot exceed NP_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SimhashMaxTokens < 1 {
		return fmt.Errorf("SIMHASH_MAX_TOKENS must be >= 1")
	}
	if c.HammingThreshold < 0 || c.HammingThreshold > 64 {
		return fmt.Errorf("CLUSTER_HAMMING_THRESHOLD must be between 0 and 64")
	}
	if c.NeighborWindow < 1 {
		return fmt.Errorf("CLUSTER_NEIGHBOR_WINDOW must be >= 1")
	}
	if c.StageMaxFailures < 1 {
		return fmt.Errorf("STAGE_MAX_FAILURES must be >= 1")
	}
	return nil
}

// SourcePriorityList returns SOURCE_PRIORITY split on commas, in order,
// without blanks or repeats.
func (c *Config) SourcePriorityList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.SourcePriority)
}

func (c *Config) KafkaBrokerList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		key := strings.ToLower(value)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	return out
}
