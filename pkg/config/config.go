package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	SQLite       SQLiteConfig
	Redis        RedisConfig
	Zilliz       ZillizConfig
	Neo4j        Neo4jConfig
	Kafka        KafkaConfig
	LLM          LLMConfig
	Customers    CustomersConfig
	Segmentation SegmentationConfig
	Retrieval    RetrievalConfig
	Compliance   ComplianceConfig
	Pipeline     PipelineConfig
	Experiment   ExperimentConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	RateLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type CustomersConfig struct {
	DataDir string
}

type SegmentationConfig struct {
	Endpoint   string
	TimeoutSec int
}

type RetrievalConfig struct {
	TopK                int
	SimilarityThreshold float64
	ContentType         string
}

type ComplianceConfig struct {
	SafetyThreshold  float64
	BrandThreshold   float64
	LegalThreshold   float64
	BrandTones       []string
	BannedPhrases    []string
	ProhibitedClaims []string
}

type PipelineConfig struct {
	Workers         int
	StageTimeoutSec int
	RetryAttempts   int
	RetryInitialMS  int
	RetryMaxMS      int
	ReviewAttempts  int
	VariantCount    int
	Channel         string
}

type ExperimentConfig struct {
	ConfidenceThreshold float64
	MinImpressions      int64
	MinSampleSize       int64
	SweepSchedule       string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// StageTimeout is the per-attempt deadline for collaborator calls.
func (p PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutSec) * time.Second
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/campaign-agent")

	v.SetEnvPrefix("CAMPAIGN_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.LLM.EmbeddingDim <= 0 {
		return fmt.Errorf("llm.embeddingDim must be positive, got %d", c.LLM.EmbeddingDim)
	}
	if c.Retrieval.SimilarityThreshold < -1 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarityThreshold must be within [-1, 1]")
	}
	if c.Experiment.ConfidenceThreshold <= 0 || c.Experiment.ConfidenceThreshold >= 1 {
		return fmt.Errorf("experiment.confidenceThreshold must be within (0, 1)")
	}
	return nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.rateLimit", 120)
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/marketing_content.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlSec", 86400)

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "marketing_content")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "experiment-events")
	v.SetDefault("kafka.groupID", "campaign-agent")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 30)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("customers.dataDir", "./data/customers")

	v.SetDefault("segmentation.timeoutSec", 20)

	v.SetDefault("retrieval.topK", 3)
	v.SetDefault("retrieval.similarityThreshold", 0.5)
	v.SetDefault("retrieval.contentType", "email")

	v.SetDefault("compliance.safetyThreshold", 0.5)
	v.SetDefault("compliance.brandThreshold", 0.7)
	v.SetDefault("compliance.legalThreshold", 1.0)
	v.SetDefault("compliance.brandTones", []string{"friendly", "professional", "urgent", "playful"})
	v.SetDefault("compliance.bannedPhrases", []string{"cheap", "act now or lose", "click here"})
	v.SetDefault("compliance.prohibitedClaims", []string{"guaranteed", "risk-free", "100% free", "no risk", "cure"})

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.stageTimeoutSec", 30)
	v.SetDefault("pipeline.retryAttempts", 3)
	v.SetDefault("pipeline.retryInitialMS", 200)
	v.SetDefault("pipeline.retryMaxMS", 5000)
	v.SetDefault("pipeline.reviewAttempts", 2)
	v.SetDefault("pipeline.variantCount", 2)
	v.SetDefault("pipeline.channel", "email")

	v.SetDefault("experiment.confidenceThreshold", 0.95)
	v.SetDefault("experiment.minImpressions", 100)
	v.SetDefault("experiment.minSampleSize", 10000)
	v.SetDefault("experiment.sweepSchedule", "@every 1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
