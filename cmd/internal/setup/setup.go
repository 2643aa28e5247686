// Package setup loads the process configuration shared by the bench binaries
// and wires the infrastructure clients: Redis-backed queues, the Mongo index,
// the S3 blob store, and the provider invokers.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"

	blobs3 "github.com/socraticlabs/bench/features/blob/s3"
	indexmongo "github.com/socraticlabs/bench/features/index/mongo"
	mongoc "github.com/socraticlabs/bench/features/index/mongo/clients/mongo"
	"github.com/socraticlabs/bench/features/model/anthropic"
	"github.com/socraticlabs/bench/features/model/middleware"
	openaic "github.com/socraticlabs/bench/features/model/openai"
	queuepulse "github.com/socraticlabs/bench/features/queue/pulse"
	clientspulse "github.com/socraticlabs/bench/features/queue/pulse/clients/pulse"
	"github.com/socraticlabs/bench/pipeline/model"
	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/scenario"
	"github.com/socraticlabs/bench/pipeline/storage"
)

type (
	// Config is the process configuration decoded from YAML.
	Config struct {
		Redis    RedisConfig    `yaml:"redis"`
		Mongo    MongoConfig    `yaml:"mongo"`
		S3       S3Config       `yaml:"s3"`
		Provider ProviderConfig `yaml:"provider"`
		Worker   WorkerConfig   `yaml:"worker"`
		// ScenariosFile points at the YAML list of scenario descriptors
		// served by the in-process registry.
		ScenariosFile string `yaml:"scenarios_file"`
	}

	// RedisConfig configures the Redis connection backing the queues.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the index tier.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// S3Config configures the blob tier.
	S3Config struct {
		Bucket   string `yaml:"bucket"`
		Prefix   string `yaml:"prefix"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	}

	// ProviderConfig selects and tunes the model invoker. API keys come from
	// the conventional environment variables, never from the file.
	ProviderConfig struct {
		// Name is "anthropic" or "openai".
		Name        string  `yaml:"name"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		// InitialTPM and MaxTPM bound the adaptive rate limiter.
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// WorkerConfig tunes the consumer pools.
	WorkerConfig struct {
		Concurrency int `yaml:"concurrency"`
		MaxAttempts int `yaml:"max_attempts"`
	}
)

// Load reads and decodes the YAML configuration at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "bench"
	}
	if cfg.S3.Bucket == "" {
		return Config{}, errors.New("s3.bucket is required")
	}
	return cfg, nil
}

// Queues builds the three pipeline queues on one Pulse client.
func (c Config) Queues(ctx context.Context) (dialogue, judgment, signals queue.Queue, err error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("ping redis %s: %w", c.Redis.Addr, err)
	}
	client, err := clientspulse.New(clientspulse.Options{
		Redis:            rdb,
		OperationTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	names := []string{queue.DialogueQueue, queue.JudgmentQueue, queue.RunJudgedBus}
	queues := make([]queue.Queue, len(names))
	for i, name := range names {
		q, err := queuepulse.New(queuepulse.Options{Client: client, Name: name})
		if err != nil {
			return nil, nil, nil, err
		}
		queues[i] = q
	}
	return queues[0], queues[1], queues[2], nil
}

// Index connects to Mongo and builds the index store.
func (c Config) Index(ctx context.Context) (storage.Index, error) {
	mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(c.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	client, err := mongoc.New(mongoc.Options{
		Client:     mc,
		Database:   c.Mongo.Database,
		Collection: c.Mongo.Collection,
	})
	if err != nil {
		return nil, err
	}
	return indexmongo.NewStore(client)
}

// Blob builds the S3 blob store.
func (c Config) Blob(ctx context.Context) (storage.Blob, error) {
	return blobs3.New(ctx, blobs3.Options{
		Bucket:   c.S3.Bucket,
		Prefix:   c.S3.Prefix,
		Region:   c.S3.Region,
		Endpoint: c.S3.Endpoint,
	})
}

// Invoker builds the configured provider invoker wrapped in the adaptive
// rate limiter.
func (c Config) Invoker() (model.Invoker, error) {
	var (
		inv model.Invoker
		err error
	)
	switch c.Provider.Name {
	case "anthropic", "":
		inv, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), anthropic.Options{
			MaxTokens:   c.Provider.MaxTokens,
			Temperature: c.Provider.Temperature,
		})
	case "openai":
		inv, err = openaic.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), openaic.Options{
			MaxTokens:   c.Provider.MaxTokens,
			Temperature: c.Provider.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewAdaptiveRateLimiter(c.Provider.InitialTPM, c.Provider.MaxTPM)
	return limiter.Middleware()(inv), nil
}

// Scenarios loads the scenario registry from the configured YAML file.
func (c Config) Scenarios() (scenario.Registry, error) {
	if c.ScenariosFile == "" {
		return nil, errors.New("scenarios_file is required")
	}
	raw, err := os.ReadFile(c.ScenariosFile)
	if err != nil {
		return nil, fmt.Errorf("read scenarios %s: %w", c.ScenariosFile, err)
	}
	var descriptors []scenario.Descriptor
	if err := yaml.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("decode scenarios %s: %w", c.ScenariosFile, err)
	}
	return scenario.NewStaticRegistry(descriptors)
}
