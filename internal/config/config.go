// Package config loads the service configuration from an optional file and
// RAG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/bull/ragsworth/internal/domain"
)

// EnvPrefix prefixes every environment variable: chunker.size is read from
// RAG_CHUNKER_SIZE.
const EnvPrefix = "RAG"

// Config is the full service configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	PII       PIIConfig       `mapstructure:"pii"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Index     IndexConfig     `mapstructure:"index"`
	Session   SessionConfig   `mapstructure:"session"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	GitHub    GitHubConfig    `mapstructure:"github"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	// Mode selects the MCP transport: streamable HTTP at /mcp, or stdio
	// with /health and /metrics still served on Addr.
	Mode          string        `mapstructure:"mode" validate:"oneof=http stdio"`
	Addr          string        `mapstructure:"addr" validate:"required"`
	Stateless     bool          `mapstructure:"stateless"`
	HealthTimeout time.Duration `mapstructure:"health_timeout" validate:"gt=0"`
}

type ChunkerConfig struct {
	Size    int `mapstructure:"size" validate:"gt=0"`
	Overlap int `mapstructure:"overlap" validate:"gte=0"`
}

// CustomPII is a user-defined PII type.
type CustomPII struct {
	Name        string `mapstructure:"name" validate:"required"`
	Pattern     string `mapstructure:"pattern" validate:"required"`
	Description string `mapstructure:"description"`
}

type PIIConfig struct {
	// Enabled lists the active types; empty enables all of them.
	Enabled         []string    `mapstructure:"enabled"`
	ReplacementChar string      `mapstructure:"replacement_char"`
	Custom          []CustomPII `mapstructure:"custom" validate:"dive"`
	RedactDocuments bool        `mapstructure:"redact_documents"`
}

type EmbeddingConfig struct {
	Provider  string        `mapstructure:"provider" validate:"oneof=openai hashing"`
	Model     string        `mapstructure:"model"`
	Dimension int           `mapstructure:"dimension" validate:"gt=0"`
	BaseURL   string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey    string        `mapstructure:"api_key"`
	BatchSize int           `mapstructure:"batch_size" validate:"gte=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type LLMConfig struct {
	Provider      string        `mapstructure:"provider" validate:"oneof=openai extractive"`
	Model         string        `mapstructure:"model"`
	BaseURL       string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey        string        `mapstructure:"api_key"`
	Temperature   float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens     int           `mapstructure:"max_tokens" validate:"gte=0"`
	ContextTokens int           `mapstructure:"context_tokens" validate:"gte=0"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
}

type MilvusConfig struct {
	Address    string `mapstructure:"address"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
}

type PGVectorConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type IndexConfig struct {
	Kind   string `mapstructure:"kind" validate:"oneof=flat qdrant milvus pgvector"`
	Metric string `mapstructure:"metric" validate:"oneof=l2 cosine ip"`
	// TopK, when positive, overrides pipeline.top_k for every search.
	TopK int `mapstructure:"top_k" validate:"gte=0"`
	// Path is the snapshot directory loaded at startup and written by
	// ingest --persist.
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Attempts  int           `mapstructure:"attempts" validate:"gte=0,lte=10"`
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"gte=0"`

	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Milvus   MilvusConfig   `mapstructure:"milvus"`
	PGVector PGVectorConfig `mapstructure:"pgvector"`
}

type SessionConfig struct {
	Store         string        `mapstructure:"store" validate:"oneof=memory redis"`
	MaxTurns      int           `mapstructure:"max_turns" validate:"gt=0"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gte=0"`
	Prefix        string        `mapstructure:"prefix"`
}

type AuditConfig struct {
	Sink         string   `mapstructure:"sink" validate:"oneof=log kafka none"`
	Mode         string   `mapstructure:"mode" validate:"oneof=per_match per_call"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type PipelineConfig struct {
	TopK             int           `mapstructure:"top_k" validate:"gt=0"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	EmbedConcurrency int           `mapstructure:"embed_concurrency" validate:"gt=0"`
	EmbedBatchSize   int           `mapstructure:"embed_batch_size" validate:"gt=0"`
}

type GitHubConfig struct {
	Token      string   `mapstructure:"token"`
	Owner      string   `mapstructure:"owner"`
	Repo       string   `mapstructure:"repo"`
	Ref        string   `mapstructure:"ref"`
	Path       string   `mapstructure:"path"`
	Extensions []string `mapstructure:"extensions"`
}

// minRequestTimeout matches the pipeline's lower bound.
const minRequestTimeout = 2 * time.Second

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.mode", "http")
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.stateless", false)
	v.SetDefault("server.health_timeout", 3*time.Second)

	v.SetDefault("chunker.size", 500)
	v.SetDefault("chunker.overlap", 50)

	v.SetDefault("pii.enabled", []string{})
	v.SetDefault("pii.replacement_char", "X")
	v.SetDefault("pii.custom", []CustomPII{})
	v.SetDefault("pii.redact_documents", false)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.batch_size", 500)
	v.SetDefault("embedding.rate_limit", 5.0)
	v.SetDefault("embedding.burst", 1)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.context_tokens", 3000)
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("index.kind", "flat")
	v.SetDefault("index.metric", "cosine")
	v.SetDefault("index.top_k", 0)
	v.SetDefault("index.path", "")
	v.SetDefault("index.timeout", 10*time.Second)
	v.SetDefault("index.attempts", 3)
	v.SetDefault("index.base_delay", 200*time.Millisecond)
	v.SetDefault("index.qdrant.host", "localhost")
	v.SetDefault("index.qdrant.port", 6334)
	v.SetDefault("index.qdrant.api_key", "")
	v.SetDefault("index.qdrant.use_tls", false)
	v.SetDefault("index.qdrant.collection", "chunks")
	v.SetDefault("index.milvus.address", "localhost:19530")
	v.SetDefault("index.milvus.username", "")
	v.SetDefault("index.milvus.password", "")
	v.SetDefault("index.milvus.database", "")
	v.SetDefault("index.milvus.use_tls", false)
	v.SetDefault("index.milvus.collection", "chunks")
	v.SetDefault("index.pgvector.dsn", "")
	v.SetDefault("index.pgvector.table", "chunks")

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.max_turns", 10)
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.prefix", "rag:session:")

	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.mode", "per_match")
	v.SetDefault("audit.kafka_brokers", []string{})
	v.SetDefault("audit.kafka_topic", "pii-audit")

	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.request_timeout", 30*time.Second)
	v.SetDefault("pipeline.embed_concurrency", 4)
	v.SetDefault("pipeline.embed_batch_size", 32)

	v.SetDefault("github.token", "")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.ref", "")
	v.SetDefault("github.path", "")
	v.SetDefault("github.extensions", []string{".md", ".txt"})
}

// Load reads the configuration. path may name a YAML, TOML or JSON file;
// an empty path reads defaults and environment variables only. Every
// failure wraps domain.ErrConfiguration.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider credentials also come from their conventional variables.
	bindings := map[string][]string{
		"embedding.api_key": {"RAG_EMBEDDING_API_KEY", "OPENAI_API_KEY"},
		"llm.api_key":       {"RAG_LLM_API_KEY", "OPENAI_API_KEY"},
		"github.token":      {"RAG_GITHUB_TOKEN", "GITHUB_TOKEN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("%w: bind %s: %w", domain.ErrConfiguration, key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file %s: %w", domain.ErrConfiguration, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", domain.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	var problems []string
	if c.Chunker.Overlap >= c.Chunker.Size {
		problems = append(problems, fmt.Sprintf("chunker.overlap (%d) must be smaller than chunker.size (%d)",
			c.Chunker.Overlap, c.Chunker.Size))
	}
	if c.PII.ReplacementChar != "" && utf8.RuneCountInString(c.PII.ReplacementChar) != 1 {
		problems = append(problems, "pii.replacement_char must be a single character")
	}
	if c.Pipeline.RequestTimeout < minRequestTimeout {
		problems = append(problems, fmt.Sprintf("pipeline.request_timeout must be at least %s", minRequestTimeout))
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" && c.Embedding.BaseURL == "" {
		problems = append(problems, "embedding.api_key or embedding.base_url is required for the openai provider")
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		problems = append(problems, "llm.api_key or llm.base_url is required for the openai provider")
	}
	switch c.Index.Kind {
	case "qdrant":
		if c.Index.Qdrant.Host == "" {
			problems = append(problems, "index.qdrant.host is required")
		}
	case "milvus":
		if c.Index.Milvus.Address == "" {
			problems = append(problems, "index.milvus.address is required")
		}
	case "pgvector":
		if c.Index.PGVector.DSN == "" {
			problems = append(problems, "index.pgvector.dsn is required")
		}
	}
	if c.Session.Store == "redis" && c.Session.RedisAddr == "" {
		problems = append(problems, "session.redis_addr is required for the redis store")
	}
	if c.Audit.Sink == "kafka" && (len(c.Audit.KafkaBrokers) == 0 || c.Audit.KafkaTopic == "") {
		problems = append(problems, "audit.kafka_brokers and audit.kafka_topic are required for the kafka sink")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// ReplacementRune returns the PII mask character, zero when unset.
func (c *Config) ReplacementRune() rune {
	r, _ := utf8.DecodeRuneInString(c.PII.ReplacementChar)
	if r == utf8.RuneError {
		return 0
	}
	return r
}
