package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the training platform
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Training  TrainingConfig  `mapstructure:"training"`
	Vetting   VettingConfig   `mapstructure:"vetting"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains the OpenAI-compatible provider settings used for both
// vetting assessments and embeddings.
type LLMConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	CompletionModel     string        `mapstructure:"completion_model"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Temperature         float64       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
}

// Normalize applies provider defaults for unset values.
func (c LLMConfig) Normalize() LLMConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.CompletionModel == "" {
		c.CompletionModel = "gpt-4o-mini"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 1536
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

func (c LLMConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	return nil
}

// TrainingConfig controls the task scheduler.
type TrainingConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	ItemsPerPage      int           `mapstructure:"items_per_page"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
}

// Normalize applies scheduler defaults.
func (c TrainingConfig) Normalize() TrainingConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.ItemsPerPage <= 0 {
		c.ItemsPerPage = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
	return c
}

// VettingConfig controls candidate scoring thresholds.
type VettingConfig struct {
	MinRelevanceScore float64       `mapstructure:"min_relevance_score"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// Normalize applies vetting defaults. The relevance threshold is a tuning
// knob, not a semantically meaningful constant.
func (c VettingConfig) Normalize() VettingConfig {
	if c.MinRelevanceScore <= 0 {
		c.MinRelevanceScore = 0.3
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	return c
}

// IngestionConfig controls chunking, dedup and memory persistence.
type IngestionConfig struct {
	MaxTokensPerChunk      int     `mapstructure:"max_tokens_per_chunk"`
	ChunkOverlap           int     `mapstructure:"chunk_overlap"`
	MinChunkSize           int     `mapstructure:"min_chunk_size"`
	MaxDuplicateSimilarity float64 `mapstructure:"max_duplicate_similarity"`
	SearchIndexEnabled     bool    `mapstructure:"search_index_enabled"`
	SearchIndexMaxDocs     int     `mapstructure:"search_index_max_docs"`
}

// Normalize applies ingestion defaults.
func (c IngestionConfig) Normalize() IngestionConfig {
	if c.MaxTokensPerChunk <= 0 {
		c.MaxTokensPerChunk = 1000
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 100
	}
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = 200
	}
	if c.MaxDuplicateSimilarity <= 0 {
		c.MaxDuplicateSimilarity = 0.85
	}
	if c.SearchIndexMaxDocs <= 0 {
		c.SearchIndexMaxDocs = 5000
	}
	return c
}

func (c IngestionConfig) Validate() error {
	if c.ChunkOverlap >= c.MaxTokensPerChunk {
		return fmt.Errorf("ingestion.chunk_overlap must be smaller than max_tokens_per_chunk")
	}
	if c.MaxDuplicateSimilarity > 1 {
		return fmt.Errorf("ingestion.max_duplicate_similarity must be <= 1")
	}
	return nil
}

// SourcesConfig contains discovery source configurations
type SourcesConfig struct {
	Wikipedia WikipediaConfig `mapstructure:"wikipedia"`
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
}

// WikipediaConfig contains MediaWiki API settings
type WikipediaConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (c WikipediaConfig) Normalize() WikipediaConfig {
	if c.Endpoint == "" {
		c.Endpoint = "https://en.wikipedia.org/w/api.php"
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	BraveAPIKey string        `mapstructure:"brave_api_key"`
	MaxResults  int           `mapstructure:"max_results"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// FetcherConfig selects the page extraction strategy.
type FetcherConfig struct {
	Type     string        `mapstructure:"type"` // http, chromedp
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

func (c FetcherConfig) Normalize() FetcherConfig {
	if c.Type == "" {
		c.Type = "http"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 20000
	}
	return c
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the go-redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	FeedStream  string `mapstructure:"feed_stream"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if t.FeedStream == "" {
		t.FeedStream = "memory.fed"
	}
	return t
}

// LoadConfig loads config from file with MENTOR_* env overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("MENTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies defaults to every section in place.
func (c *Config) Normalize() {
	c.LLM = c.LLM.Normalize()
	c.Training = c.Training.Normalize()
	c.Vetting = c.Vetting.Normalize()
	c.Ingestion = c.Ingestion.Normalize()
	c.Sources.Wikipedia = c.Sources.Wikipedia.Normalize()
	c.Sources.Fetcher = c.Sources.Fetcher.Normalize()
	c.Telemetry = c.Telemetry.Normalize()
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Ingestion.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	return nil
}
