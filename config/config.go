package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the discovery service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, groq
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model handles each discovery stage
type LLMRoutingConfig struct {
	QueryPlanning string `mapstructure:"query_planning"` // doc URL -> search queries
	Synthesis     string `mapstructure:"synthesis"`      // corpus -> request specs
	Critique      string `mapstructure:"critique"`       // failure -> diagnostic
	Replanning    string `mapstructure:"replanning"`     // diagnostic -> revised specs
	Fallback      string `mapstructure:"fallback"`
}

// SearchConfig contains web search provider settings
type SearchConfig struct {
	Provider        string        `mapstructure:"provider"` // tavily, brave, serper
	TavilyAPIKey    string        `mapstructure:"tavily_api_key"`
	BraveAPIKey     string        `mapstructure:"brave_api_key"`
	SerperAPIKey    string        `mapstructure:"serper_api_key"`
	ResultsPerQuery int           `mapstructure:"results_per_query"`
	SnippetMaxChars int           `mapstructure:"snippet_max_chars"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (s SearchConfig) Validate() error {
	switch s.Provider {
	case "tavily", "brave", "serper":
	case "":
		return fmt.Errorf("search.provider required")
	default:
		return fmt.Errorf("search.provider %q not supported", s.Provider)
	}
	return nil
}

// FetchConfig contains documentation fetch settings
type FetchConfig struct {
	Provider    string        `mapstructure:"provider"` // http, chromedp
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxChars    int           `mapstructure:"max_chars"` // per-document cap
	MaxDocs     int           `mapstructure:"max_docs"`
	Concurrency int           `mapstructure:"concurrency"`
}

func (f FetchConfig) Validate() error {
	switch f.Provider {
	case "http", "chromedp", "":
	default:
		return fmt.Errorf("fetch.provider %q not supported", f.Provider)
	}
	return nil
}

// AgentConfig bounds a discovery run
type AgentConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RunDeadline      time.Duration `mapstructure:"run_deadline"`
	SynthesisRetries int           `mapstructure:"synthesis_retries"` // local retries before PlanParseError
	CorpusMaxChars   int           `mapstructure:"corpus_max_chars"`
	DocMaxChars      int           `mapstructure:"doc_max_chars"` // per-document cap at corpus assembly
	ExecTimeout      time.Duration `mapstructure:"exec_timeout"`
	BodyKeepChars    int           `mapstructure:"body_keep_chars"` // response body retained per attempt
	VerifyJSON       bool          `mapstructure:"verify_json"`     // treat a non-JSON 2xx body as failure
}

// Normalize applies the documented defaults for unset values.
func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 10
	}
	if a.SynthesisRetries <= 0 {
		a.SynthesisRetries = 2
	}
	if a.CorpusMaxChars <= 0 {
		a.CorpusMaxChars = 100000
	}
	if a.DocMaxChars <= 0 {
		a.DocMaxChars = 15000
	}
	if a.ExecTimeout <= 0 {
		a.ExecTimeout = 30 * time.Second
	}
	if a.BodyKeepChars <= 0 {
		a.BodyKeepChars = 2000
	}
	return a
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a postgres connection string from the individual fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
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
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// SchedulerConfig controls periodic mapping refresh
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	RefreshCron string        `mapstructure:"refresh_cron"` // @daily, @hourly or 5-field cron
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	Stream      string        `mapstructure:"stream"` // redis stream carrying refresh jobs
	Group       string        `mapstructure:"group"`
}

// Normalize applies scheduler defaults.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	if s.RefreshCron == "" {
		s.RefreshCron = "@daily"
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 2 * time.Minute
	}
	if s.Stream == "" {
		s.Stream = "fhirlink:refresh"
	}
	if s.Group == "" {
		s.Group = "refresh-workers"
	}
	return s
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	LogFile      string `mapstructure:"log_file"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10002")
	viper.SetDefault("search.provider", "tavily")
	viper.SetDefault("search.results_per_query", 5)
	viper.SetDefault("search.snippet_max_chars", 2000)
	viper.SetDefault("fetch.provider", "http")
	viper.SetDefault("fetch.max_chars", 80000)
	viper.SetDefault("fetch.max_docs", 10)
	viper.SetDefault("fetch.concurrency", 4)
	viper.SetDefault("agent.max_attempts", 10)
	viper.SetDefault("agent.synthesis_retries", 2)
	viper.SetDefault("agent.corpus_max_chars", 100000)
	viper.SetDefault("agent.doc_max_chars", 15000)
	viper.SetDefault("agent.body_keep_chars", 2000)
	viper.SetDefault("scheduler.refresh_cron", "@daily")
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FHIRLINK")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Agent = config.Agent.Normalize()
	config.Scheduler = config.Scheduler.Normalize()

	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.Fetch.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
