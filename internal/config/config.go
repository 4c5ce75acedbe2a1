package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Providers    []ProviderConfig   `json:"providers"`
	Roles        []RoleBinding      `json:"roles"`
	Oracle       OracleConfig       `json:"oracle"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Runners      RunnersConfig      `json:"runners"`
	Database     DatabaseConfig     `json:"database"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Notify       NotifyConfig       `json:"notify"`
	Tracing      TracingConfig      `json:"tracing"`
	Migrations   string             `json:"migrations_dir"`
}

type ServerConfig struct {
	Port              int    `json:"port"`
	LogLevel          string `json:"log_level"`
	// WorkflowRetention caps finished workflows kept for status queries.
	WorkflowRetention int    `json:"workflow_retention"`
}

type ProviderConfig struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	APIKey         string            `json:"api_key"`
	Models         []string          `json:"models,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
}

// RoleBinding pins a pipeline role (orchestrator, planner, critic, executor)
// to a provider and model.
type RoleBinding struct {
	Role      string   `json:"role"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

type OracleConfig struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
	MaxAttempts    int     `json:"max_attempts"`
	CacheSize      int     `json:"cache_size"`
}

// OrchestratorConfig groups the tunables of the request pipeline.
type OrchestratorConfig struct {
	Confidence ConfidenceConfig `json:"confidence"`
	Execution  ExecutionConfig  `json:"execution"`
	Critique   CritiqueConfig   `json:"critique"`
}

type ConfidenceConfig struct {
	MinThreshold           float64 `json:"min_confidence_threshold"`
	ClarityWeight          float64 `json:"clarity_weight"`
	CompletenessWeight     float64 `json:"completeness_weight"`
	FeasibilityWeight      float64 `json:"feasibility_weight"`
	SpecificityWeight      float64 `json:"specificity_weight"`
	MaxClarificationRounds int     `json:"max_clarification_rounds"`
	AutoClarify            bool    `json:"auto_clarify"`
}

// Strategy selects how the executor walks the task graph.
type Strategy string

const (
	StrategyGreedy     Strategy = "greedy"
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

type ExecutionConfig struct {
	Strategy            Strategy `json:"strategy"`
	MaxRetries          int      `json:"max_retries"`
	RetryBackoffSeconds float64  `json:"retry_backoff_seconds"`
	MaxParallelTasks    int      `json:"max_parallel_tasks"`
	TaskTimeoutSeconds  float64  `json:"task_timeout_seconds"`
	ValidateResults     bool     `json:"validate_results"`
	FailFast            bool     `json:"fail_fast"`
}

// RetryBackoff returns the base backoff delay.
func (c ExecutionConfig) RetryBackoff() time.Duration {
	return seconds(c.RetryBackoffSeconds)
}

// TaskTimeout returns the per-task deadline.
func (c ExecutionConfig) TaskTimeout() time.Duration {
	return seconds(c.TaskTimeoutSeconds)
}

type CritiqueConfig struct {
	CriticalQualityThreshold float64 `json:"critical_quality_threshold"`
	ImprovementThreshold     float64 `json:"improvement_threshold"`
	PlanAttempts             int     `json:"plan_attempts"`
	SynthesisAttempts        int     `json:"synthesis_attempts"`
}

type RunnersConfig struct {
	HTTPAllowHosts []string       `json:"http_allow_hosts"`
	FileRoot       string         `json:"file_root"`
	SearchTopK     int            `json:"search_top_k"`
	KnowledgeIndex string         `json:"knowledge_collection"`
	CodeExec       CodeExecConfig `json:"code_exec"`
	DBQuery        DBQueryConfig  `json:"db_query"`
}

type CodeExecConfig struct {
	Enabled      bool              `json:"enabled"`
	Interpreters map[string]string `json:"interpreters"` // language -> binary
	WorkDir      string            `json:"work_dir"`
}

type DBQueryConfig struct {
	Enabled bool `json:"enabled"`
	MaxRows int  `json:"max_rows"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type TracingConfig struct {
	Enabled    bool    `json:"enabled"`
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sample_rate"`
}

// Default returns a configuration with every tunable at its reference value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 3210, LogLevel: "info", WorkflowRetention: 256},
		Oracle: OracleConfig{TimeoutSeconds: 120, MaxAttempts: 3},
		Orchestrator: OrchestratorConfig{
			Confidence: ConfidenceConfig{
				MinThreshold:           0.75,
				ClarityWeight:          0.30,
				CompletenessWeight:     0.30,
				FeasibilityWeight:      0.25,
				SpecificityWeight:      0.15,
				MaxClarificationRounds: 3,
				AutoClarify:            true,
			},
			Execution: ExecutionConfig{
				Strategy:            StrategyGreedy,
				MaxRetries:          3,
				RetryBackoffSeconds: 1.0,
				MaxParallelTasks:    5,
				TaskTimeoutSeconds:  300,
				ValidateResults:     true,
				FailFast:            true,
			},
			Critique: CritiqueConfig{
				CriticalQualityThreshold: 0.75,
				ImprovementThreshold:     0.10,
				PlanAttempts:             3,
				SynthesisAttempts:        3,
			},
		},
		Runners: RunnersConfig{
			SearchTopK:     5,
			KnowledgeIndex: "nuka_knowledge",
			DBQuery:        DBQueryConfig{MaxRows: 100},
		},
		Migrations: "migrations",
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults, substitutes environment
// variable references and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config bytes. See Load.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Timeout returns the per-call oracle deadline.
func (c OracleConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// Timeout returns the HTTP client timeout, zero meaning the provider default.
func (c ProviderConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}
