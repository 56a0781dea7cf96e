package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	OpenRouter OpenRouterConfig
	Models     ModelsConfig
	Pipeline   PipelineConfig
	Extraction ExtractionConfig
	Worker     WorkerConfig
	MCP        MCPConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type OpenRouterConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// ModelsConfig names the provider model used by each stage. FanOut is the
// ordered engine list, comma separated.
type ModelsConfig struct {
	Intake     string
	Chat       string
	Judge      string
	Extraction string
	FanOut     string
}

// Engines returns the fan-out list in configured order, skipping blanks.
func (m ModelsConfig) Engines() []string {
	var out []string
	for _, e := range strings.Split(m.FanOut, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

type PipelineConfig struct {
	SufficiencyThreshold float64
	ProgressInterval     time.Duration
}

type ExtractionConfig struct {
	ConfidenceThreshold float64
}

type WorkerConfig struct {
	PollInterval time.Duration
}

type MCPConfig struct {
	UserID string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			RequestTimeout: 360 * time.Second,
		},
		Models: ModelsConfig{
			Intake:     "google/gemini-3-flash-preview",
			Chat:       "google/gemini-3-flash-preview",
			Judge:      "google/gemini-3-pro-preview",
			Extraction: "google/gemini-3-flash-preview",
			FanOut:     "z-ai/glm-4.7,minimax/minimax-m2.1,x-ai/grok-4.1-fast",
		},
		Pipeline: PipelineConfig{
			SufficiencyThreshold: 0.85,
			ProgressInterval:     time.Second,
		},
		Extraction: ExtractionConfig{
			ConfidenceThreshold: 0.8,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
		},
		MCP: MCPConfig{
			UserID: "local",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file, environment variables and
// the secrets file, in increasing order of precedence for non-secret keys.
//
// The config file is YAML at $XDG_CONFIG_HOME/carllm/config.yaml (a flat map
// of dotted keys). The OpenRouter API key comes from CARLLM_OPENROUTER_API_KEY
// or, failing that, $XDG_DATA_HOME/carllm/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenRouter.APIKey == "" {
		if key, err := secrets.Get("carllm", "openrouter_api_key"); err == nil && key != "" {
			cfg.OpenRouter.APIKey = key
		}
	}

	if cfg.OpenRouter.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenRouter API key. "+
			"Set it via environment variable CARLLM_OPENROUTER_API_KEY or in %s", secretsFilePath())
	}
	if len(cfg.Models.Engines()) == 0 {
		return Config{}, fmt.Errorf("models.fanout must name at least one engine")
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "carllm-data"
		}
	}
	return filepath.Join(dir, "carllm")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "carllm", "config.yaml")
}
