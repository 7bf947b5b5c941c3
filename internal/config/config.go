package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Search   SearchConfig
	Images   ImagesConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	ChatModel   string
	VisionModel string
	EmbedModel  string
	PrepModel   string
}

type SearchConfig struct {
	BraveAPIKey string
}

type ImagesConfig struct {
	ReplicateAPIKey string
	Model           string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Provider: ProviderConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			ChatModel:   "qwen/qwen3-32b",
			VisionModel: "google/gemini-2.0-flash-exp:free",
			EmbedModel:  "openai/text-embedding-3-small",
			PrepModel:   "qwen/qwen3-32b",
		},
		Images: ImagesConfig{
			Model: "black-forest-labs/flux-schnell",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tutord"
	}
	return filepath.Join(home, ".tutord")
}

// Load reads configuration from defaults and TUTORD_* environment variables.
// The provider API key is required; search and image keys are optional and
// disable their tools when absent.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if v := getenv("TUTORD_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TUTORD_PORT %q: %w", v, err)
		}
		cfg.Server.Port = p
	}
	setIfPresent(getenv, "TUTORD_PROVIDER_BASE_URL", &cfg.Provider.BaseURL)
	setIfPresent(getenv, "TUTORD_PROVIDER_API_KEY", &cfg.Provider.APIKey)
	setIfPresent(getenv, "TUTORD_CHAT_MODEL", &cfg.Provider.ChatModel)
	setIfPresent(getenv, "TUTORD_VISION_MODEL", &cfg.Provider.VisionModel)
	setIfPresent(getenv, "TUTORD_EMBED_MODEL", &cfg.Provider.EmbedModel)
	setIfPresent(getenv, "TUTORD_PREP_MODEL", &cfg.Provider.PrepModel)
	setIfPresent(getenv, "TUTORD_BRAVE_API_KEY", &cfg.Search.BraveAPIKey)
	setIfPresent(getenv, "TUTORD_REPLICATE_API_KEY", &cfg.Images.ReplicateAPIKey)
	setIfPresent(getenv, "TUTORD_IMAGE_MODEL", &cfg.Images.Model)
	setIfPresent(getenv, "TUTORD_DATA_DIR", &cfg.Storage.DataDir)
	setIfPresent(getenv, "TUTORD_LOG_LEVEL", &cfg.Log.Level)

	if cfg.Provider.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: provider API key. Set it via environment variable TUTORD_PROVIDER_API_KEY")
	}

	return cfg, nil
}

func setIfPresent(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}
