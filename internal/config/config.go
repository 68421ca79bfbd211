package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// APIToken, when non-empty, enables bearer auth on the /retrieve endpoint.
	APIToken string `yaml:"api_token"`
}

type GeminiConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	ChatModel  string `yaml:"chat_model"`
	EmbedModel string `yaml:"embed_model"`
	EmbedDim   int    `yaml:"embed_dim"`
}

// StoreConfig selects the transaction store backend: "supabase" (RPC over
// PostgREST), "postgres" (direct connection), or "sqlite" (local, for
// development and tests).
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SQLiteConfig struct {
	DataDir string `yaml:"data_dir"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Gemini: GeminiConfig{
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
			ChatModel:  "gemini-2.0-flash",
			EmbedModel: "gemini-embedding-001",
			EmbedDim:   384,
		},
		Store: StoreConfig{
			Backend: "supabase",
			SQLite:  SQLiteConfig{DataDir: defaultDataDir()},
		},
		Retrieval: RetrievalConfig{TopK: 5},
		Log:       LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".finq")
	}
	return ".finq"
}

// Load reads configuration from (in increasing precedence): built-in
// defaults, the YAML config file, a .env file in the working directory, and
// FINQ_* environment variables.
//
// The config file path is $FINQ_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/finq/config.yaml (falling back to ~/.config). A missing
// file is not an error; a malformed one is.
func Load() (Config, error) {
	// Best-effort, matching dotenv semantics: absence is fine.
	_ = godotenv.Load()

	cfg := defaults()

	path := configFilePath()
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API key. " +
			"Set it via environment variable FINQ_GEMINI_API_KEY (or GEMINI_API_KEY), " +
			"or gemini.api_key in the config file")
	}

	switch cfg.Store.Backend {
	case "supabase":
		if cfg.Store.Supabase.URL == "" || cfg.Store.Supabase.ServiceKey == "" {
			return Config{}, fmt.Errorf("store backend %q requires SUPABASE_URL and SUPABASE_KEY", cfg.Store.Backend)
		}
	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			return Config{}, fmt.Errorf("store backend %q requires FINQ_POSTGRES_DSN", cfg.Store.Backend)
		}
	case "sqlite":
	default:
		return Config{}, fmt.Errorf("unknown store backend %q (want supabase, postgres, or sqlite)", cfg.Store.Backend)
	}

	return cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("FINQ_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "finq", "config.yaml")
}

func applyFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies FINQ_* environment variables on top of the
// loaded config. The bare SUPABASE_URL / SUPABASE_KEY / GEMINI_API_KEY names
// are also honored so a Supabase-style .env works unchanged.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt(&cfg.Server.Port, "FINQ_PORT")
	setString(&cfg.Server.APIToken, "FINQ_API_TOKEN")

	setString(&cfg.Gemini.APIKey, "FINQ_GEMINI_API_KEY", "GEMINI_API_KEY")
	setString(&cfg.Gemini.BaseURL, "FINQ_GEMINI_BASE_URL")
	setString(&cfg.Gemini.ChatModel, "FINQ_GEMINI_CHAT_MODEL")
	setString(&cfg.Gemini.EmbedModel, "FINQ_GEMINI_EMBED_MODEL")
	setInt(&cfg.Gemini.EmbedDim, "FINQ_GEMINI_EMBED_DIM")

	setString(&cfg.Store.Backend, "FINQ_STORE_BACKEND")
	setString(&cfg.Store.Supabase.URL, "FINQ_SUPABASE_URL", "SUPABASE_URL")
	setString(&cfg.Store.Supabase.ServiceKey, "FINQ_SUPABASE_KEY", "SUPABASE_KEY")
	setString(&cfg.Store.Postgres.DSN, "FINQ_POSTGRES_DSN", "DATABASE_URL")
	setString(&cfg.Store.SQLite.DataDir, "FINQ_DATA_DIR")

	setInt(&cfg.Retrieval.TopK, "FINQ_TOP_K")
	setString(&cfg.Log.Level, "FINQ_LOG_LEVEL")
}
