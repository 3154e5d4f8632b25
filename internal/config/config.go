package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Messaging MessagingConfig
	Dispatch  DispatchConfig
	Hours     HoursConfig
	API       APIConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL       string
	DraftModel    string
	ClassifyModel string
}

type MessagingConfig struct {
	GatewayURL  string
	APIKey      string
	FromNumber  string
	FromAddress string
}

type DispatchConfig struct {
	Tick           string // duration string, e.g. "1m"
	BatchSize      int
	HandlerTimeout string // duration string, e.g. "30s"
}

type HoursConfig struct {
	Timezone    string
	OpenHour    int
	CloseHour   int
	MorningHour int
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434",
			DraftModel:    "mistral-nemo",
			ClassifyModel: "phi3.5",
		},
		Messaging: MessagingConfig{
			GatewayURL:  "http://localhost:8700",
			FromNumber:  "+15550100000",
			FromAddress: "outreach@fieldhub.example",
		},
		Dispatch: DispatchConfig{
			Tick:           "1m",
			BatchSize:      20,
			HandlerTimeout: "30s",
		},
		Hours: HoursConfig{
			Timezone:    "UTC",
			OpenHour:    9,
			CloseHour:   17,
			MorningHour: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "outreach-data"
		}
	}
	return filepath.Join(dir, "outreach")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/outreach/config.json, then applies OUTREACH_* environment
// overrides. The API bearer token is the only required value.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API bearer token. " +
			"Set it via environment variable OUTREACH_API_TOKEN or api.token in the config file")
	}

	return cfg, nil
}
