package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key   string
	typ   keyType
	env   string
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OUTREACH_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OUTREACH_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		key: "llm.base_url", typ: kString, env: "OUTREACH_LLM_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
	},
	{
		key: "llm.draft_model", typ: kString, env: "OUTREACH_LLM_DRAFT_MODEL",
		apply: func(cfg *Config, v any) { cfg.LLM.DraftModel = v.(string) },
	},
	{
		key: "llm.classify_model", typ: kString, env: "OUTREACH_LLM_CLASSIFY_MODEL",
		apply: func(cfg *Config, v any) { cfg.LLM.ClassifyModel = v.(string) },
	},
	{
		key: "messaging.gateway_url", typ: kString, env: "OUTREACH_GATEWAY_URL",
		apply: func(cfg *Config, v any) { cfg.Messaging.GatewayURL = v.(string) },
	},
	{
		key: "messaging.api_key", typ: kString, env: "OUTREACH_GATEWAY_API_KEY",
		apply: func(cfg *Config, v any) { cfg.Messaging.APIKey = v.(string) },
	},
	{
		key: "messaging.from_number", typ: kString, env: "OUTREACH_GATEWAY_FROM_NUMBER",
		apply: func(cfg *Config, v any) { cfg.Messaging.FromNumber = v.(string) },
	},
	{
		key: "messaging.from_address", typ: kString, env: "OUTREACH_GATEWAY_FROM_ADDRESS",
		apply: func(cfg *Config, v any) { cfg.Messaging.FromAddress = v.(string) },
	},
	{
		key: "dispatch.tick", typ: kString, env: "OUTREACH_DISPATCH_TICK",
		apply: func(cfg *Config, v any) { cfg.Dispatch.Tick = v.(string) },
	},
	{
		key: "dispatch.batch_size", typ: kInt, env: "OUTREACH_DISPATCH_BATCH_SIZE",
		apply: func(cfg *Config, v any) { cfg.Dispatch.BatchSize = v.(int) },
	},
	{
		key: "dispatch.handler_timeout", typ: kString, env: "OUTREACH_DISPATCH_HANDLER_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Dispatch.HandlerTimeout = v.(string) },
	},
	{
		key: "hours.timezone", typ: kString, env: "OUTREACH_HOURS_TIMEZONE",
		apply: func(cfg *Config, v any) { cfg.Hours.Timezone = v.(string) },
	},
	{
		key: "hours.open", typ: kInt, env: "OUTREACH_HOURS_OPEN",
		apply: func(cfg *Config, v any) { cfg.Hours.OpenHour = v.(int) },
	},
	{
		key: "hours.close", typ: kInt, env: "OUTREACH_HOURS_CLOSE",
		apply: func(cfg *Config, v any) { cfg.Hours.CloseHour = v.(int) },
	},
	{
		key: "hours.morning", typ: kInt, env: "OUTREACH_HOURS_MORNING",
		apply: func(cfg *Config, v any) { cfg.Hours.MorningHour = v.(int) },
	},
	{
		key: "api.token", typ: kString, env: "OUTREACH_API_TOKEN",
		apply: func(cfg *Config, v any) { cfg.API.Token = v.(string) },
	},
	{
		key: "log.level", typ: kString, env: "OUTREACH_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, spec := range specs {
		switch spec.typ {
		case kString:
			v, ok, err := b.GetString(spec.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", spec.key, err)
			}
			if ok {
				spec.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(spec.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", spec.key, err)
			}
			if ok {
				spec.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, spec := range specs {
		raw, ok := os.LookupEnv(spec.env)
		if !ok || raw == "" {
			continue
		}
		switch spec.typ {
		case kString:
			spec.apply(cfg, raw)
		case kInt:
			i, err := strconv.Atoi(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", spec.env, err)
				continue
			}
			spec.apply(cfg, i)
		}
	}
}

// KeyValue is a single configuration entry for display.
type KeyValue struct {
	Key   string
	Value string
}

var secretKeys = map[string]bool{
	"api.token":         true,
	"messaging.api_key": true,
}

// ShowAll returns every known configuration key with its effective value.
// Secret values are redacted.
func ShowAll(cfg Config) []KeyValue {
	out := make([]KeyValue, 0, len(specs))
	for _, spec := range specs {
		v := readKey(&cfg, spec.key)
		if secretKeys[spec.key] {
			if v == "" {
				v = "(not set)"
			} else {
				v = "(set)"
			}
		}
		out = append(out, KeyValue{Key: spec.key, Value: v})
	}
	return out
}

func readKey(cfg *Config, key string) string {
	switch key {
	case "server.port":
		return strconv.Itoa(cfg.Server.Port)
	case "storage.data_dir":
		return cfg.Storage.DataDir
	case "llm.base_url":
		return cfg.LLM.BaseURL
	case "llm.draft_model":
		return cfg.LLM.DraftModel
	case "llm.classify_model":
		return cfg.LLM.ClassifyModel
	case "messaging.gateway_url":
		return cfg.Messaging.GatewayURL
	case "messaging.api_key":
		return cfg.Messaging.APIKey
	case "messaging.from_number":
		return cfg.Messaging.FromNumber
	case "messaging.from_address":
		return cfg.Messaging.FromAddress
	case "dispatch.tick":
		return cfg.Dispatch.Tick
	case "dispatch.batch_size":
		return strconv.Itoa(cfg.Dispatch.BatchSize)
	case "dispatch.handler_timeout":
		return cfg.Dispatch.HandlerTimeout
	case "hours.timezone":
		return cfg.Hours.Timezone
	case "hours.open":
		return strconv.Itoa(cfg.Hours.OpenHour)
	case "hours.close":
		return strconv.Itoa(cfg.Hours.CloseHour)
	case "hours.morning":
		return strconv.Itoa(cfg.Hours.MorningHour)
	case "api.token":
		return cfg.API.Token
	case "log.level":
		return cfg.Log.Level
	}
	return ""
}

// SetKey validates and persists a single key in the JSON config file.
func SetKey(key, value string) error {
	var found *keySpec
	for i := range specs {
		if specs[i].key == key {
			found = &specs[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("unknown config key %q", key)
	}

	var stored any = value
	if found.typ == kInt {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s requires an integer value: %w", key, err)
		}
		stored = i
	}

	path := configFilePath()
	data := make(map[string]any)
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	data[key] = stored

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o600)
}
