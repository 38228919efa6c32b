package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Chat     ChatConfig
	Storage  StorageConfig
	Server   ServerConfig
	Personas []PersonaConfig `mapstructure:"personas"`
	LogLevel string          `mapstructure:"log_level"`
}

// LLMConfig holds the completion backend configuration
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// ChatConfig holds defaults applied to new conversations and the
// delimiters that fence the reasoning channel.
type ChatConfig struct {
	DefaultModel   string  `mapstructure:"default_model"`
	DefaultPersona string  `mapstructure:"default_persona"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	ReasoningOpen  string  `mapstructure:"reasoning_open"`
	ReasoningClose string  `mapstructure:"reasoning_close"`
}

// PersonaConfig declares a custom persona
type PersonaConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	Prompt    string `mapstructure:"prompt"`
	StarModel string `mapstructure:"star_model"`
}

// StorageConfig holds the sqlite persistence configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("chat.default_model", "openrouter:google/gemma-2-9b-it:free")
	v.SetDefault("chat.default_persona", "default")
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.max_tokens", 0)
	v.SetDefault("chat.reasoning_open", "<think>")
	v.SetDefault("chat.reasoning_close", "</think>")
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", "pichat.db")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log_level", "info")
}

// Load loads the configuration from config.yaml, or from the file named by
// CONFIG_PATH. A missing config.yaml is not an error; defaults and PICHAT_*
// environment variables still apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PICHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if config.Chat.ReasoningOpen == "" || config.Chat.ReasoningClose == "" {
		return nil, errors.New("chat.reasoning_open and chat.reasoning_close must be non-empty")
	}

	return &config, nil
}
