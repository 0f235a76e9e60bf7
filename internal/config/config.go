package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultModel          = "gemini-2.0-flash-001"
	DefaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultAuthorizeURL   = "https://api.layercode.com/v1/pipelines/authorize_session"
	DefaultWelcomeMessage = "Welcome to Layercode. How can I help you today?"
	DefaultSystemPrompt   = "You are a helpful conversation assistant. You should respond to the user's message in a conversational manner. Your output will be spoken by a TTS model. You should respond in a way that is easy for the TTS model to speak and sound natural."
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig
	LLM        LLMConfig
	Layercode  LayercodeConfig
	Session    SessionConfig
	Relay      RelayConfig
	Transcript TranscriptConfig
	Log        LogConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           string  `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

// LayercodeConfig holds the voice platform credentials.
type LayercodeConfig struct {
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	APIKey             string        `mapstructure:"api_key"`
	PipelineID         string        `mapstructure:"pipeline_id"`
	AuthorizeURL       string        `mapstructure:"authorize_url"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
}

// SessionConfig bounds the in-memory session store.
type SessionConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RelayConfig holds turn-level behaviour. UIData is a raw JSON document
// forwarded as a response.data event before the first generated fragment;
// it is kept as a string because viper lowercases map keys.
type RelayConfig struct {
	WelcomeMessage string `mapstructure:"welcome_message"`
	UIData         string `mapstructure:"ui_data"`
}

// TranscriptConfig points at the optional sqlite transcript archive.
type TranscriptConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path, or from $CONFIG_PATH, or from
// ./config.yaml. A missing file is not an error: defaults and environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by the hosted deployment.
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY")
	_ = v.BindEnv("layercode.webhook_secret", "LAYERCODE_WEBHOOK_SECRET")
	_ = v.BindEnv("layercode.api_key", "LAYERCODE_API_KEY")
	_ = v.BindEnv("layercode.pipeline_id", "LAYERCODE_PIPELINE_ID")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("llm.base_url", DefaultBaseURL)
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_concurrent", 64)
	v.SetDefault("layercode.authorize_url", DefaultAuthorizeURL)
	v.SetDefault("layercode.signature_tolerance", 5*time.Minute)
	v.SetDefault("session.capacity", 10_000)
	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("relay.welcome_message", DefaultWelcomeMessage)
	v.SetDefault("relay.ui_data", "")
	v.SetDefault("transcript.path", "")
	v.SetDefault("log.level", "info")
}
