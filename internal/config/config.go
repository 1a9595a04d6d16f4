package config

import (
	"errors"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

const (
	APIStyleServing = "serving"
	APIStyleOpenAI  = "openai"
)

type Config struct {
	ListenAddr           string
	APIPrefix            string
	UpstreamBaseURL      string
	UpstreamToken        string
	UpstreamAPIStyle     string
	DefaultModelEndpoint string
	RequestTimeout       time.Duration
	DetectionTimeout     time.Duration
	MaxBodyBytes         int64
	LogLevel             string
	DebugSaveImages      bool
	DebugImageDir        string
	AppVersion           string
}

type envConfig struct {
	ListenAddr              string `env:"LISTEN_ADDR" envDefault:":8080"`
	APIPrefix               string `env:"API_PREFIX" envDefault:"/api"`
	UpstreamBaseURL         string `env:"UPSTREAM_BASE_URL"`
	UpstreamToken           string `env:"UPSTREAM_TOKEN"`
	UpstreamAPIStyle        string `env:"UPSTREAM_API_STYLE" envDefault:"serving"`
	DefaultModelEndpoint    string `env:"DEFAULT_MODEL_ENDPOINT" envDefault:"databricks-claude-sonnet-4-5"`
	RequestTimeoutSeconds   int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"60"`
	DetectionTimeoutSeconds int    `env:"DETECTION_TIMEOUT_SECONDS" envDefault:"45"`
	MaxBodyBytes            int64  `env:"MAX_BODY_BYTES" envDefault:"20971520"`
	LogLevel                string `env:"LOG_LEVEL" envDefault:"info"`
	DebugSaveImages         bool   `env:"DEBUG_SAVE_IMAGES" envDefault:"false"`
	DebugImageDir           string `env:"DEBUG_IMAGE_DIR"`
	AppVersion              string `env:"APP_VERSION" envDefault:"dev"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(raw.ListenAddr),
		APIPrefix:            normalizePrefix(raw.APIPrefix),
		UpstreamBaseURL:      strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamToken:        strings.TrimSpace(raw.UpstreamToken),
		UpstreamAPIStyle:     strings.ToLower(strings.TrimSpace(raw.UpstreamAPIStyle)),
		DefaultModelEndpoint: strings.TrimSpace(raw.DefaultModelEndpoint),
		RequestTimeout:       time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		DetectionTimeout:     time.Duration(raw.DetectionTimeoutSeconds) * time.Second,
		MaxBodyBytes:         raw.MaxBodyBytes,
		LogLevel:             strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		DebugSaveImages:      raw.DebugSaveImages,
		DebugImageDir:        strings.TrimSpace(raw.DebugImageDir),
		AppVersion:           strings.TrimSpace(raw.AppVersion),
	}
	if cfg.DebugImageDir == "" {
		cfg.DebugImageDir = os.TempDir()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.UpstreamAPIStyle != APIStyleServing && c.UpstreamAPIStyle != APIStyleOpenAI {
		return errors.New("UPSTREAM_API_STYLE must be one of: serving, openai")
	}
	if c.DefaultModelEndpoint == "" {
		return errors.New("DEFAULT_MODEL_ENDPOINT must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.DetectionTimeout <= 0 {
		return errors.New("DETECTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be > 0")
	}
	return nil
}

// normalizePrefix turns "api/", "/api/" and "/api" into "/api". An empty or "/"
// prefix mounts the API at the root.
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}
