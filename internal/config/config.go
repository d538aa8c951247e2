package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"readTimeout"`
		WriteTimeout time.Duration `yaml:"writeTimeout"`
		IdleTimeout  time.Duration `yaml:"idleTimeout"`
		CORSOrigins  []string      `yaml:"corsOrigins"`
	} `yaml:"server"`

	Model struct {
		Path              string `yaml:"path"`
		MetadataPath      string `yaml:"metadataPath"`
		SharedLibraryPath string `yaml:"sharedLibraryPath"`
		AutoOrient        bool   `yaml:"autoOrient"`
	} `yaml:"model"`

	Uploads struct {
		Dir      string `yaml:"dir"`
		MaxBytes int64  `yaml:"maxBytes"`
	} `yaml:"uploads"`

	Web struct {
		StaticDir string `yaml:"staticDir"`
	} `yaml:"web"`

	Cache struct {
		TTL     time.Duration `yaml:"ttl"`
		Cleanup time.Duration `yaml:"cleanup"`
	} `yaml:"cache"`

	Archive struct {
		Enabled    bool   `yaml:"enabled"`
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		Prefix     string `yaml:"prefix"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"archive"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default mirrors the original deployment: port 5000 on all interfaces, the
// model next to the binary, 10MB uploads.
func Default() *Config {
	var cfg Config

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 5000
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.CORSOrigins = []string{"*"}

	cfg.Model.Path = filepath.Join("models", "best_model.onnx")
	cfg.Model.MetadataPath = filepath.Join("models", "model_metadata.json")
	cfg.Model.AutoOrient = true

	cfg.Uploads.Dir = filepath.Join(os.TempDir(), "traffic-sign-uploads")
	cfg.Uploads.MaxBytes = 10 << 20

	cfg.Web.StaticDir = "."

	cfg.Cache.TTL = 10 * time.Minute
	cfg.Cache.Cleanup = 20 * time.Minute

	cfg.Archive.Prefix = "low-confidence"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return &cfg
}

// Load reads path on top of the defaults. A missing file is not an error.
// PORT overrides server.port.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		return errors.New("model.path and model.metadataPath are required")
	}
	if c.Uploads.Dir == "" {
		return errors.New("uploads.dir is required")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.maxBytes must be positive, got %d", c.Uploads.MaxBytes)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.BucketName == "") {
		return errors.New("archive.endpoint and archive.bucketName are required when archive is enabled")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Resolve makes relative model and static paths absolute against root.
func (c *Config) Resolve(root string) {
	c.Model.Path = resolve(root, c.Model.Path)
	c.Model.MetadataPath = resolve(root, c.Model.MetadataPath)
	if c.Model.SharedLibraryPath != "" {
		c.Model.SharedLibraryPath = resolve(root, c.Model.SharedLibraryPath)
	}
	c.Web.StaticDir = resolve(root, c.Web.StaticDir)
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
