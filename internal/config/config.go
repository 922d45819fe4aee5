// Package config loads the file server configuration: logging, the HTTP
// server, the download route and the storages of the hub.
//
// The YAML file may reference environment variables as ${NAME}. Variables
// from an optional .env file are loaded first, so secrets stay out of the
// YAML:
//
//	storages:
//	  uploads:
//	    type: minio
//	    endpoint: ${MINIO_ENDPOINT}
//	    access_key: ${MINIO_ACCESS_KEY}
//	    secret_key: ${MINIO_SECRET_KEY}
//	    buckets: [avatars, documents]
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"go.yaml.in/yaml/v3"

	"github.com/koustreak/filestorage/internal/download"
	"github.com/koustreak/filestorage/internal/errs"
	"github.com/koustreak/filestorage/internal/filestore"
	"github.com/koustreak/filestorage/internal/logger"
)

// Config is the root of the configuration file.
type Config struct {
	Log      logger.Config   `yaml:"log"`
	Server   ServerConfig    `yaml:"server"`
	Download download.Config `yaml:"download"`

	// BaseURL is the default for storages that declare none.
	BaseURL filestore.BaseURL `yaml:"base_url,omitempty"`

	Storages Storages `yaml:"storages"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a Config with every field but Storages set.
func Default() *Config {
	return &Config{
		Log: *logger.DefaultConfig(),
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Download: *download.DefaultConfig(),
	}
}

// Load reads envFiles, then the YAML file at path, then the FILESERVER_*
// environment overrides. Missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrapf(errs.ErrKindInvalidArgument, err, "unable to read %s", f)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(errs.ErrKindNotFound, "config file not found", err)
		}
		return nil, errs.Wrap(errs.ErrKindIOFailed, "unable to read config file", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands ${VAR} references in raw and decodes it over Default.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidArgument, "invalid config file", err)
	}
	return cfg, nil
}

// applyEnv lets deployments override scalar settings without editing the
// file.
func (c *Config) applyEnv() {
	c.Server.Addr = cast.ToString(getOrDefault("FILESERVER_ADDR", c.Server.Addr))
	c.Server.ShutdownTimeout = cast.ToDuration(getOrDefault("FILESERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout))
	c.Log.Level = cast.ToString(getOrDefault("FILESERVER_LOG_LEVEL", c.Log.Level))
	c.Log.Format = cast.ToString(getOrDefault("FILESERVER_LOG_FORMAT", c.Log.Format))
	c.Download.CheckFileExistence = cast.ToBool(getOrDefault("FILESERVER_CHECK_FILE_EXISTENCE", c.Download.CheckFileExistence))
}

func getOrDefault(key string, defaultValue any) any {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultValue
}

// Validate reports the first structural problem of the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errs.New(errs.ErrKindInvalidArgument, "server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errs.New(errs.ErrKindInvalidArgument, "server.shutdown_timeout must be positive")
	}
	if len(c.Storages) == 0 {
		return errs.New(errs.ErrKindInvalidArgument, "at least one storage is required")
	}
	for _, s := range c.Storages {
		cfg, ok := s.Data.(filestore.StorageConfig)
		if ok && cfg.Type == "" {
			return errs.Newf(errs.ErrKindInvalidArgument, "storage %q has no type", s.Name)
		}
	}
	return nil
}

// NewHub registers every configured storage in file order. Storages open
// lazily, on first access to one of their buckets.
func (c *Config) NewHub(log *logger.Logger) (*filestore.Hub, error) {
	specs := make([]filestore.StorageSpec, len(c.Storages))
	for i, s := range c.Storages {
		if cfg, ok := s.Data.(filestore.StorageConfig); ok && cfg.BaseURL.IsZero() {
			cfg.BaseURL = c.BaseURL
			s.Data = cfg
		}
		specs[i] = s
	}

	hub := filestore.NewHub(filestore.WithLogger(log))
	if err := hub.SetStorages(specs...); err != nil {
		return nil, err
	}
	return hub, nil
}

// Storages is the ordered storages mapping. The first entry is the hub's
// default storage, so the order of the file is kept.
type Storages []filestore.StorageSpec

func (s *Storages) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errs.New(errs.ErrKindInvalidArgument, "storages must be a mapping of name to storage")
	}
	specs := make(Storages, 0, len(node.Content)/2)
	seen := map[string]bool{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if seen[name] {
			return errs.Newf(errs.ErrKindInvalidArgument, "storage %q is declared twice", name)
		}
		seen[name] = true

		var cfg filestore.StorageConfig
		if err := node.Content[i+1].Decode(&cfg); err != nil {
			return errs.Wrapf(errs.ErrKindInvalidArgument, err, "invalid storage %q", name)
		}
		specs = append(specs, filestore.StorageSpec{Name: name, Data: cfg})
	}
	*s = specs
	return nil
}
