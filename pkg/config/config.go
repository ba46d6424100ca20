// Package config resolves the proxy settings from flags, environment and an
// optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "NIX_CACHE_PROXY_"

const (
	BackendS3   = "s3"
	BackendFile = "file"
)

type Config struct {
	Listen          string        `yaml:"listen"`
	MetricsListen   string        `yaml:"metrics_listen"`
	Backend         string        `yaml:"backend"`
	Bucket          string        `yaml:"bucket"`
	CacheDirectory  string        `yaml:"cache_dir"`
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	UsePathStyle    bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ChunkSize       int           `yaml:"chunk_size"`
	MaxMetadataSize int64         `yaml:"max_metadata_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	LogFile         string        `yaml:"log_file"`

	ConfigFile  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

func Default() Config {
	return Config{
		Listen:          "[::]:9000",
		MetricsListen:   ":9090",
		Backend:         BackendS3,
		ChunkSize:       1 << 20,
		MaxMetadataSize: 1 << 20,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Parse resolves the configuration. The first positional argument, if any,
// is the bucket name.
func Parse(program string, args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet(program, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Expose an object storage bucket hosting Nix binary cache contents over HTTP.\n\nUsage: %s [flags] [bucket]\n\nEvery flag can also be set as %s<FLAG>.\n\n", program, EnvPrefix)
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML file with settings, overridden by env and flags")
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Address to serve the binary cache on")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Address to serve /metrics on, empty to disable")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: s3 or file")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "Bucket (container) holding the cache, for the s3 backend")
	fs.StringVar(&cfg.CacheDirectory, "cache-dir", cfg.CacheDirectory, "Directory holding the cache, for the file backend")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "S3 endpoint URL for S3 compatible servers")
	fs.StringVar(&cfg.Region, "region", cfg.Region, "S3 region, detected from the bucket when empty")
	fs.BoolVar(&cfg.UsePathStyle, "path-style", cfg.UsePathStyle, "Use path-style S3 addressing")
	fs.StringVar(&cfg.AccessKeyID, "access-key-id", cfg.AccessKeyID, "Static S3 access key, the AWS credential chain is used when empty")
	fs.StringVar(&cfg.SecretAccessKey, "secret-access-key", cfg.SecretAccessKey, "Static S3 secret key, prefer "+EnvName("secret-access-key"))
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Bytes fetched per backend request when serving NAR files")
	fs.Int64Var(&cfg.MaxMetadataSize, "max-metadata-size", cfg.MaxMetadataSize, "narinfo and nix-cache-info up to this size are buffered before responding")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time to let running requests finish on shutdown")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or console")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Write logs to this file with rotation instead of stderr")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	// PORT is what container platforms hand out, anything more specific wins
	if port := getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}

	configFile := cfg.ConfigFile
	if configFile == "" {
		configFile = getenv(EnvName("config"))
	}
	if configFile != "" {
		if err := loadFile(configFile, &cfg); err != nil {
			return nil, err
		}
		cfg.ConfigFile = configFile
	}

	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if _, ok := explicit[f.Name]; ok || f.Name == "config" || f.Name == "version" {
			return
		}
		if v := getenv(EnvName(f.Name)); v != "" {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = errors.Join(envErr, fmt.Errorf("%s: %w", EnvName(f.Name), err))
			}
		}
	})
	if envErr != nil {
		return nil, envErr
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return nil, err
		}
	}

	if fs.NArg() > 1 {
		return nil, fmt.Errorf("expected at most one bucket argument, got %q", fs.Args())
	}
	if fs.NArg() == 1 {
		cfg.Bucket = fs.Arg(0)
	}

	if cfg.ShowVersion {
		return &cfg, nil
	}
	return &cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendS3:
		if c.Bucket == "" {
			errs = append(errs, errors.New("the s3 backend needs a bucket"))
		}
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			errs = append(errs, errors.New("access key id and secret access key must be set together"))
		}
	case BackendFile:
		if c.CacheDirectory == "" {
			errs = append(errs, errors.New("the file backend needs --cache-dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.MaxMetadataSize <= 0 {
		errs = append(errs, fmt.Errorf("max metadata size must be positive, got %d", c.MaxMetadataSize))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
