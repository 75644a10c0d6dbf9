package config

import (
	"bytes"
	"io"
	"os"
	"runtime"

	"kvs/storage/logstore"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EngineKvs  = "kvs"
	EngineBolt = "bolt"

	DefaultAddr = "127.0.0.1:4000"
)

type Config struct {
	Server  ServerOptions  `yaml:"server"`
	Storage StorageOptions `yaml:"storage"`
	Log     LogOptions     `yaml:"log"`
}

type ServerOptions struct {
	Addr string `yaml:"addr"`
	// Workers is the size of the connection worker pool.
	Workers int `yaml:"workers"`
	// Inline serves connections one at a time on the accept goroutine.
	Inline      bool   `yaml:"inline"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type StorageOptions struct {
	Dir                 string `yaml:"dir"`
	Engine              string `yaml:"engine"`
	CompactionThreshold uint64 `yaml:"compaction_threshold"`
	SyncWrites          bool   `yaml:"sync_writes"`
}

type LogOptions struct {
	Level string `yaml:"level"`
}

func Default() Config {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}

	return Config{
		Server: ServerOptions{
			Addr:    DefaultAddr,
			Workers: runtime.NumCPU(),
		},
		Storage: StorageOptions{
			Dir:                 dir,
			Engine:              EngineKvs,
			CompactionThreshold: logstore.DefaultCompactionThreshold,
			SyncWrites:          true,
		},
		Log: LogOptions{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. Fields missing from the file keep
// their default value; unknown fields are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}

	if !c.Server.Inline && c.Server.Workers < 1 {
		return errors.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}

	if c.Storage.Dir == "" {
		return errors.New("storage.dir must be set")
	}

	switch c.Storage.Engine {
	case EngineKvs, EngineBolt:
	default:
		return errors.Errorf("storage.engine must be %q or %q, got %q", EngineKvs, EngineBolt, c.Storage.Engine)
	}

	if c.Storage.CompactionThreshold == 0 {
		return errors.New("storage.compaction_threshold must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	return nil
}

func (c Config) LogstoreOptions() logstore.Options {
	return logstore.Options{
		CompactionThreshold: c.Storage.CompactionThreshold,
		SyncWrites:          c.Storage.SyncWrites,
	}
}
