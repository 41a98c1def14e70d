// Package config loads runtime settings from an optional file plus VIRTOOL_
// environment overrides and derives the on-disk data layout from them.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "VIRTOOL"

// Sample group assignment modes.
const (
	SampleGroupNone         = "none"
	SampleGroupUsersPrimary = "users_primary_group"
	SampleGroupForceChoice  = "force_choice"
)

// Storage selects and configures the document store backend.
type Storage struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// S3 configures the S3 blob driver.
type S3 struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// Blob selects and configures the blob store used for uploads and exports.
type Blob struct {
	Driver string `mapstructure:"driver"`
	FSRoot string `mapstructure:"fs_root"`
	S3     S3     `mapstructure:"s3"`
}

// Tools names the external binaries jobs invoke.
type Tools struct {
	Skewer        string `mapstructure:"skewer"`
	FastQC        string `mapstructure:"fastqc"`
	BowtieBuild   string `mapstructure:"bowtie_build"`
	LDLibraryPath string `mapstructure:"ld_library_path"`
}

// Algorithm configures how an analysis algorithm is launched.
type Algorithm struct {
	Command []string `mapstructure:"command"`
	Proc    int      `mapstructure:"proc"`
}

// Jobs sizes the job manager.
type Jobs struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// Settings is the full runtime configuration.
type Settings struct {
	DataPath           string               `mapstructure:"data_path"`
	LogLevel           string               `mapstructure:"log_level"`
	HTTPAddress        string               `mapstructure:"http_address"`
	SampleGroup        string               `mapstructure:"sample_group"`
	SampleGroupRead    bool                 `mapstructure:"sample_group_read"`
	SampleGroupWrite   bool                 `mapstructure:"sample_group_write"`
	SampleAllRead      bool                 `mapstructure:"sample_all_read"`
	SampleAllWrite     bool                 `mapstructure:"sample_all_write"`
	SampleUniqueNames  bool                 `mapstructure:"sample_unique_names"`
	ImportReadsProc    int                  `mapstructure:"import_reads_proc"`
	BuildIndexProc     int                  `mapstructure:"build_index_proc"`
	ExecutorSize       int                  `mapstructure:"executor_size"`
	DefaultSourceTypes []string             `mapstructure:"default_source_types"`
	Jobs               Jobs                 `mapstructure:"jobs"`
	Tools              Tools                `mapstructure:"tools"`
	Algorithms         map[string]Algorithm `mapstructure:"algorithms"`
	Storage            Storage              `mapstructure:"storage"`
	Blob               Blob                 `mapstructure:"blob"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_path", "data")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_address", ":9950")
	v.SetDefault("sample_group", SampleGroupNone)
	v.SetDefault("sample_group_read", true)
	v.SetDefault("sample_group_write", false)
	v.SetDefault("sample_all_read", true)
	v.SetDefault("sample_all_write", false)
	v.SetDefault("sample_unique_names", true)
	v.SetDefault("import_reads_proc", 2)
	v.SetDefault("build_index_proc", 2)
	v.SetDefault("executor_size", 4)
	v.SetDefault("default_source_types", []string{"isolate", "strain"})
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("tools.skewer", "skewer")
	v.SetDefault("tools.fastqc", "fastqc")
	v.SetDefault("tools.bowtie_build", "bowtie2-build")
	v.SetDefault("tools.ld_library_path", "/usr/lib/x86_64-linux-gnu")
	v.SetDefault("algorithms.pathoscope_bowtie.command", []string{"pathoscope"})
	v.SetDefault("algorithms.pathoscope_bowtie.proc", 2)
	v.SetDefault("algorithms.nuvs.command", []string{"nuvs"})
	v.SetDefault("algorithms.nuvs.proc", 2)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "virtool.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.access_key", "")
	v.SetDefault("blob.s3.secret_key", "")
	v.SetDefault("blob.s3.use_path_style", false)
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads settings from path (when non-empty), the environment and any
// bound command-line flags.
func Load(path string, flags *pflag.FlagSet) (Settings, error) {
	v := New()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Settings{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings jobs cannot run with.
func (s Settings) Validate() error {
	var errs []error
	switch s.SampleGroup {
	case SampleGroupNone, SampleGroupUsersPrimary, SampleGroupForceChoice:
	default:
		errs = append(errs, fmt.Errorf("unknown sample_group %q", s.SampleGroup))
	}
	if s.DataPath == "" {
		errs = append(errs, errors.New("data_path is required"))
	}
	if s.Jobs.Workers < 1 {
		errs = append(errs, errors.New("jobs.workers must be positive"))
	}
	if s.ExecutorSize < 1 {
		errs = append(errs, errors.New("executor_size must be positive"))
	}
	return errors.Join(errs...)
}

// AlgorithmFor returns the launch settings for a named analysis algorithm.
func (s Settings) AlgorithmFor(name string) (Algorithm, bool) {
	a, ok := s.Algorithms[name]
	if !ok || len(a.Command) == 0 {
		return Algorithm{}, false
	}
	return a, true
}
