// Package config loads the settings of the stagecoord binaries from flags,
// environment variables and an optional stagecoord.yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/getpup/stagecoord"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STAGECOORD"

// Config is the complete configuration of a coordinator or worker process.
type Config struct {
	Pipeline   string   `mapstructure:"pipeline" validate:"required"`
	Sensor     string   `mapstructure:"sensor" validate:"required"`
	Products   []string `mapstructure:"products" validate:"required,min=1,dive,product"`
	JobFile    string   `mapstructure:"job_file" validate:"required"`
	OutputPath string   `mapstructure:"output_path" validate:"required"`
	TmpPath    string   `mapstructure:"tmp_path"`
	SimpleDOS  bool     `mapstructure:"simple_dos"`

	AOT         AOTConfig         `mapstructure:"aot"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Commands    CommandsConfig    `mapstructure:"commands"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Manifest    ManifestConfig    `mapstructure:"manifest"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

// AOTConfig holds the aerosol inputs shared by every scene of a run.
type AOTConfig struct {
	Value      *float64 `mapstructure:"value" validate:"omitempty,gte=0"`
	Visibility *float64 `mapstructure:"visibility" validate:"omitempty,gt=0"`
	File       string   `mapstructure:"file"`
	Min        *float64 `mapstructure:"min" validate:"omitempty,gte=0"`
	Max        *float64 `mapstructure:"max" validate:"omitempty,gte=0"`
	Low        *float64 `mapstructure:"low" validate:"omitempty,gte=0"`
	Up         *float64 `mapstructure:"up" validate:"omitempty,gte=0"`
}

// CoordinatorConfig selects the pool size, transport and policies.
type CoordinatorConfig struct {
	Workers         int           `mapstructure:"workers" validate:"min=1"`
	Transport       string        `mapstructure:"transport" validate:"oneof=local redis"`
	FailurePolicy   string        `mapstructure:"failure_policy" validate:"oneof=fail-fast continue"`
	DispatchPolicy  string        `mapstructure:"dispatch_policy" validate:"oneof=waves ready-first"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout" validate:"gte=0"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// CommandsConfig maps each stage to the command line a worker runs for it.
type CommandsConfig struct {
	Shell  string `mapstructure:"shell"`
	Dir    string `mapstructure:"dir"`
	Stage1 string `mapstructure:"stage1"`
	Stage2 string `mapstructure:"stage2"`
	Stage3 string `mapstructure:"stage3"`
	Stage4 string `mapstructure:"stage4"`
}

// ByStage returns the non-empty command lines keyed by stage.
func (c CommandsConfig) ByStage() map[stagecoord.Stage]string {
	out := make(map[stagecoord.Stage]string, 4)
	for stage, line := range map[stagecoord.Stage]string{
		stagecoord.Stage1: c.Stage1,
		stagecoord.Stage2: c.Stage2,
		stagecoord.Stage3: c.Stage3,
		stagecoord.Stage4: c.Stage4,
	} {
		if strings.TrimSpace(line) != "" {
			out[stage] = line
		}
	}
	return out
}

// RedisConfig locates the Redis server used by the redis transport.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" validate:"required"`
}

// StoreConfig selects the run store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres mysql sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

// JournalConfig enables the event journal when DSN is set.
type JournalConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ManifestConfig selects where the final manifest is written.
type ManifestConfig struct {
	Dir string   `mapstructure:"dir"`
	S3  S3Config `mapstructure:"s3"`
}

// S3Config enables the S3 manifest writer when Bucket is set.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// MetricsConfig enables the metrics server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// WorkerConfig holds the settings of a remote worker process.
type WorkerConfig struct {
	Rank int `mapstructure:"rank"`
}

var defaults = map[string]any{
	"pipeline":                      "arcsi",
	"sensor":                        "",
	"products":                      []string{},
	"job_file":                      "",
	"output_path":                   "",
	"tmp_path":                      "",
	"simple_dos":                    false,
	"coordinator.workers":           4,
	"coordinator.transport":         "local",
	"coordinator.failure_policy":    "fail-fast",
	"coordinator.dispatch_policy":   "waves",
	"coordinator.stage_timeout":     2 * time.Hour,
	"coordinator.ready_timeout":     10 * time.Minute,
	"coordinator.shutdown_timeout":  30 * time.Second,
	"commands.shell":                "sh",
	"commands.dir":                  "",
	"commands.stage1":               "",
	"commands.stage2":               "",
	"commands.stage3":               "",
	"commands.stage4":               "",
	"redis.addr":                    "localhost:6379",
	"redis.password":                "",
	"redis.db":                      0,
	"redis.prefix":                  "stagecoord",
	"store.driver":                  "memory",
	"store.dsn":                     "",
	"journal.dsn":                   "",
	"manifest.dir":                  "",
	"manifest.s3.bucket":            "",
	"manifest.s3.prefix":            "",
	"manifest.s3.region":            "",
	"manifest.s3.endpoint":          "",
	"manifest.s3.access_key_id":     "",
	"manifest.s3.secret_access_key": "",
	"metrics.addr":                  "",
	"log.level":                     "info",
	"log.format":                    "text",
	"worker.rank":                   0,
}

// Keys that also honour the historical ARCSI_* variables. The STAGECOORD_*
// variable wins when both are set.
var envFallbacks = map[string]string{
	"output_path": "ARCSI_OUTPUT_PATH",
	"tmp_path":    "ARCSI_TMP_PATH",
	"simple_dos":  "ARCSI_USE_SIMPLEDOS",
	"aot.min":     "ARCSI_MIN_AOT",
	"aot.max":     "ARCSI_MAX_AOT",
	"aot.low":     "ARCSI_LOW_AOT",
	"aot.up":      "ARCSI_UP_AOT",
}

// Optional keys without a default, so that an absent value stays nil.
var optionalKeys = []string{"aot.value", "aot.visibility", "aot.file", "aot.min", "aot.max", "aot.low", "aot.up"}

var flagKeys = map[string]string{
	"pipeline":        "pipeline",
	"sensor":          "sensor",
	"products":        "products",
	"jobs":            "job_file",
	"output-path":     "output_path",
	"tmp-path":        "tmp_path",
	"simple-dos":      "simple_dos",
	"workers":         "coordinator.workers",
	"transport":       "coordinator.transport",
	"failure-policy":  "coordinator.failure_policy",
	"dispatch-policy": "coordinator.dispatch_policy",
	"stage-timeout":   "coordinator.stage_timeout",
	"ready-timeout":   "coordinator.ready_timeout",
	"redis-addr":      "redis.addr",
	"redis-prefix":    "redis.prefix",
	"store-driver":    "store.driver",
	"store-dsn":       "store.dsn",
	"journal-dsn":     "journal.dsn",
	"manifest-dir":    "manifest.dir",
	"metrics-addr":    "metrics.addr",
	"log-level":       "log.level",
	"rank":            "worker.rank",
}

// RegisterFlags adds the command line flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a stagecoord.yaml file")
	fs.String("pipeline", "arcsi", "Pipeline name used in metrics and the run store")
	fs.String("sensor", "", "Sensor of the scenes in the job list")
	fs.StringSlice("products", nil, "Products to generate for every scene")
	fs.String("jobs", "", "Job list: a text file of header paths or a YAML batch file")
	fs.String("output-path", "", "Output directory for the generated products")
	fs.String("tmp-path", "", "Directory for intermediate files")
	fs.Bool("simple-dos", false, "Use the simple dark object subtraction")
	fs.Int("workers", 4, "Number of worker ranks")
	fs.String("transport", "local", "Transport between ranks: local or redis")
	fs.String("failure-policy", "fail-fast", "Stage failure policy: fail-fast or continue")
	fs.String("dispatch-policy", "waves", "Dispatch policy: waves or ready-first")
	fs.Duration("stage-timeout", 2*time.Hour, "Maximum duration of a single job stage")
	fs.Duration("ready-timeout", 10*time.Minute, "Maximum wait for a worker to announce READY")
	fs.String("redis-addr", "localhost:6379", "Redis address for the redis transport")
	fs.String("redis-prefix", "stagecoord", "Redis key prefix of the rank mailboxes")
	fs.String("store-driver", "memory", "Run store: memory, postgres, mysql or sqlite")
	fs.String("store-dsn", "", "Run store connection string")
	fs.String("journal-dsn", "", "PostgreSQL connection string of the event journal")
	fs.String("manifest-dir", "", "Directory receiving the run manifest")
	fs.String("metrics-addr", "", "Address of the metrics server, disabled when empty")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.Int("rank", 0, "Rank of this worker process")
}

// Load reads the configuration. Precedence is flags, then environment, then
// the config file, then defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	readSecret(EnvPrefix + "_REDIS_PASSWORD")
	readSecret(EnvPrefix + "_STORE_DSN")
	readSecret(EnvPrefix + "_JOURNAL_DSN")
	readSecret(EnvPrefix + "_MANIFEST_S3_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("stagecoord")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stagecoord")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range optionalKeys {
		names := []string{key, envName(key)}
		if legacy, ok := envFallbacks[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	for key, legacy := range envFallbacks {
		if _, ok := defaults[key]; !ok {
			continue
		}
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	explicit := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// readSecret sets KEY from the file named by KEY_FILE unless KEY is already set.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	_ = os.Setenv(envKey, strings.TrimSpace(string(data)))
}

// ProductSet parses the configured products.
func (c *Config) ProductSet() (stagecoord.ProductSet, error) {
	return stagecoord.ParseProducts(c.Products)
}

// CommandEnv is the environment handed to every stage command.
func (c *Config) CommandEnv() []string {
	env := []string{
		"STAGECOORD_SENSOR=" + c.Sensor,
		"STAGECOORD_OUTPUT_PATH=" + c.OutputPath,
		"ARCSI_OUTPUT_PATH=" + c.OutputPath,
	}
	if c.TmpPath != "" {
		env = append(env, "STAGECOORD_TMP_PATH="+c.TmpPath, "ARCSI_TMP_PATH="+c.TmpPath)
	}
	if c.SimpleDOS {
		env = append(env, "ARCSI_USE_SIMPLEDOS=TRUE")
	}
	floats := []struct {
		name string
		v    *float64
	}{
		{"ARCSI_MIN_AOT", c.AOT.Min},
		{"ARCSI_MAX_AOT", c.AOT.Max},
		{"ARCSI_LOW_AOT", c.AOT.Low},
		{"ARCSI_UP_AOT", c.AOT.Up},
	}
	for _, f := range floats {
		if f.v != nil {
			env = append(env, fmt.Sprintf("%s=%g", f.name, *f.v))
		}
	}
	return env
}
