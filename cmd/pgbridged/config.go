package main

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pgbridge/pgbridge"
	"github.com/pgbridge/pgbridge/http"
	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/pgbridge.yml configuration file after changing the structure below.

// Config represents a configuration for the binary process.
type Config struct {
	DB         DBConfig         `yaml:"db"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Cache      CacheConfig      `yaml:"cache"`
	HTTP       HTTPConfig       `yaml:"http"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config

	config.DB.MaxSessions = pgbridge.DefaultMaxSessions
	config.DB.JournalMode = string(pgbridge.JournalModeWAL)
	config.DB.Synchronous = pgbridge.DefaultSynchronous
	config.DB.CacheSize = pgbridge.DefaultCacheSize
	config.DB.MmapSize = pgbridge.DefaultMmapSize

	config.Checkpoint.MaxCommits = pgbridge.DefaultCheckpointMaxCommits
	config.Checkpoint.Interval = pgbridge.DefaultCheckpointInterval
	config.Checkpoint.TruncatePages = pgbridge.DefaultCheckpointTruncatePages

	config.Cache.WorkerSize = pgbridge.DefaultWorkerCacheSize
	config.Cache.StatementSize = pgbridge.DefaultStatementCacheSize
	config.Cache.StatementTTL = pgbridge.DefaultStatementCacheTTL

	config.HTTP.Addr = http.DefaultAddr

	config.Tracing.MaxSize = DefaultTracingMaxSize
	config.Tracing.MaxCount = DefaultTracingMaxCount
	config.Tracing.Compress = DefaultTracingCompress

	return config
}

// ManagerConfig converts the file configuration into the core config.
func (c *Config) ManagerConfig() pgbridge.Config {
	config := pgbridge.NewConfig(c.DB.Path)
	config.MaxSessions = c.DB.MaxSessions
	config.JournalMode = pgbridge.JournalMode(strings.ToUpper(c.DB.JournalMode))
	config.Synchronous = c.DB.Synchronous
	config.CacheSize = c.DB.CacheSize
	config.MmapSize = c.DB.MmapSize
	config.WorkerCacheSize = c.Cache.WorkerSize
	config.CheckpointMaxCommits = c.Checkpoint.MaxCommits
	config.CheckpointInterval = c.Checkpoint.Interval
	config.CheckpointTruncatePages = c.Checkpoint.TruncatePages
	config.StatementCacheSize = c.Cache.StatementSize
	config.StatementCacheTTL = c.Cache.StatementTTL
	return config
}

// DBConfig represents the configuration for the underlying database.
type DBConfig struct {
	Path        string `yaml:"path"`
	MaxSessions int    `yaml:"max-sessions"`
	JournalMode string `yaml:"journal-mode"`
	Synchronous string `yaml:"synchronous"`
	CacheSize   int    `yaml:"cache-size"`
	MmapSize    int64  `yaml:"mmap-size"`
}

// CheckpointConfig represents the WAL checkpoint scheduling thresholds.
type CheckpointConfig struct {
	MaxCommits    int           `yaml:"max-commits"`
	Interval      time.Duration `yaml:"interval"`
	TruncatePages int64         `yaml:"truncate-pages"`
}

// CacheConfig represents the connection & statement cache sizing.
type CacheConfig struct {
	WorkerSize    int           `yaml:"worker-size"`
	StatementSize int           `yaml:"statement-size"`
	StatementTTL  time.Duration `yaml:"statement-ttl"`
}

// HTTPConfig represents the configuration for the admin HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Tracing configuration defaults.
const (
	DefaultTracingMaxSize  = 64 // MB
	DefaultTracingMaxCount = 8
	DefaultTracingCompress = true
)

// TracingConfig represents the configuration the on-disk trace log.
type TracingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(&config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == os.Getenv(a[3]))
			}
			return strconv.FormatBool(os.Getenv(a[1]) != os.Getenv(a[3]))
		}

		return os.Getenv(v)
	})
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// ReadConfigFile reads the configuration from path.
func ReadConfigFile(config *Config, path string, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return UnmarshalConfig(config, buf, expandEnv)
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"pgbridge.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "pgbridge.yml"))
	}
	a = append(a, "/etc/pgbridge.yml")
	return a
}

// ParseConfigPath parses the configuration file from configPath, if specified.
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func ParseConfigPath(configPath string, expandEnv bool, config *Config) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		return ReadConfigFile(config, configPath, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		fmt.Printf("config file read from %s\n", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}
