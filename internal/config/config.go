// Package config loads processor settings from flags, environment
// variables (SYNCHRONY_*) and an optional YAML config file, in that order
// of precedence, through spf13/viper.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/diotec-barros/diotec360-sub008/internal/conservation"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/telemetry"
)

// EnvPrefix is the prefix of environment overrides: SYNCHRONY_LEVEL_TIMEOUT
// sets level-timeout.
const EnvPrefix = "SYNCHRONY"

// Keys, shared by flags, env and the config file.
const (
	KeyDB                  = "db"
	KeyWorkers             = "workers"
	KeyLevelTimeout        = "level-timeout"
	KeyStalenessWindow     = "staleness-window"
	KeySlippageTolerance   = "slippage-tolerance"
	KeyConversionTolerance = "conversion-tolerance"
	KeyScale               = "scale"
	KeyTrustedSources      = "trusted-sources"
	KeyMetricsFile         = "metrics-file"
	KeyProofCacheSize      = "proof-cache-size"
	KeySolverTimeout       = "solver-timeout"
	KeyOTLPEndpoint        = "otlp-endpoint"
)

// Config holds every tunable of the processor.
type Config struct {
	DB                  string            `mapstructure:"db"`
	Workers             int               `mapstructure:"workers"`
	LevelTimeout        time.Duration     `mapstructure:"level-timeout"`
	StalenessWindow     time.Duration     `mapstructure:"staleness-window"`
	SlippageTolerance   string            `mapstructure:"slippage-tolerance"`
	ConversionTolerance int64             `mapstructure:"conversion-tolerance"`
	Scale               int32             `mapstructure:"scale"`
	TrustedSources      map[string]string `mapstructure:"trusted-sources"` // source → hex ed25519 public key
	MetricsFile         string            `mapstructure:"metrics-file"`
	ProofCacheSize      int               `mapstructure:"proof-cache-size"`
	SolverTimeout       time.Duration     `mapstructure:"solver-timeout"`
	OTLPEndpoint        string            `mapstructure:"otlp-endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB:                  "synchrony.db",
		Workers:             executor.DefaultWorkers,
		LevelTimeout:        executor.DefaultLevelTimeout,
		StalenessWindow:     oracle.DefaultStalenessWindow,
		SlippageTolerance:   oracle.DefaultSlippageTolerance,
		ConversionTolerance: conservation.DefaultConversionTolerance,
		Scale:               fixedpoint.DefaultScale,
		TrustedSources:      map[string]string{},
		ProofCacheSize:      prover.DefaultCacheSize,
	}
}

// RegisterFlags defines one flag per key on fs, with defaults from Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(KeyDB, d.DB, "SQLite database path")
	fs.Int(KeyWorkers, d.Workers, "worker goroutines per level")
	fs.Duration(KeyLevelTimeout, d.LevelTimeout, "maximum time to wait for one dependency level")
	fs.Duration(KeyStalenessWindow, d.StalenessWindow, "maximum age of an oracle quote")
	fs.String(KeySlippageTolerance, d.SlippageTolerance, "maximum relative deviation of a quote from its reference price")
	fs.Int64(KeyConversionTolerance, d.ConversionTolerance, "accepted conversion imbalance in minor units")
	fs.Int32(KeyScale, d.Scale, "fractional digits of one minor unit in batch files")
	fs.StringToString(KeyTrustedSources, nil, "trusted oracle sources as source=hex-ed25519-public-key")
	fs.String(KeyMetricsFile, d.MetricsFile, "write Prometheus metrics to this textfile after each command")
	fs.Int(KeyProofCacheSize, d.ProofCacheSize, "number of cached proof verdicts (0 disables the cache)")
	fs.Duration(KeySolverTimeout, d.SolverTimeout, "linearizability check timeout (0 means none)")
	fs.String(KeyOTLPEndpoint, d.OTLPEndpoint, "export batch traces to this OTLP/HTTP collector (host:port or URL)")
}

// Bind connects v to the flags in fs and to SYNCHRONY_* environment
// variables. Flags that were never registered are skipped.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range keys() {
		if f := fs.Lookup(key); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", key, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// ReadFile merges the YAML config file at path into v. An empty path is a
// no-op.
func ReadFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// FromViper builds a Config from v. Keys v does not know keep their
// defaults.
func FromViper(v *viper.Viper) (Config, error) {
	c := Default()
	if v.IsSet(KeyDB) {
		c.DB = v.GetString(KeyDB)
	}
	if v.IsSet(KeyWorkers) {
		c.Workers = v.GetInt(KeyWorkers)
	}
	if v.IsSet(KeyLevelTimeout) {
		c.LevelTimeout = v.GetDuration(KeyLevelTimeout)
	}
	if v.IsSet(KeyStalenessWindow) {
		c.StalenessWindow = v.GetDuration(KeyStalenessWindow)
	}
	if v.IsSet(KeySlippageTolerance) {
		c.SlippageTolerance = v.GetString(KeySlippageTolerance)
	}
	if v.IsSet(KeyConversionTolerance) {
		c.ConversionTolerance = v.GetInt64(KeyConversionTolerance)
	}
	if v.IsSet(KeyScale) {
		c.Scale = v.GetInt32(KeyScale)
	}
	if v.IsSet(KeyTrustedSources) {
		for source, key := range v.GetStringMapString(KeyTrustedSources) {
			c.TrustedSources[source] = key
		}
	}
	if v.IsSet(KeyMetricsFile) {
		c.MetricsFile = v.GetString(KeyMetricsFile)
	}
	if v.IsSet(KeyProofCacheSize) {
		c.ProofCacheSize = v.GetInt(KeyProofCacheSize)
	}
	if v.IsSet(KeySolverTimeout) {
		c.SolverTimeout = v.GetDuration(KeySolverTimeout)
	}
	if v.IsSet(KeyOTLPEndpoint) {
		c.OTLPEndpoint = v.GetString(KeyOTLPEndpoint)
	}
	return c, c.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyWorkers, c.Workers))
	}
	if c.LevelTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyLevelTimeout, c.LevelTimeout))
	}
	if c.StalenessWindow <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyStalenessWindow, c.StalenessWindow))
	}
	if _, err := c.Slippage(); err != nil {
		errs = append(errs, err)
	}
	if c.ConversionTolerance < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyConversionTolerance))
	}
	if c.Scale < 0 || c.Scale > 18 {
		errs = append(errs, fmt.Errorf("%s must be within [0, 18], got %d", KeyScale, c.Scale))
	}
	if _, err := c.TrustedKeys(); err != nil {
		errs = append(errs, err)
	}
	if c.ProofCacheSize < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyProofCacheSize))
	}
	if c.SolverTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeySolverTimeout))
	}
	if c.OTLPEndpoint != "" {
		if _, err := telemetry.ResolveTarget(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyOTLPEndpoint, err))
		}
	}
	return errors.Join(errs...)
}

// Slippage parses SlippageTolerance.
func (c Config) Slippage() (*apd.Decimal, error) {
	d, err := fixedpoint.ParseDecimal(c.SlippageTolerance)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeySlippageTolerance, err)
	}
	if d.Negative {
		return nil, fmt.Errorf("%s must not be negative", KeySlippageTolerance)
	}
	return d, nil
}

// TrustedKeys decodes TrustedSources.
func (c Config) TrustedKeys() (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(c.TrustedSources))
	for source, hex := range c.TrustedSources {
		key, err := oracle.ParsePublicKey(hex)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", KeyTrustedSources, source, err)
		}
		out[source] = key
	}
	return out, nil
}

func keys() []string {
	return []string{
		KeyDB, KeyWorkers, KeyLevelTimeout, KeyStalenessWindow, KeySlippageTolerance,
		KeyConversionTolerance, KeyScale, KeyTrustedSources, KeyMetricsFile,
		KeyProofCacheSize, KeySolverTimeout, KeyOTLPEndpoint,
	}
}
