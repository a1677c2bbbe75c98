// Package config loads the application configuration from an optional
// config file, a .env file and STRATEGYLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// EnvPrefix prefixes every environment variable, e.g. STRATEGYLAB_SERVER_PORT
const EnvPrefix = "STRATEGYLAB"

// Options control where configuration is read from
type Options struct {
	// File is an explicit config file. Empty searches ConfigPaths for
	// strategylab.{yaml,json,toml}.
	File        string
	ConfigPaths []string
	// EnvFiles are loaded into the environment first. Missing files are
	// skipped; existing variables are never overwritten.
	EnvFiles []string
}

// DefaultOptions reads ./strategylab.* and ./.env
func DefaultOptions() Options {
	return Options{
		ConfigPaths: []string{"."},
		EnvFiles:    []string{".env"},
	}
}

// Load builds the configuration. Precedence is environment, then config
// file, then defaults.
func Load(opts Options) (*types.AppConfig, error) {
	for _, f := range opts.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v, types.DefaultAppConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("strategylab")
		for _, p := range opts.ConfigPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := types.DefaultAppConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// comma separated lists from the environment
	if origins := os.Getenv(EnvPrefix + "_SERVER_ALLOWEDORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it
func setDefaults(v *viper.Viper, d types.AppConfig) {
	v.SetDefault("mode", d.Mode)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocketPath", d.Server.WebSocketPath)
	v.SetDefault("server.readTimeout", d.Server.ReadTimeout)
	v.SetDefault("server.writeTimeout", d.Server.WriteTimeout)
	v.SetDefault("server.maxConnections", d.Server.MaxConnections)
	v.SetDefault("server.enableMetrics", d.Server.EnableMetrics)
	v.SetDefault("server.allowedOrigins", d.Server.AllowedOrigins)

	v.SetDefault("data.dataDir", d.Data.DataDir)
	v.SetDefault("data.fileTemplate", d.Data.FileTemplate)
	v.SetDefault("data.validateOnLoad", d.Data.ValidateOnLoad)

	v.SetDefault("optimizer.parallelWorkers", d.Optimizer.ParallelWorkers)
	v.SetDefault("optimizer.timeout", d.Optimizer.Timeout)
	v.SetDefault("optimizer.seed", d.Optimizer.Seed)
	v.SetDefault("optimizer.initialTemperature", d.Optimizer.InitialTemperature)
	v.SetDefault("optimizer.coolingRate", d.Optimizer.CoolingRate)
	v.SetDefault("optimizer.minTemperature", d.Optimizer.MinTemperature)
	v.SetDefault("optimizer.maxCycles", d.Optimizer.MaxCycles)
	v.SetDefault("optimizer.populationSize", d.Optimizer.PopulationSize)
	v.SetDefault("optimizer.generations", d.Optimizer.Generations)
	v.SetDefault("optimizer.maxEpochs", d.Optimizer.MaxEpochs)
	v.SetDefault("optimizer.monteCarloRuns", d.Optimizer.MonteCarloRuns)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
}
