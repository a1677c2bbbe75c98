// Package types provides configuration types for the strategy lab.
package types

import (
	"runtime"
	"time"
)

// AppConfig is the root configuration loaded by internal/config
type AppConfig struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Data      DataConfig      `json:"data" mapstructure:"data"`
	Optimizer OptimizerConfig `json:"optimizer" mapstructure:"optimizer"`
	Log       LogConfig       `json:"log" mapstructure:"log"`
	Mode      string          `json:"mode" mapstructure:"mode"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"writeTimeout"`
	MaxConnections int           `json:"maxConnections" mapstructure:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enableMetrics"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowedOrigins"`
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "localhost",
		Port:           8080,
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
		AllowedOrigins: []string{"*"},
	}
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DataDir        string `json:"dataDir" mapstructure:"dataDir"`
	FileTemplate   string `json:"fileTemplate" mapstructure:"fileTemplate"` // e.g. "{symbol}-{interval}"
	ValidateOnLoad bool   `json:"validateOnLoad" mapstructure:"validateOnLoad"`
}

// DefaultDataConfig returns sensible defaults
func DefaultDataConfig() DataConfig {
	return DataConfig{
		DataDir:        "./data",
		FileTemplate:   "{symbol}-{interval}",
		ValidateOnLoad: true,
	}
}

// OptimizerConfig configures optimization runs
type OptimizerConfig struct {
	ParallelWorkers int           `json:"parallelWorkers" mapstructure:"parallelWorkers"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	Seed            int64         `json:"seed" mapstructure:"seed"`

	// Simulated annealing
	InitialTemperature float64 `json:"initialTemperature" mapstructure:"initialTemperature"`
	CoolingRate        float64 `json:"coolingRate" mapstructure:"coolingRate"`
	MinTemperature     float64 `json:"minTemperature" mapstructure:"minTemperature"`
	MaxCycles          int     `json:"maxCycles" mapstructure:"maxCycles"`

	// Genetic search
	PopulationSize int `json:"populationSize" mapstructure:"populationSize"`
	Generations    int `json:"generations" mapstructure:"generations"`
	MaxEpochs      int `json:"maxEpochs" mapstructure:"maxEpochs"`

	// Monte Carlo
	MonteCarloRuns int `json:"monteCarloRuns" mapstructure:"monteCarloRuns"`
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		ParallelWorkers:    10,
		Timeout:            10 * time.Minute,
		Seed:               0,
		InitialTemperature: 1,
		CoolingRate:        0.99,
		MinTemperature:     0.001,
		MaxCycles:          0,
		PopulationSize:     30,
		Generations:        20,
		MaxEpochs:          0,
		MonteCarloRuns:     1000,
	}
}

// MonteCarloWorkers returns a worker count for resampling
func (c OptimizerConfig) MonteCarloWorkers() int {
	if c.ParallelWorkers > 0 {
		return c.ParallelWorkers
	}
	return runtime.NumCPU()
}

// LogConfig configures logging
type LogConfig struct {
	Level    string `json:"level" mapstructure:"level"`
	Encoding string `json:"encoding" mapstructure:"encoding"` // "console" or "json"
}

// DefaultAppConfig returns the full default configuration
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server:    DefaultServerConfig(),
		Data:      DefaultDataConfig(),
		Optimizer: DefaultOptimizerConfig(),
		Log:       LogConfig{Level: "info", Encoding: "console"},
		Mode:      "alts",
	}
}
