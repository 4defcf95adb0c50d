package netevent

import (
	"fmt"
	"github.com/pelletier/go-toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"io/ioutil"
	"netevent/threading"
	"strings"
)

const (
	defLogLevel       = "info"
	defCallbackQueue  = "netevent.callbacks"
	defResolverCache  = 1024
	defResolverTTLSec = 60
)

type Global struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	MaxOpenFiles uint64 `yaml:"max_open_files" toml:"max_open_files"`
}

// ServerConfig is read by the pipe server and client commands.
type ServerConfig struct {
	Path string `yaml:"path" toml:"path"`
	// File is sent to every client of the pipe server.
	File string `yaml:"file" toml:"file"`
}

type Config struct {
	Global Global               `yaml:"global" toml:"global"`
	Engine EngineConfig         `yaml:"engine" toml:"engine"`
	Pool   threading.PoolConfig `yaml:"pool" toml:"pool"`
	Server ServerConfig         `yaml:"server" toml:"server"`
}

// LoadConfig reads a .toml or .yaml file and fills in defaults.
func LoadConfig(filePath string) (*Config, error) {
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") || strings.HasSuffix(filePath, ".yml") {
		err = yaml.Unmarshal(file, config)
	} else {
		err = fmt.Errorf("unknown config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", filePath, err)
	}
	if err = validateConfig(config); err != nil {
		return nil, fmt.Errorf("load config %s: %w", filePath, err)
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = defLogLevel
	}
	if _, err := zerolog.ParseLevel(config.Global.LogLevel); err != nil {
		return err
	}
	if config.Engine.Loops < 0 {
		return fmt.Errorf("engine loops must not be negative: %d", config.Engine.Loops)
	}
	if config.Engine.CallbackQueue == "" {
		config.Engine.CallbackQueue = defCallbackQueue
	}
	if config.Engine.Resolver.CacheSize == 0 {
		config.Engine.Resolver.CacheSize = defResolverCache
	}
	if config.Engine.Resolver.TTLSec == 0 {
		config.Engine.Resolver.TTLSec = defResolverTTLSec
	}
	if config.Pool.MaxWorkers < 0 {
		return fmt.Errorf("pool max workers must not be negative: %d", config.Pool.MaxWorkers)
	}
	return nil
}

// SetLogLevel applies the configured level to the global logger.
func SetLogLevel(config *Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
