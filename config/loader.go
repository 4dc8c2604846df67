package config

import (
	"fmt"
	"os"

	"github.com/Velocidex/yaml/v2"
	"github.com/go-errors/errors"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	noConfigLoaded = errors.New("No config could be loaded")
)

type loaderFunction struct {
	name        string
	loader_func func(self *Loader) (*Config, error)
}

type validatorFunction struct {
	name      string
	validator func(self *Loader, config_obj *Config) error
}

// Loaders are tried in order until one produces a config. Then all
// validators run on the result.
type Loader struct {
	verbose bool

	loaders    []loaderFunction
	validators []validatorFunction

	Logger func(format string, args ...interface{})
}

func (self *Loader) Copy() *Loader {
	return &Loader{
		verbose:    self.verbose,
		loaders:    append([]loaderFunction{}, self.loaders...),
		validators: append([]validatorFunction{}, self.validators...),
		Logger:     self.Logger,
	}
}

func (self *Loader) Log(format string, args ...interface{}) {
	if self.verbose && self.Logger != nil {
		self.Logger(format, args...)
	}
}

func (self *Loader) WithVerbose(verbose bool) *Loader {
	self = self.Copy()
	self.verbose = verbose
	return self
}

func (self *Loader) WithFileLoader(filename string) *Loader {
	if filename == "" {
		return self
	}

	self = self.Copy()
	self.loaders = append(self.loaders, loaderFunction{
		name: "FileLoader",
		loader_func: func(self *Loader) (*Config, error) {
			self.Log("Loading config from file %v", filename)
			return ReadConfigFile(filename)
		}})
	return self
}

func (self *Loader) WithEnvLoader(env_var string) *Loader {
	self = self.Copy()
	self.loaders = append(self.loaders, loaderFunction{
		name: "EnvLoader",
		loader_func: func(self *Loader) (*Config, error) {
			filename := os.Getenv(env_var)
			if filename == "" {
				return nil, noConfigLoaded
			}
			self.Log("Loading config from env %v (%v)", env_var, filename)
			return ReadConfigFile(filename)
		}})
	return self
}

func (self *Loader) WithDefaultLoader() *Loader {
	self = self.Copy()
	self.loaders = append(self.loaders, loaderFunction{
		name: "DefaultLoader",
		loader_func: func(self *Loader) (*Config, error) {
			self.Log("Using default config")
			return GetDefaultConfig(), nil
		}})
	return self
}

func (self *Loader) WithValidator(
	name string, cb func(config_obj *Config) error) *Loader {
	self = self.Copy()
	self.validators = append(self.validators, validatorFunction{
		name: name,
		validator: func(self *Loader, config_obj *Config) error {
			return cb(config_obj)
		}})
	return self
}

func (self *Loader) LoadAndValidate() (*Config, error) {
	for _, loader := range self.loaders {
		config_obj, err := loader.loader_func(self)
		if err != nil {
			self.Log("%v: %v", loader.name, err)
			continue
		}

		err = ValidateConfig(config_obj)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", loader.name, err)
		}

		for _, v := range self.validators {
			err := v.validator(self, config_obj)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", v.name, err)
			}
		}
		return config_obj, nil
	}

	return nil, noConfigLoaded
}

func ReadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfigFromString(data)
}

// Missing sections are filled from the defaults.
func ParseConfigFromString(data []byte) (*Config, error) {
	result := &Config{}
	err := yaml.UnmarshalStrict(data, result)
	if err != nil {
		return nil, err
	}

	defaults := GetDefaultConfig()
	if result.Datastore == nil {
		result.Datastore = defaults.Datastore
	}
	if result.Notifier == nil {
		result.Notifier = defaults.Notifier
	}
	if result.Worker == nil {
		result.Worker = defaults.Worker
	}
	if result.Flows == nil {
		result.Flows = defaults.Flows
	}
	if result.Collections == nil {
		result.Collections = defaults.Collections
	}
	if result.Hunts == nil {
		result.Hunts = defaults.Hunts
	}
	if result.Foreman == nil {
		result.Foreman = defaults.Foreman
	}
	if result.Logging == nil {
		result.Logging = defaults.Logging
	}

	return result, nil
}

func Encode(config_obj *Config) ([]byte, error) {
	return yaml.Marshal(config_obj)
}

func WriteConfigToFile(filename string, config_obj *Config) error {
	serialized, err := Encode(config_obj)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, serialized, 0600)
}

func ValidateConfig(config_obj *Config) error {
	switch config_obj.Datastore.Implementation {
	case "Memory", "Test":
	case "Sqlite":
		if config_obj.Datastore.Location == "" {
			return fmt.Errorf("%w: Datastore.location required for Sqlite",
				utils.InvalidArgError)
		}
	case "MySQL":
		if config_obj.Datastore.MysqlConnectionString == "" {
			return fmt.Errorf(
				"%w: Datastore.mysql_connection_string required for MySQL",
				utils.InvalidArgError)
		}
	default:
		return fmt.Errorf("%w: Unknown datastore implementation %v",
			utils.InvalidArgError, config_obj.Datastore.Implementation)
	}

	switch config_obj.Notifier.Implementation {
	case "", "Datastore":
	case "Redis":
		if config_obj.Notifier.RedisAddress == "" {
			return fmt.Errorf("%w: Notifier.redis_address required for Redis",
				utils.InvalidArgError)
		}
	default:
		return fmt.Errorf("%w: Unknown notifier implementation %v",
			utils.InvalidArgError, config_obj.Notifier.Implementation)
	}

	if config_obj.Flows.MaxRetransmissions <= 0 {
		return fmt.Errorf("%w: Flows.max_retransmissions must be positive",
			utils.InvalidArgError)
	}

	if config_obj.Collections.IndexSpacing <= 0 {
		return fmt.Errorf("%w: Collections.index_spacing must be positive",
			utils.InvalidArgError)
	}

	if config_obj.Worker.Threads <= 0 || config_obj.Worker.HuntThreads <= 0 {
		return fmt.Errorf("%w: Worker threads must be positive",
			utils.InvalidArgError)
	}

	return nil
}

func NewLoader() *Loader {
	return &Loader{}
}
