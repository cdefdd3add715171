package config

import (
	"fmt"
	"os"

	"github.com/Velocidex/yaml/v2"
	errors "github.com/go-errors/errors"
)

var (
	noConfigError = errors.New("No config file specified")
)

// LoadConfigFromString parses a YAML config merged over the defaults.
// Unknown fields are an error - a typo in a config file should not
// silently disable a setting.
func LoadConfigFromString(data string) (*Config, error) {
	result := GetDefaultConfig()
	err := yaml.UnmarshalStrict([]byte(data), result)
	if err != nil {
		return nil, errors.WrapPrefix(err, "Invalid config", 0)
	}

	err = result.Validate()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func LoadConfigFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, noConfigError
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WrapPrefix(err, filename, 0)
	}
	return LoadConfigFromString(string(data))
}

func (self *Config) Validate() error {
	if self.Elastic == nil || len(self.Elastic.Addresses) == 0 {
		return errors.New("Elastic.addresses must list at least one node")
	}

	if self.Scheduler != nil {
		if self.Scheduler.Workers == 0 {
			return errors.New("Scheduler.workers must be at least 1")
		}
		ratio := self.Scheduler.MaxPartialFailureRatio
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf(
				"Scheduler.max_partial_failure_ratio must be within [0, 1], not %v",
				ratio)
		}
	}

	if self.Query != nil {
		if self.Query.MaxPageSize > 0 &&
			self.Query.DefaultPageSize > self.Query.MaxPageSize {
			return errors.New(
				"Query.default_page_size may not exceed Query.max_page_size")
		}
	}

	return nil
}
