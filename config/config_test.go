package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/tracesketch/config"
)

func TestDefaultsAreValid(t *testing.T) {
	config_obj := config.GetDefaultConfig()
	assert.NoError(t, config_obj.Validate())

	assert.Equal(t, 60*time.Second, config_obj.OperationTimeout())
	assert.Equal(t, 5*time.Second, config_obj.RetryBackoff())
	assert.Equal(t, time.Minute, config_obj.ScrollTTL())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	config_obj, err := config.LoadConfigFromString(`
Elastic:
  addresses:
    - http://es1:9200
    - http://es2:9200
  operation_timeout_sec: 30
Scheduler:
  workers: 8
`)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"http://es1:9200", "http://es2:9200"},
		config_obj.Elastic.Addresses)
	assert.Equal(t, 30*time.Second, config_obj.OperationTimeout())
	assert.Equal(t, uint64(8), config_obj.Scheduler.Workers)

	// Untouched sections keep their defaults.
	assert.Equal(t, uint64(1000), config_obj.Query.MaxPageSize)
	assert.Equal(t, 0.05, config_obj.Scheduler.MaxPartialFailureRatio)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	_, err := config.LoadConfigFromString(`
Elastic:
  addressess:
    - http://es1:9200
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid config")
}

func TestValidationRules(t *testing.T) {
	_, err := config.LoadConfigFromString(`
Elastic:
  addresses: []
`)
	assert.Error(t, err)

	_, err = config.LoadConfigFromString(`
Scheduler:
  workers: 0
  max_retries: 3
`)
	assert.Error(t, err)

	_, err = config.LoadConfigFromString(`
Scheduler:
  workers: 4
  max_partial_failure_ratio: 1.5
`)
	assert.Error(t, err)

	_, err = config.LoadConfigFromString(`
Query:
  max_page_size: 100
  default_page_size: 500
`)
	assert.Error(t, err)
}
