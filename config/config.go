/*
Tracesketch - Collaborative Timeline Forensics

Copyright (C) 2025 Velocidex Innovations.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package config

import (
	"time"
)

// Connection settings for the event index. The index holds the actual
// forensic events - relational metadata (sketches, sessions, saved
// searches) lives in the datastore.
type ElasticConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Username  string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password  string   `yaml:"password,omitempty" json:"password,omitempty"`

	// Operations against the index are abandoned after this long and
	// treated as a transient store failure.
	OperationTimeoutSec uint64 `yaml:"operation_timeout_sec,omitempty" json:"operation_timeout_sec,omitempty"`

	// How long a scroll context is kept alive between page fetches.
	ScrollTTLSec uint64 `yaml:"scroll_ttl_sec,omitempty" json:"scroll_ttl_sec,omitempty"`
}

type QueryConfig struct {
	// Hard cap on a single result page. Requests asking for more are
	// rejected outright rather than silently clamped.
	MaxPageSize uint64 `yaml:"max_page_size,omitempty" json:"max_page_size,omitempty"`

	// Page size used when the caller does not specify one.
	DefaultPageSize uint64 `yaml:"default_page_size,omitempty" json:"default_page_size,omitempty"`

	// Maximum nesting depth of an aggregation spec tree.
	MaxAggregationDepth uint64 `yaml:"max_aggregation_depth,omitempty" json:"max_aggregation_depth,omitempty"`
}

type SchedulerConfig struct {
	// Number of analyzer units allowed to run concurrently in this
	// process. Protects the index from burst load.
	Workers uint64 `yaml:"workers,omitempty" json:"workers,omitempty"`

	// How often a unit is retried after a transient store error
	// before it is marked failed.
	MaxRetries uint64 `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	RetryBackoffSec uint64 `yaml:"retry_backoff_sec,omitempty" json:"retry_backoff_sec,omitempty"`

	// A bulk tag write that partially fails is tolerated as long as
	// the failed fraction stays at or below this ratio. Above it the
	// unit is marked failed.
	MaxPartialFailureRatio float64 `yaml:"max_partial_failure_ratio,omitempty" json:"max_partial_failure_ratio,omitempty"`
}

type DatastoreConfig struct {
	// Path of the sqlite database holding sessions, unit states and
	// saved searches. ":memory:" is accepted for tests.
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
}

type AnalyzerConfig struct {
	// Endpoint serving threat intel indicators for the indicators
	// analyzer. Optional - when unset the analyzer reports
	// NotApplicable.
	IndicatorFeedURL string `yaml:"indicator_feed_url,omitempty" json:"indicator_feed_url,omitempty"`
	IndicatorFeedKey string `yaml:"indicator_feed_key,omitempty" json:"indicator_feed_key,omitempty"`
}

type LoggingConfig struct {
	// One of debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Emit logs as JSON instead of text.
	JSON bool `yaml:"json,omitempty" json:"json,omitempty"`
}

type Config struct {
	Elastic   *ElasticConfig   `yaml:"Elastic,omitempty" json:"Elastic,omitempty"`
	Query     *QueryConfig     `yaml:"Query,omitempty" json:"Query,omitempty"`
	Scheduler *SchedulerConfig `yaml:"Scheduler,omitempty" json:"Scheduler,omitempty"`
	Datastore *DatastoreConfig `yaml:"Datastore,omitempty" json:"Datastore,omitempty"`
	Analyzers *AnalyzerConfig  `yaml:"Analyzers,omitempty" json:"Analyzers,omitempty"`
	Logging   *LoggingConfig   `yaml:"Logging,omitempty" json:"Logging,omitempty"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Elastic: &ElasticConfig{
			Addresses:           []string{"http://127.0.0.1:9200"},
			OperationTimeoutSec: 60,
			ScrollTTLSec:        60,
		},
		Query: &QueryConfig{
			MaxPageSize:         1000,
			DefaultPageSize:     40,
			MaxAggregationDepth: 3,
		},
		Scheduler: &SchedulerConfig{
			Workers:                4,
			MaxRetries:             3,
			RetryBackoffSec:        5,
			MaxPartialFailureRatio: 0.05,
		},
		Datastore: &DatastoreConfig{
			Location: "tracesketch.db",
		},
		Analyzers: &AnalyzerConfig{},
		Logging: &LoggingConfig{
			Level: "info",
		},
	}
}

func (self *Config) OperationTimeout() time.Duration {
	if self.Elastic == nil || self.Elastic.OperationTimeoutSec == 0 {
		return 60 * time.Second
	}
	return time.Duration(self.Elastic.OperationTimeoutSec) * time.Second
}

func (self *Config) RetryBackoff() time.Duration {
	if self.Scheduler == nil || self.Scheduler.RetryBackoffSec == 0 {
		return 5 * time.Second
	}
	return time.Duration(self.Scheduler.RetryBackoffSec) * time.Second
}

func (self *Config) ScrollTTL() time.Duration {
	if self.Elastic == nil || self.Elastic.ScrollTTLSec == 0 {
		return time.Minute
	}
	return time.Duration(self.Elastic.ScrollTTLSec) * time.Second
}
