package config

import (
	"time"
)

type DatastoreConfig struct {
	// One of Memory, Test, Sqlite, MySQL
	Implementation string `yaml:"implementation,omitempty"`

	// Path of the sqlite database file.
	Location string `yaml:"location,omitempty"`

	MysqlConnectionString string `yaml:"mysql_connection_string,omitempty"`

	// Datastore refuses all writes.
	ReadOnly bool `yaml:"read_only,omitempty"`
}

type NotifierConfig struct {
	// One of Datastore or Redis
	Implementation string `yaml:"implementation,omitempty"`

	RedisAddress  string `yaml:"redis_address,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDb       int    `yaml:"redis_db,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty"`
}

type WorkerConfig struct {
	// Number of sessions processed concurrently.
	Threads int `yaml:"threads,omitempty"`

	// Size of the thread pool hunts dispatch handlers on.
	HuntThreads int `yaml:"hunt_threads,omitempty"`

	PollIntervalMs int64 `yaml:"poll_interval_ms,omitempty"`

	// Session lease duration.
	LeaseTimeSec int64 `yaml:"lease_time_sec,omitempty"`

	// Notifications that find the session leased are retried after
	// this delay.
	LeaseRetryDelayMs int64 `yaml:"lease_retry_delay_ms,omitempty"`

	MaxNotificationsPerSecond float64 `yaml:"max_notifications_per_second,omitempty"`

	NotificationBatch int `yaml:"notification_batch,omitempty"`

	Queues []string `yaml:"queues,omitempty"`
}

type FlowsConfig struct {
	MaxRetransmissions int `yaml:"max_retransmissions,omitempty"`

	// Limits applied to flows started without explicit limits.
	DefaultCpuLimit          float64 `yaml:"default_cpu_limit,omitempty"`
	DefaultNetworkBytesLimit uint64  `yaml:"default_network_bytes_limit,omitempty"`

	ClientTaskTtl      int   `yaml:"client_task_ttl,omitempty"`
	ClientLeaseTimeSec int64 `yaml:"client_lease_time_sec,omitempty"`

	// Page size for ledger scans.
	RequestLimit int `yaml:"request_limit,omitempty"`
}

type CollectionsConfig struct {
	IndexSpacing       int   `yaml:"index_spacing,omitempty"`
	IndexWriteDelaySec int64 `yaml:"index_write_delay_sec,omitempty"`

	// Background index updates wait this long after being queued.
	IndexUpdaterDelaySec int64 `yaml:"index_updater_delay_sec,omitempty"`

	// An add queues a background index update with probability
	// 1/index_update_probability. 0 disables.
	IndexUpdateProbability int `yaml:"index_update_probability,omitempty"`

	ScanBatchSize int `yaml:"scan_batch_size,omitempty"`

	DisableIndexUpdater bool `yaml:"disable_index_updater,omitempty"`
}

type HuntsConfig struct {
	DefaultExpirySec  int64 `yaml:"default_expiry_sec,omitempty"`
	DefaultClientRate int64 `yaml:"default_client_rate,omitempty"`
}

type ForemanConfig struct {
	// Clients are not evaluated again within this interval.
	CheckIntervalSec int64 `yaml:"check_interval_sec,omitempty"`
	CacheSize        int   `yaml:"cache_size,omitempty"`
}

type LoggingConfig struct {
	OutputDirectory string `yaml:"output_directory,omitempty"`

	// Write each component into its own file.
	SeparateLogsPerComponent bool `yaml:"separate_logs_per_component,omitempty"`

	RotationTimeSec int64 `yaml:"rotation_time_sec,omitempty"`
	MaxAgeSec       int64 `yaml:"max_age_sec,omitempty"`

	Debug   bool `yaml:"debug,omitempty"`
	NoColor bool `yaml:"no_color,omitempty"`
}

type Config struct {
	Datastore   *DatastoreConfig   `yaml:"Datastore,omitempty"`
	Notifier    *NotifierConfig    `yaml:"Notifier,omitempty"`
	Worker      *WorkerConfig      `yaml:"Worker,omitempty"`
	Flows       *FlowsConfig       `yaml:"Flows,omitempty"`
	Collections *CollectionsConfig `yaml:"Collections,omitempty"`
	Hunts       *HuntsConfig       `yaml:"Hunts,omitempty"`
	Foreman     *ForemanConfig     `yaml:"Foreman,omitempty"`
	Logging     *LoggingConfig     `yaml:"Logging,omitempty"`
}

func (self *Config) LeaseTime() time.Duration {
	return time.Duration(self.Worker.LeaseTimeSec) * time.Second
}

func (self *Config) IndexWriteDelay() time.Duration {
	return time.Duration(self.Collections.IndexWriteDelaySec) * time.Second
}

func (self *Config) ClientLeaseTime() time.Duration {
	return time.Duration(self.Flows.ClientLeaseTimeSec) * time.Second
}
