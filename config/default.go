package config

import (
	"www.velocidex.com/golang/velofleet/constants"
)

func GetDefaultConfig() *Config {
	return &Config{
		Datastore: &DatastoreConfig{
			Implementation: "Memory",
		},
		Notifier: &NotifierConfig{
			Implementation: "Datastore",
			RedisPrefix:    "velofleet:",
		},
		Worker: &WorkerConfig{
			Threads:                   10,
			HuntThreads:               20,
			PollIntervalMs:            1000,
			LeaseTimeSec:              600,
			LeaseRetryDelayMs:         5000,
			MaxNotificationsPerSecond: 100,
			NotificationBatch:         100,
			Queues: []string{
				constants.DEFAULT_QUEUE, constants.HUNTS_QUEUE},
		},
		Flows: &FlowsConfig{
			MaxRetransmissions: constants.MAX_RETRANSMISSIONS,
			ClientTaskTtl:      constants.CLIENT_TASK_TTL,
			ClientLeaseTimeSec: 600,
			RequestLimit:       constants.REQUEST_LIMIT,
		},
		Collections: &CollectionsConfig{
			IndexSpacing:           constants.INDEX_SPACING,
			IndexWriteDelaySec:     int64(constants.INDEX_WRITE_DELAY.Seconds()),
			IndexUpdaterDelaySec:   int64(constants.INDEX_WRITE_DELAY.Seconds()),
			IndexUpdateProbability: constants.INDEX_SPACING,
			ScanBatchSize:          1000,
		},
		Hunts: &HuntsConfig{
			DefaultExpirySec: 7 * 24 * 3600,
		},
		Foreman: &ForemanConfig{
			CheckIntervalSec: 60,
			CacheSize:        10000,
		},
		Logging: &LoggingConfig{
			RotationTimeSec: 24 * 3600,
			MaxAgeSec:       30 * 24 * 3600,
		},
	}
}
