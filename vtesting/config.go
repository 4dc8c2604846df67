package vtesting

import (
	"www.velocidex.com/golang/velofleet/config"
)

// A config suitable for tests: in memory datastore, no background
// index updates.
func GetTestConfig() *config.Config {
	config_obj := config.GetDefaultConfig()
	config_obj.Datastore.Implementation = "Test"
	config_obj.Notifier.Implementation = "Datastore"
	config_obj.Collections.DisableIndexUpdater = true
	config_obj.Worker.LeaseRetryDelayMs = 0
	config_obj.Worker.MaxNotificationsPerSecond = 0

	return config_obj
}
