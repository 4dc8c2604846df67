/*
Velociraptor - Dig Deeper
Copyright (C) 2019-2025 Rapid7 Inc.

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
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/flows"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/notifications"
	"www.velocidex.com/golang/velofleet/queue_manager"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("velofleet",
		"Runs flows and hunts across a fleet of clients.")

	config_path = app.Flag("config", "The configuration file.").Short('c').
			Envar("VELOFLEET_CONFIG").String()

	verbose_flag = app.Flag(
		"verbose", "Enable debug logging.").Short('v').
		Default("false").Bool()

	command_handlers []CommandHandler
)

func makeDefaultConfigLoader() *config.Loader {
	return config.NewLoader().
		WithVerbose(*verbose_flag).
		WithFileLoader(*config_path).
		WithEnvLoader("VELOFLEET_CONFIG").
		WithDefaultLoader()
}

func loadConfig() *config.Config {
	loader := makeDefaultConfigLoader()
	loader.Logger = func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	config_obj, err := loader.LoadAndValidate()
	kingpin.FatalIfError(err, "Unable to load config file")

	if *verbose_flag {
		config_obj.Logging.Debug = true
	}
	return config_obj
}

// Everything a command needs to talk to the engine.
type engine struct {
	config_obj *config.Config
	db         datastore.DataStore
	notifier   notifications.NotificationQueue
	manager    *queue_manager.QueueManager
	registry   *flows.Registry
}

func openEngine(config_obj *config.Config) *engine {
	db, err := datastore.GetDB(config_obj)
	kingpin.FatalIfError(err, "Unable to open datastore")

	notifier, err := notifications.GetNotificationQueue(config_obj)
	kingpin.FatalIfError(err, "Unable to open notifier")

	return &engine{
		config_obj: config_obj,
		db:         db,
		notifier:   notifier,
		manager:    queue_manager.NewQueueManager(config_obj, db, notifier),
		registry:   flows.NewDefaultRegistry(),
	}
}

func (self *engine) Close() {
	notifications.CloseAll()
	datastore.CloseAll()
}

// A context cancelled by Ctrl-C.
func installSignalHandler() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-quit:
			logger := logging.GetLogger(nil, &logging.ToolComponent)
			logger.Info("<red>Interrupted</>, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(quit)
		cancel()
	}
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			break
		}
	}
}
