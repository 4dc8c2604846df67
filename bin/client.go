package main

import (
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/velofleet/actions"
	"www.velocidex.com/golang/velofleet/flows"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/services/foreman"
)

var (
	client_command = app.Command("client",
		"Run an in-process client against the datastore.")
	client_id_flag = client_command.Flag("client_id",
		"The client id to act as.").Required().String()
	client_labels = client_command.Flag("label",
		"Labels reported by the client.").Strings()
	client_poll = client_command.Flag("poll",
		"Keep polling for tasks until interrupted.").Bool()
	client_poll_interval = client_command.Flag("poll_interval",
		"Time between polls.").Default("5s").Duration()
)

func doClient() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	client := actions.NewClient(*client_id_flag)
	client.Labels = *client_labels

	client_foreman := foreman.NewForeman(config_obj, engine.db, engine.notifier)
	defer client_foreman.Close()

	logger := logging.GetLogger(config_obj, &logging.ToolComponent)

	for {
		hunts, err := client_foreman.AssignTasksToClient(ctx, client.ClientId)
		kingpin.FatalIfError(err, "Foreman")
		for _, hunt_id := range hunts {
			logger.Info("Client %v joined hunt <green>%v</>",
				client.ClientId, hunt_id)
		}

		count, err := flows.ProcessClientTasks(ctx, config_obj,
			engine.manager, client)
		kingpin.FatalIfError(err, "Processing tasks")

		if !*client_poll {
			fmt.Printf("Ran %v tasks\n", count)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(*client_poll_interval):
		}
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case client_command.FullCommand():
			doClient()
		default:
			return false
		}
		return true
	})
}
