package main

import (
	"fmt"
	"sync"

	"github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/services/worker"
)

var (
	worker_command = app.Command("worker", "Run the flow worker.")
	worker_once    = worker_command.Flag("once",
		"Process all due notifications and exit.").Bool()
	worker_queues = worker_command.Flag("queue",
		"Only process these queues.").Strings()
)

func doWorker() {
	config_obj := loadConfig()
	if len(*worker_queues) > 0 {
		config_obj.Worker.Queues = *worker_queues
	}

	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	flow_worker := worker.NewFlowWorker(config_obj, engine.db,
		engine.notifier, engine.registry)

	if *worker_once {
		count, err := flow_worker.RunOnce(ctx)
		kingpin.FatalIfError(err, "Worker")
		fmt.Printf("Processed %v sessions\n", count)
		return
	}

	logger := logging.GetLogger(config_obj, &logging.ToolComponent)
	logger.Info("Worker <green>%v</> running, press Ctrl-C to stop",
		flow_worker.Id())

	wg := &sync.WaitGroup{}
	flow_worker.Start(ctx, wg)

	if !config_obj.Collections.DisableIndexUpdater {
		collections.NewIndexUpdater(config_obj, engine.db).Start(ctx, wg)
	}

	<-ctx.Done()
	wg.Wait()
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case worker_command.FullCommand():
			doWorker()
		default:
			return false
		}
		return true
	})
}
