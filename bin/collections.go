package main

import (
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/paths"
)

var (
	collection_command = app.Command("collection",
		"Inspect result collections.")

	collection_length     = collection_command.Command("length", "Count the records.")
	collection_length_urn = collection_length.Arg("urn",
		"The collection, e.g. /flows/F.1234/output").Required().String()

	collection_dump     = collection_command.Command("dump", "Print the records.")
	collection_dump_urn = collection_dump.Arg("urn", "The collection.").
				Required().String()
	collection_dump_offset = collection_dump.Flag("offset", "First record.").Int64()

	collection_index     = collection_command.Command("update_index", "Rebuild the index.")
	collection_index_urn = collection_index.Arg("urn", "The collection.").
				Required().String()

	collection_updater = collection_command.Command("process_updates",
		"Run all due background index updates once.")
)

func doCollection(command string) {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	switch command {
	case collection_length.FullCommand():
		collection := collections.NewIndexedCollection(config_obj, engine.db,
			paths.ParseDSPathSpec(*collection_length_urn))
		fmt.Println(humanize.Comma(collection.CalculateLength(ctx)))

	case collection_dump.FullCommand():
		collection := collections.NewIndexedCollection(config_obj, engine.db,
			paths.ParseDSPathSpec(*collection_dump_urn))
		for record := range collection.GenerateItems(ctx, *collection_dump_offset) {
			serialized, err := json.Marshal(record.Value)
			kingpin.FatalIfError(err, "Encoding")
			fmt.Printf("%v %v\n", record.Position.Name(), string(serialized))
		}

	case collection_index.FullCommand():
		collection := collections.NewIndexedCollection(config_obj, engine.db,
			paths.ParseDSPathSpec(*collection_index_urn))
		err := collection.UpdateIndex(ctx)
		kingpin.FatalIfError(err, "Updating index")

	case collection_updater.FullCommand():
		count, err := collections.NewIndexUpdater(config_obj, engine.db).
			ProcessDue(ctx)
		kingpin.FatalIfError(err, "Updating indexes")
		fmt.Printf("Updated %v collections\n", count)
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case collection_length.FullCommand(), collection_dump.FullCommand(),
			collection_index.FullCommand(), collection_updater.FullCommand():
			doCollection(command)
		default:
			return false
		}
		return true
	})
}
