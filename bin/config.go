package main

import (
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/velofleet/config"
)

var (
	config_command = app.Command("config", "Manage the configuration.")

	config_generate = config_command.Command("generate",
		"Write a default configuration.")
	config_generate_output = config_generate.Flag("output",
		"Write the config here instead of stdout.").Short('o').String()
	config_generate_datastore = config_generate.Flag("datastore",
		"Datastore implementation.").Default("Sqlite").
		Enum("Memory", "Sqlite", "MySQL")
	config_generate_location = config_generate.Flag("location",
		"Sqlite database file.").Default("velofleet.sqlite").String()

	config_show = config_command.Command("show",
		"Show the loaded configuration.")
)

func doConfigGenerate() {
	config_obj := config.GetDefaultConfig()
	config_obj.Datastore.Implementation = *config_generate_datastore
	switch *config_generate_datastore {
	case "Sqlite":
		config_obj.Datastore.Location = *config_generate_location
	case "MySQL":
		config_obj.Datastore.MysqlConnectionString =
			"velofleet:password@tcp(localhost:3306)/velofleet"
	}

	err := config.ValidateConfig(config_obj)
	kingpin.FatalIfError(err, "Validating config")

	if *config_generate_output != "" {
		err := config.WriteConfigToFile(*config_generate_output, config_obj)
		kingpin.FatalIfError(err, "Writing config")
		return
	}

	serialized, err := config.Encode(config_obj)
	kingpin.FatalIfError(err, "Encoding config")
	fmt.Println(string(serialized))
}

func doConfigShow() {
	config_obj := loadConfig()
	serialized, err := config.Encode(config_obj)
	kingpin.FatalIfError(err, "Encoding config")
	fmt.Println(string(serialized))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case config_generate.FullCommand():
			doConfigGenerate()
		case config_show.FullCommand():
			doConfigShow()
		default:
			return false
		}
		return true
	})
}
