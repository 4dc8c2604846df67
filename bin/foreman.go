package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/olekukonko/tablewriter"
	"www.velocidex.com/golang/velofleet/flows"
	"www.velocidex.com/golang/velofleet/services/foreman"
)

var (
	foreman_command = app.Command("foreman", "Inspect the foreman.")

	foreman_checkin = foreman_command.Command("checkin",
		"Assign hunts to clients as if they checked in.")
	foreman_checkin_clients = foreman_checkin.Arg("client_id",
		"Clients to check.").Required().Strings()

	foreman_rules = foreman_command.Command("rules", "List the foreman rules.")
)

func doForemanCheckin() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	// Each check in is explicit here so there is nothing to cache.
	config_obj.Foreman.CheckIntervalSec = 0
	client_foreman := foreman.NewForeman(config_obj, engine.db, engine.notifier)
	defer client_foreman.Close()

	for _, client_id := range *foreman_checkin_clients {
		hunts, err := client_foreman.AssignTasksToClient(ctx, client_id)
		kingpin.FatalIfError(err, "Foreman %v", client_id)

		if len(hunts) == 0 {
			fmt.Printf("%v: no new hunts\n", client_id)
			continue
		}
		fmt.Printf("%v: %v\n", client_id, strings.Join(hunts, ", "))
	}
}

func doForemanRules() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	rules, err := flows.GetForemanRules(config_obj, engine.db)
	kingpin.FatalIfError(err, "Foreman rules")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hunt", "Created", "Expires", "Conditions"})
	for _, rule := range rules {
		conditions := []string{}
		for _, descriptor := range rule.Rules {
			switch descriptor.Type {
			case "label":
				conditions = append(conditions, "label in "+
					strings.Join(descriptor.Labels, ","))
			case "regex":
				conditions = append(conditions, fmt.Sprintf("%v.%v =~ %v",
					descriptor.Path, descriptor.Attribute, descriptor.Regex))
			default:
				conditions = append(conditions, fmt.Sprintf("%v.%v %v %v",
					descriptor.Path, descriptor.Attribute,
					descriptor.Operator, descriptor.Value))
			}
		}

		table.Append([]string{
			rule.HuntId,
			microToHuman(rule.Created),
			microToHuman(rule.Expires),
			strings.Join(conditions, " AND "),
		})
	}
	table.Render()
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case foreman_checkin.FullCommand():
			doForemanCheckin()
		case foreman_rules.FullCommand():
			doForemanRules()
		default:
			return false
		}
		return true
	})
}
