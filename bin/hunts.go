package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/flows"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	hunt_command = app.Command("hunt", "Manage hunts.")

	hunt_create      = hunt_command.Command("create", "Create a paused hunt.")
	hunt_create_flow = hunt_create.Arg("flow_name",
		"The flow to run on each client.").Required().String()
	hunt_create_args = hunt_create.Flag("args", "Flow args as JSON.").
				Default("{}").String()
	hunt_create_limit = hunt_create.Flag("client_limit",
		"Pause after this many clients (0 is unlimited).").Uint64()
	hunt_create_rate = hunt_create.Flag("client_rate",
		"Clients admitted per minute (0 is unlimited).").Float64()
	hunt_create_expires = hunt_create.Flag("expires",
		"Hunt expires after this long.").Duration()
	hunt_create_labels = hunt_create.Flag("label",
		"Only clients with one of these labels.").Strings()
	hunt_create_regex = hunt_create.Flag("match",
		"Only clients whose platform Attribute=regex matches.").Strings()
	hunt_create_start = hunt_create.Flag("start",
		"Start the hunt immediately.").Bool()

	hunt_start    = hunt_command.Command("start", "Start a hunt.")
	hunt_start_id = hunt_start.Arg("hunt_id", "The hunt.").Required().String()

	hunt_pause    = hunt_command.Command("pause", "Pause a hunt.")
	hunt_pause_id = hunt_pause.Arg("hunt_id", "The hunt.").Required().String()

	hunt_stop    = hunt_command.Command("stop", "Stop a hunt for good.")
	hunt_stop_id = hunt_stop.Arg("hunt_id", "The hunt.").Required().String()

	hunt_add         = hunt_command.Command("add", "Add clients to a hunt.")
	hunt_add_id      = hunt_add.Arg("hunt_id", "The hunt.").Required().String()
	hunt_add_clients = hunt_add.Arg("client_id", "Clients to add.").
				Required().Strings()

	hunt_status    = hunt_command.Command("status", "Show a hunt's clients.")
	hunt_status_id = hunt_status.Arg("hunt_id", "The hunt.").
			Required().String()
	hunt_status_errors = hunt_status.Flag("errors",
		"Show client errors.").Bool()

	hunt_results    = hunt_command.Command("results", "Show a hunt's results.")
	hunt_results_id = hunt_results.Arg("hunt_id", "The hunt.").
			Required().String()
	hunt_results_offset = hunt_results.Flag("offset", "First result.").Int64()
	hunt_results_count  = hunt_results.Flag("count", "Number of results.").
				Default("100").Int()

	hunt_list = hunt_command.Command("list", "List all hunts.")
)

func huntRules() []*flows_proto.ForemanRuleDescriptor {
	rules := []*flows_proto.ForemanRuleDescriptor{}
	if len(*hunt_create_labels) > 0 {
		rules = append(rules, &flows_proto.ForemanRuleDescriptor{
			Type:   "label",
			Labels: *hunt_create_labels,
		})
	}

	for _, match := range *hunt_create_regex {
		parts := strings.SplitN(match, "=", 2)
		if len(parts) != 2 {
			kingpin.Fatalf("--match should be Attribute=regex, not %v", match)
		}
		rules = append(rules, &flows_proto.ForemanRuleDescriptor{
			Type:      "regex",
			Attribute: parts[0],
			Regex:     parts[1],
		})
	}
	return rules
}

func doHuntCreate() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	flow_args := ordereddict.NewDict()
	err := json.Unmarshal([]byte(*hunt_create_args), flow_args)
	kingpin.FatalIfError(err, "Flow args")

	var expires time.Time
	if *hunt_create_expires > 0 {
		expires = utils.Now().Add(*hunt_create_expires)
	}

	hunt_id, err := flows.CreateHunt(ctx, config_obj, engine.manager,
		engine.registry, &flows.HuntArgs{
			Args: &flows.GenericHuntArgs{
				FlowName: *hunt_create_flow,
				FlowArgs: flow_args,
			},
			ClientLimit: *hunt_create_limit,
			ClientRate:  *hunt_create_rate,
			Expires:     expires,
			Rules:       huntRules(),
			Creator:     "velofleet",
		})
	kingpin.FatalIfError(err, "Creating hunt")

	if *hunt_create_start {
		err = flows.StartHunt(ctx, config_obj, engine.manager,
			engine.registry, hunt_id)
		kingpin.FatalIfError(err, "Starting hunt")
	}

	fmt.Println(hunt_id)
}

func doHuntTransition(hunt_id string, cb func() error) {
	err := cb()
	kingpin.FatalIfError(err, "Hunt %v", hunt_id)
}

func doHuntStatus() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	hunt, err := flows.GetHunt(config_obj, engine.db, *hunt_status_id)
	kingpin.FatalIfError(err, "Hunt")

	fmt.Printf("Hunt %v is %v (%v clients admitted)\n",
		*hunt_status_id, hunt.HuntContext.State,
		humanize.Comma(int64(hunt.HuntContext.ClientCount)))

	status := flows.GetClientsByStatus(ctx, config_obj, engine.db,
		*hunt_status_id)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Status", "Count", "Clients"})
	for _, key := range []string{constants.HUNT_STARTED,
		constants.HUNT_COMPLETED, "ERROR", "OUTSTANDING"} {
		clients := status[key]
		sort.Strings(clients)

		summary := strings.Join(clients, " ")
		if len(clients) > 10 {
			summary = strings.Join(clients[:10], " ") + " ..."
		}
		table.Append([]string{key, fmt.Sprintf("%v", len(clients)), summary})
	}
	table.Render()

	if *hunt_status_errors {
		errors_table := tablewriter.NewWriter(os.Stdout)
		errors_table.SetHeader([]string{"Client", "Time", "Error"})
		for _, hunt_error := range flows.GetClientsErrors(
			ctx, config_obj, engine.db, *hunt_status_id) {
			errors_table.Append([]string{
				hunt_error.ClientId,
				microToHuman(hunt_error.Timestamp),
				utils.Elide(hunt_error.LogMessage, 80),
			})
		}
		errors_table.Render()
	}
}

func doHuntResults() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	for _, row := range flows.GetHuntResults(ctx, config_obj, engine.db,
		*hunt_results_id, *hunt_results_offset, *hunt_results_count) {
		serialized, err := json.Marshal(row)
		kingpin.FatalIfError(err, "Encoding")
		fmt.Println(string(serialized))
	}
}

func doHuntList() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	hunts, err := flows.ListHunts(config_obj, engine.db)
	kingpin.FatalIfError(err, "Listing hunts")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hunt", "State", "Flow", "Clients", "Created", "Expires"})
	for _, hunt := range hunts {
		if hunt.HuntContext == nil {
			continue
		}

		flow_name := utils.GetString(hunt.RunnerArgs.Args, "flow_name")
		table.Append([]string{
			hunt.Context.SessionId,
			string(hunt.HuntContext.State),
			flow_name,
			humanize.Comma(int64(hunt.HuntContext.ClientCount)),
			microToHuman(hunt.Context.CreateTime),
			microToHuman(hunt.HuntContext.Expires),
		})
	}
	table.Render()
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case hunt_create.FullCommand():
			doHuntCreate()

		case hunt_start.FullCommand(), hunt_pause.FullCommand(),
			hunt_stop.FullCommand(), hunt_add.FullCommand():
			config_obj := loadConfig()
			engine := openEngine(config_obj)
			defer engine.Close()

			ctx, cancel := installSignalHandler()
			defer cancel()

			switch command {
			case hunt_start.FullCommand():
				doHuntTransition(*hunt_start_id, func() error {
					return flows.StartHunt(ctx, config_obj, engine.manager,
						engine.registry, *hunt_start_id)
				})
			case hunt_pause.FullCommand():
				doHuntTransition(*hunt_pause_id, func() error {
					return flows.PauseHunt(ctx, config_obj, engine.manager,
						engine.registry, *hunt_pause_id)
				})
			case hunt_stop.FullCommand():
				doHuntTransition(*hunt_stop_id, func() error {
					return flows.StopHunt(ctx, config_obj, engine.manager,
						engine.registry, *hunt_stop_id)
				})
			case hunt_add.FullCommand():
				doHuntTransition(*hunt_add_id, func() error {
					return flows.StartClients(ctx, config_obj, engine.manager,
						*hunt_add_id, *hunt_add_clients)
				})
			}

		case hunt_status.FullCommand():
			doHuntStatus()
		case hunt_results.FullCommand():
			doHuntResults()
		case hunt_list.FullCommand():
			doHuntList()
		default:
			return false
		}
		return true
	})
}
