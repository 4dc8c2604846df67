package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"www.velocidex.com/golang/velofleet/flows"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	flow_command = app.Command("flow", "Manage flows.")

	flow_start      = flow_command.Command("start", "Start a flow on a client.")
	flow_start_name = flow_start.Arg("flow_name", "The flow to run.").
			Required().String()
	flow_start_client = flow_start.Flag("client_id", "The client to run on.").
				Required().String()
	flow_start_args = flow_start.Flag("args", "Flow args as JSON.").
			Default("{}").String()
	flow_start_cpu_limit = flow_start.Flag("cpu_limit",
		"CPU seconds the flow may use.").Float64()
	flow_start_network_limit = flow_start.Flag("network_limit",
		"Bytes the flow may transfer.").Uint64()

	flow_show    = flow_command.Command("show", "Show a flow.")
	flow_show_id = flow_show.Arg("session_id", "The flow to show.").
			Required().String()
	flow_show_requests = flow_show.Flag("requests",
		"Also show outstanding requests.").Bool()

	flow_results    = flow_command.Command("results", "Show a flow's replies.")
	flow_results_id = flow_results.Arg("session_id", "The flow.").
			Required().String()
	flow_results_offset = flow_results.Flag("offset", "First reply.").Int64()
	flow_results_count  = flow_results.Flag("count", "Number of replies.").
				Default("100").Int()

	flow_list = flow_command.Command("list", "List the registered flows.")
)

func doFlowStart() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	args := ordereddict.NewDict()
	err := json.Unmarshal([]byte(*flow_start_args), args)
	kingpin.FatalIfError(err, "Flow args")

	session_id, err := flows.StartFlow(ctx, config_obj, engine.manager,
		engine.registry, &flows_proto.FlowRunnerArgs{
			FlowName:          *flow_start_name,
			ClientId:          *flow_start_client,
			Args:              args,
			CpuLimit:          *flow_start_cpu_limit,
			NetworkBytesLimit: *flow_start_network_limit,
			Creator:           "velofleet",
		})
	kingpin.FatalIfError(err, "Starting flow")

	fmt.Println(session_id)
}

func microToHuman(ts uint64) string {
	if ts == 0 {
		return "-"
	}
	return humanize.Time(utils.MicroToTime(ts))
}

func doFlowShow() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	record, err := flows.GetFlowRecord(config_obj, engine.db, *flow_show_id)
	kingpin.FatalIfError(err, "Flow")

	flow_context := record.Context
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"Session", flow_context.SessionId})
	table.Append([]string{"Flow", record.RunnerArgs.FlowName})
	table.Append([]string{"Client", record.RunnerArgs.ClientId})
	table.Append([]string{"State", string(flow_context.State)})
	table.Append([]string{"Status", flow_context.Status})
	table.Append([]string{"Created", microToHuman(flow_context.CreateTime)})
	table.Append([]string{"Outstanding",
		fmt.Sprintf("%v", flow_context.OutstandingRequests)})
	table.Append([]string{"Replies", humanize.Comma(int64(flow_context.TotalReplies))})
	if flow_context.ClientResources != nil {
		table.Append([]string{"CPU", fmt.Sprintf("%.2fs",
			flow_context.ClientResources.TotalCpu())})
		table.Append([]string{"Network",
			humanize.Bytes(flow_context.ClientResources.NetworkBytesSent)})
	}
	table.Render()

	if *flow_show_requests {
		requests, err := engine.manager.FetchRequestsAndResponses(*flow_show_id)
		kingpin.FatalIfError(err, "Requests")

		sort.Slice(requests, func(i, j int) bool {
			return requests[i].Request.Id < requests[j].Request.Id
		})

		requests_table := tablewriter.NewWriter(os.Stdout)
		requests_table.SetHeader([]string{
			"Id", "State", "Client", "Due", "Responses", "Complete"})
		for _, item := range requests {
			request := item.Request
			requests_table.Append([]string{
				fmt.Sprintf("%v", request.Id),
				request.NextState,
				request.ClientId,
				microToHuman(request.StartTime),
				fmt.Sprintf("%v", len(item.Responses)),
				fmt.Sprintf("%v", item.IsComplete()),
			})
		}
		requests_table.Render()
	}

	for _, entry := range flows.GetFlowLogs(ctx, config_obj,
		engine.db, *flow_show_id) {
		fmt.Printf("%v %v\n",
			utils.MicroToTime(entry.Timestamp).Format(time.RFC3339),
			entry.Message)
	}
}

func doFlowResults() {
	config_obj := loadConfig()
	engine := openEngine(config_obj)
	defer engine.Close()

	ctx, cancel := installSignalHandler()
	defer cancel()

	for _, row := range flows.GetFlowResults(ctx, config_obj, engine.db,
		*flow_results_id, *flow_results_offset, *flow_results_count) {
		serialized, err := json.Marshal(row)
		kingpin.FatalIfError(err, "Encoding")
		fmt.Println(string(serialized))
	}
}

func doFlowList() {
	registry := flows.NewDefaultRegistry()
	for _, name := range registry.Flows() {
		fmt.Println(name)
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case flow_start.FullCommand():
			doFlowStart()
		case flow_show.FullCommand():
			doFlowShow()
		case flow_results.FullCommand():
			doFlowResults()
		case flow_list.FullCommand():
			doFlowList()
		default:
			return false
		}
		return true
	})
}
