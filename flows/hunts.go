package flows

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
)

type HuntArgs struct {
	// The flow run by the hunt. Defaults to GenericHunt.
	FlowName string
	Args     interface{}

	// 0 is unlimited.
	ClientLimit uint64

	// Clients admitted per minute. 0 admits clients as they arrive.
	ClientRate float64

	Expires time.Time
	Rules   []*flows_proto.ForemanRuleDescriptor

	OutputPlugins     []*flows_proto.OutputPluginDescriptor
	CpuLimit          float64
	NetworkBytesLimit uint64
	Creator           string
}

// Create a new paused hunt.
func CreateHunt(
	ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	hunt_args *HuntArgs) (string, error) {

	flow_name := hunt_args.FlowName
	if flow_name == "" {
		flow_name = "GenericHunt"
	}

	args, err := utils.ToDict(hunt_args.Args)
	if err != nil {
		return "", err
	}

	client_rate := hunt_args.ClientRate
	if client_rate == 0 && config_obj.Hunts != nil {
		client_rate = float64(config_obj.Hunts.DefaultClientRate)
	}

	session_id := NewSessionId(constants.HUNTS_QUEUE, flow_name,
		constants.HUNT_PREFIX)
	record := newFlowRecord(&flows_proto.FlowRunnerArgs{
		FlowName:          flow_name,
		Queue:             constants.HUNTS_QUEUE,
		Args:              args,
		CpuLimit:          hunt_args.CpuLimit,
		NetworkBytesLimit: hunt_args.NetworkBytesLimit,
		Creator:           hunt_args.Creator,
		OutputPlugins:     hunt_args.OutputPlugins,
	}, session_id)
	record.HuntContext = &flows_proto.HuntContext{
		State:       flows_proto.HuntContext_PAUSED,
		ClientLimit: hunt_args.ClientLimit,
		ClientRate:  client_rate,
		Expires:     utils.TimeToMicro(hunt_args.Expires),
		Rules:       hunt_args.Rules,
	}

	runner, err := newHuntRunner(config_obj, manager, registry, record)
	if err != nil {
		return "", err
	}

	// Hunt flows may validate their args and prepare their state in
	// Start. A failing Start means the hunt is not created.
	handler, pres := runner.flow.Handler(constants.START_STATE)
	if pres {
		var result HandlerResult
		err = utils.RecoverToError(func() error {
			result = handler(ctx, runner, newResponses(nil, nil))
			return nil
		})
		if err != nil {
			return "", err
		}
		if result.Kind == ResultTerminateError {
			if result.Err == nil {
				return "", fmt.Errorf("%w: %v Start failed",
					utils.InvalidArgError, flow_name)
			}
			return "", result.Err
		}
	}

	err = manager.DB().SetSubject(config_obj,
		paths.HuntIndexEntry(session_id.String()),
		ordereddict.NewDict().
			Set("hunt_id", session_id.String()).
			Set("create_time", record.Context.CreateTime))
	if err != nil {
		return "", err
	}

	runner.logger.Info("Created hunt <green>%v</> running %v",
		session_id, flow_name)
	return session_id.String(), runner.Flush(ctx)
}

// Hunts are modified under the session lease so they do not race
// the worker processing them.
func modifyHunt(
	ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	hunt_id string,
	cb func(runner *HuntRunner) error) error {
	db := manager.DB()
	lease := paths.NewFlowPathManager(hunt_id).Lease()
	owner := "hunt-manager-" + utils.GetUUID()

	err := utils.RetryOn(ctx, utils.LeaseHeldError, func() error {
		return db.LeaseSubject(config_obj, lease, owner, time.Minute)
	}, 100, 100*time.Millisecond)
	if err != nil {
		return err
	}
	defer db.ReleaseLease(config_obj, lease, owner)

	runner, err := LoadHuntRunner(config_obj, manager, registry, hunt_id)
	if err != nil {
		return err
	}

	err = cb(runner)
	if err != nil {
		return err
	}
	return runner.Flush(ctx)
}

func StartHunt(ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	hunt_id string) error {
	return modifyHunt(ctx, config_obj, manager, registry, hunt_id,
		func(runner *HuntRunner) error {
			return runner.Start(ctx)
		})
}

func PauseHunt(ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	hunt_id string) error {
	return modifyHunt(ctx, config_obj, manager, registry, hunt_id,
		func(runner *HuntRunner) error {
			return runner.Pause(ctx)
		})
}

func StopHunt(ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	hunt_id string) error {
	return modifyHunt(ctx, config_obj, manager, registry, hunt_id,
		func(runner *HuntRunner) error {
			return runner.Stop(ctx)
		})
}

// Ask the hunt to admit these clients. Each client becomes an
// AddClient request which the hunt processes on its next pass.
func StartClients(
	ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	hunt_id string,
	client_ids []string) error {
	if len(client_ids) == 0 {
		return nil
	}

	for _, client_id := range client_ids {
		// High ids never clash with the hunt's own requests and keep
		// admission order.
		id := datastore.NewTaskId() | (1 << 63)

		manager.QueueRequest(&flows_proto.RequestState{
			Id:        id,
			SessionId: hunt_id,
			ClientId:  client_id,
			NextState: constants.ADD_CLIENT_STATE,
		})
		manager.QueueResponse(&flows_proto.Message{
			SessionId:  hunt_id,
			RequestId:  id,
			ResponseId: 1,
			Type:       flows_proto.Message_STATUS,
			Status:     &flows_proto.Status{Status: flows_proto.Status_OK},
			Source:     client_id,
		})
	}

	manager.QueueNotification(hunt_id, SessionId(hunt_id).Queue(), 0)
	return manager.Flush(ctx)
}

func huntCollections(
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) *HuntRunner {
	hunt_path_manager := paths.NewHuntPathManager(hunt_id)
	return &HuntRunner{
		clients: collections.NewClientUrnCollection(
			config_obj, db, hunt_path_manager.Clients()),
		completed: collections.NewClientUrnCollection(
			config_obj, db, hunt_path_manager.CompletedClients()),
		errors: collections.NewHuntErrorCollection(
			config_obj, db, hunt_path_manager.ErrorClients()),
		with_results: collections.NewClientUrnCollection(
			config_obj, db, hunt_path_manager.ClientsWithResults()),
		results: collections.NewIndexedCollection(
			config_obj, db, hunt_path_manager.Results()),
	}
}

// Client ids keyed by STARTED, COMPLETED, ERROR and OUTSTANDING.
// Outstanding clients were admitted but neither completed nor failed.
func GetClientsByStatus(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) map[string][]string {
	hunt := huntCollections(config_obj, db, hunt_id)

	started := hunt.clients.ListClients(ctx)
	completed := hunt.completed.ListClients(ctx)

	failed := []string{}
	for _, hunt_error := range hunt.errors.ListErrors(ctx) {
		failed = append(failed, hunt_error.ClientId)
	}
	failed = utils.Uniquify(failed)

	done := make(map[string]bool)
	for _, client_id := range completed {
		done[client_id] = true
	}
	for _, client_id := range failed {
		done[client_id] = true
	}

	outstanding := []string{}
	for _, client_id := range started {
		if !done[client_id] {
			outstanding = append(outstanding, client_id)
		}
	}

	return map[string][]string{
		constants.HUNT_STARTED:   started,
		constants.HUNT_COMPLETED: completed,
		"ERROR":                  failed,
		"OUTSTANDING":            outstanding,
	}
}

func GetClientsErrors(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) []*flows_proto.HuntError {
	return huntCollections(config_obj, db, hunt_id).errors.ListErrors(ctx)
}

// Number of clients admitted to the hunt.
func GetClientsCount(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) int64 {
	return huntCollections(config_obj, db, hunt_id).clients.CalculateLength(ctx)
}

func GetResultsCount(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) int64 {
	return huntCollections(config_obj, db, hunt_id).results.CalculateLength(ctx)
}

// Up to count results starting at offset.
func GetHuntResults(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string, offset int64, count int) []*ordereddict.Dict {
	sub_ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := []*ordereddict.Dict{}
	results := huntCollections(config_obj, db, hunt_id).results
	for record := range results.GenerateItems(sub_ctx, offset) {
		result = append(result, record.Value)
		if count > 0 && len(result) >= count {
			break
		}
	}
	return result
}

// All hunts, newest first.
func ListHunts(
	config_obj *config.Config,
	db datastore.DataStore) ([]*flows_proto.FlowRecord, error) {
	children, err := db.ScanChildren(config_obj, paths.HuntIndex(), "", 0)
	if err != nil {
		return nil, err
	}

	result := make([]*flows_proto.FlowRecord, 0, len(children))
	for _, child := range children {
		record, err := GetFlowRecord(config_obj, db, child.Name)
		if err != nil {
			continue
		}
		result = append(result, record)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Context.CreateTime > result[j].Context.CreateTime
	})
	return result, nil
}

func GetHunt(
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) (*flows_proto.FlowRecord, error) {
	record, err := GetFlowRecord(config_obj, db, hunt_id)
	if err != nil {
		return nil, err
	}

	if record.HuntContext == nil {
		return nil, fmt.Errorf("%w: %v is not a hunt",
			utils.InvalidArgError, hunt_id)
	}
	return record, nil
}
