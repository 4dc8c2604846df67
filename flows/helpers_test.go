package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/actions"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/notifications"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
	"www.velocidex.com/golang/velofleet/vtesting"
)

var (
	base_time = time.Unix(1700000000, 0)
)

type testArgs struct {
	// Number of Echo requests Start issues.
	Requests int `json:"requests,omitempty"`

	// Issue another request from the first Process call.
	FollowUp bool `json:"follow_up,omitempty"`

	// Start panics on these clients.
	Fail []string `json:"fail,omitempty"`
}

type testState struct {
	Processed  []uint64 `json:"processed,omitempty"`
	EndCount   int      `json:"end_count,omitempty"`
	ChildError string   `json:"child_error,omitempty"`
	ChildDone  bool     `json:"child_done,omitempty"`
}

type testFlow struct {
	state    testState
	handlers map[string]StateHandler
}

func (self *testFlow) State() interface{} {
	return &self.state
}

func (self *testFlow) Handler(name string) (StateHandler, bool) {
	handler, pres := self.handlers[name]
	return handler, pres
}

// Sends Echo requests to the client and replies with the responses.
func newEchoFlow() Flow {
	flow := &testFlow{}
	flow.handlers = map[string]StateHandler{
		"Start": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			args := &testArgs{}
			err := runner.ParseArgs(args)
			if err != nil {
				return TerminateError(err)
			}

			if utils.InString(args.Fail, runner.ClientId()) {
				panic(fmt.Sprintf("client %v exploded", runner.ClientId()))
			}

			count := args.Requests
			if count == 0 {
				count = 1
			}

			for i := 0; i < count; i++ {
				err := runner.CallClient(ctx, "Echo",
					&actions.EchoRequest{Data: "hello"}, "Process")
				if err != nil {
					return TerminateError(err)
				}
			}
			return Continue()
		},

		"Process": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			flow.state.Processed = append(flow.state.Processed,
				responses.Request.Id)

			for _, payload := range responses.Payloads() {
				err := runner.SendReply(ctx, payload)
				if err != nil {
					return TerminateError(err)
				}
			}

			args := &testArgs{}
			_ = runner.ParseArgs(args)
			if args.FollowUp && len(flow.state.Processed) == 1 {
				err := runner.CallClient(ctx, "Echo",
					&actions.EchoRequest{Data: "again"}, "Process")
				if err != nil {
					return TerminateError(err)
				}
			}
			return Continue()
		},

		"End": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			flow.state.EndCount++
			return Continue()
		},
	}
	return flow
}

// The first response issues two more requests.
func newSequenceFlow() Flow {
	flow := &testFlow{}
	flow.handlers = map[string]StateHandler{
		"Start": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			err := runner.CallClient(ctx, "Echo",
				&actions.EchoRequest{Data: "first"}, "Step")
			if err != nil {
				return TerminateError(err)
			}
			return Continue()
		},

		"Step": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			flow.state.Processed = append(flow.state.Processed,
				responses.Request.Id)

			if len(flow.state.Processed) == 1 {
				for _, data := range []string{"second", "third"} {
					err := runner.CallClient(ctx, "Echo",
						&actions.EchoRequest{Data: data}, "Step")
					if err != nil {
						return TerminateError(err)
					}
				}
			}
			return Continue()
		},
	}
	return flow
}

// Runs a TestEcho child which fails on our client.
func newParentFlow() Flow {
	flow := &testFlow{}
	flow.handlers = map[string]StateHandler{
		"Start": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			_, err := runner.CallFlow(ctx, "TestEcho",
				&testArgs{Fail: []string{runner.ClientId()}}, "ChildDone")
			if err != nil {
				return TerminateError(err)
			}
			return Continue()
		},

		"ChildDone": func(ctx context.Context, runner Runner,
			responses *Responses) HandlerResult {
			flow.state.ChildDone = true
			if !responses.Success() {
				flow.state.ChildError = responses.ErrorMessage()
				runner.Log("Child failed: %v", responses.ErrorMessage())
			}
			return Continue()
		},
	}
	return flow
}

type failingPlugin struct{}

func (self failingPlugin) ProcessResponses(
	ctx context.Context, replies []*ordereddict.Dict) error {
	return errors.New("plugin is broken")
}

func (self failingPlugin) Flush(ctx context.Context) error {
	return nil
}

func newTestRegistry() *Registry {
	registry := NewDefaultRegistry()
	registry.RegisterFlow("TestEcho", newEchoFlow)
	registry.RegisterFlow("TestSequence", newSequenceFlow)
	registry.RegisterFlow("TestParent", newParentFlow)
	registry.RegisterOutputPlugin("Failing", func(
		config_obj *config.Config, db datastore.DataStore,
		session_id string, args *ordereddict.Dict) (OutputPlugin, error) {
		return failingPlugin{}, nil
	})
	return registry
}

// Runs the engine against an in memory datastore with a frozen
// clock.
type engineTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         *datastore.MemoryDataStore
	notifier   notifications.NotificationQueue
	manager    *queue_manager.QueueManager
	registry   *Registry
	clock      *utils.MockClock
	restore    func()
	ctx        context.Context
}

func (self *engineTestSuite) SetupTest() {
	self.clock = &utils.MockClock{MockNow: base_time}
	self.restore = utils.MockTime(self.clock)
	self.ctx = context.Background()
	self.reset()
}

func (self *engineTestSuite) TearDownTest() {
	self.restore()
}

// Start again with an empty datastore.
func (self *engineTestSuite) reset() {
	self.config_obj = vtesting.GetTestConfig()
	self.db = datastore.NewMemoryDataStore()
	self.notifier = notifications.NewDatastoreNotificationQueue(
		self.config_obj, self.db)
	self.manager = queue_manager.NewQueueManager(
		self.config_obj, self.db, self.notifier)
	self.registry = newTestRegistry()
}

// Process all due notifications once. Returns the number of sessions
// processed.
func (self *engineTestSuite) runWorker() int {
	count := 0
	for _, queue := range []string{
		constants.DEFAULT_QUEUE, constants.HUNTS_QUEUE} {
		notifications, err := self.notifier.ClaimNotifications(
			self.ctx, queue, utils.NowMicro(), 1000)
		require.NoError(self.T(), err)

		seen := make(map[string]bool)
		for _, notification := range notifications {
			if seen[notification.SessionId] {
				continue
			}
			seen[notification.SessionId] = true

			runner, err := LoadSessionRunner(self.config_obj, self.manager,
				self.registry, notification.SessionId)
			require.NoError(self.T(), err)

			err = runner.ProcessCompletedRequests(self.ctx, notification)
			require.NoError(self.T(), err)
			count++
		}
	}
	return count
}

// Let the clients run all their tasks once.
func (self *engineTestSuite) runClients(client_ids ...string) int {
	count := 0
	for _, client_id := range client_ids {
		n, err := ProcessClientTasks(self.ctx, self.config_obj,
			self.manager, actions.NewClient(client_id))
		require.NoError(self.T(), err)
		count += n
	}
	return count
}

// Alternate between the worker and the clients until nothing is
// left to do.
func (self *engineTestSuite) pump(client_ids ...string) {
	for i := 0; i < 100; i++ {
		if self.runWorker()+self.runClients(client_ids...) == 0 {
			return
		}
	}
	self.T().Fatal("Work did not settle")
}

func (self *engineTestSuite) startFlow(
	flow_name, client_id string, args interface{}) string {
	args_dict, err := utils.ToDict(args)
	require.NoError(self.T(), err)

	session_id, err := StartFlow(self.ctx, self.config_obj, self.manager,
		self.registry, &flows_proto.FlowRunnerArgs{
			FlowName: flow_name,
			ClientId: client_id,
			Args:     args_dict,
		})
	require.NoError(self.T(), err)
	return session_id
}

func (self *engineTestSuite) getRecord(session_id string) *flows_proto.FlowRecord {
	record, err := GetFlowRecord(self.config_obj, self.db, session_id)
	require.NoError(self.T(), err)
	return record
}

func (self *engineTestSuite) getState(session_id string) *testState {
	state := &testState{}
	err := utils.ParseIntoStruct(self.getRecord(session_id).State, state)
	require.NoError(self.T(), err)
	return state
}

// Deliver a response set for a request as the client would.
func (self *engineTestSuite) deliver(
	session_id, client_id string, request_id uint64, payloads int,
	status *flows_proto.Status) {
	messages := []*flows_proto.Message{}
	for i := 1; i <= payloads; i++ {
		messages = append(messages, &flows_proto.Message{
			SessionId:  session_id,
			RequestId:  request_id,
			ResponseId: uint64(i),
			Type:       flows_proto.Message_MESSAGE,
			Payload:    ordereddict.NewDict().Set("i", int64(i)),
		})
	}

	if status != nil {
		messages = append(messages, &flows_proto.Message{
			SessionId:  session_id,
			RequestId:  request_id,
			ResponseId: uint64(payloads + 1),
			Type:       flows_proto.Message_STATUS,
			Status:     status,
		})
	}

	err := ReceiveClientMessages(self.ctx, self.config_obj, self.manager,
		client_id, messages)
	require.NoError(self.T(), err)
}

func okStatus() *flows_proto.Status {
	return &flows_proto.Status{Status: flows_proto.Status_OK}
}
