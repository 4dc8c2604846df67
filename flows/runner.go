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
package flows

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/actions"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
)

// Decides what the end of a handler means for the session.
type outcomeHandler interface {
	handlerFailed(ctx context.Context,
		request *flows_proto.RequestState, message, backtrace string)
	handlerDone(ctx context.Context, request *flows_proto.RequestState)
}

// Drives a single flow. The runner is only used by one worker at a
// time (the worker holds the session lease) but handlers may issue
// requests from several goroutines so all context mutations happen
// under the mutex.
type FlowRunner struct {
	mu sync.Mutex

	config_obj *config.Config
	manager    *queue_manager.QueueManager
	registry   *Registry
	logger     *logging.LogContext

	record *flows_proto.FlowRecord
	flow   Flow

	output          *collections.IndexedCollection
	plugins         []*outputPluginRunner
	pending_replies []*ordereddict.Dict

	// Handlers receive this as their Runner.
	handler_runner Runner
	outcomes       outcomeHandler
}

func newFlowRunner(
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	record *flows_proto.FlowRecord) (*FlowRunner, error) {
	flow, err := registry.NewFlow(record.RunnerArgs.FlowName)
	if err != nil {
		return nil, err
	}

	err = loadFlowState(record, flow)
	if err != nil {
		return nil, err
	}

	flow_path_manager := paths.NewFlowPathManager(record.Context.SessionId)
	record.Context.Output = flow_path_manager.Output().String()

	result := &FlowRunner{
		config_obj: config_obj,
		manager:    manager,
		registry:   registry,
		logger:     logging.GetLogger(config_obj, &logging.FlowRunnerComponent),
		record:     record,
		flow:       flow,
		output: collections.NewIndexedCollection(
			config_obj, manager.DB(), flow_path_manager.Output()),
	}
	result.handler_runner = result
	result.outcomes = result

	err = result.loadOutputPlugins()
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (self *FlowRunner) loadOutputPlugins() error {
	args := self.record.RunnerArgs
	flow_context := self.record.Context

	for i, descriptor := range args.OutputPlugins {
		if i >= len(flow_context.OutputPluginsStates) {
			flow_context.OutputPluginsStates = append(
				flow_context.OutputPluginsStates,
				&flows_proto.OutputPluginState{
					PluginName: descriptor.PluginName,
				})
		}

		plugin, err := self.registry.NewOutputPlugin(self.config_obj,
			self.manager.DB(), flow_context.SessionId,
			descriptor.PluginName, descriptor.Args)
		if err != nil {
			return err
		}

		self.plugins = append(self.plugins, &outputPluginRunner{
			plugin: plugin,
			state:  flow_context.OutputPluginsStates[i],
		})
	}
	return nil
}

func newFlowRecord(
	args *flows_proto.FlowRunnerArgs,
	session_id SessionId) *flows_proto.FlowRecord {
	return &flows_proto.FlowRecord{
		RunnerArgs: args,
		Context: &flows_proto.FlowContext{
			SessionId:            session_id.String(),
			State:                flows_proto.FlowContext_RUNNING,
			NextOutboundId:       1,
			NextProcessedRequest: 1,
			CreateTime:           utils.NowMicro(),
			RemainingCpuQuota:    args.CpuLimit,
		},
	}
}

func createFlow(
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	args *flows_proto.FlowRunnerArgs) (*FlowRunner, error) {
	if args.FlowName == "" {
		return nil, fmt.Errorf("%w: no flow name given", utils.InvalidArgError)
	}

	if args.Queue == "" {
		args.Queue = constants.DEFAULT_QUEUE
	}

	session_id := NewSessionId(args.Queue, args.FlowName, constants.FLOW_PREFIX)
	return newFlowRunner(config_obj, manager, registry,
		newFlowRecord(args, session_id))
}

// Create a new flow, run its Start state and persist it. Returns the
// new session id.
func StartFlow(
	ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	args *flows_proto.FlowRunnerArgs) (string, error) {

	if config_obj.Flows != nil {
		if args.CpuLimit == 0 {
			args.CpuLimit = config_obj.Flows.DefaultCpuLimit
		}
		if args.NetworkBytesLimit == 0 {
			args.NetworkBytesLimit = config_obj.Flows.DefaultNetworkBytesLimit
		}
	}

	runner, err := createFlow(config_obj, manager, registry, args)
	if err != nil {
		return "", err
	}

	runner.logger.Info("Starting <green>%v</> on %v as %v",
		args.FlowName, args.ClientId, runner.SessionId())

	runner.start(ctx)
	return runner.SessionId(), runner.Flush(ctx)
}

func LoadFlowRunner(
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	session_id string) (*FlowRunner, error) {
	record, err := GetFlowRecord(config_obj, manager.DB(), session_id)
	if err != nil {
		return nil, err
	}
	return newFlowRunner(config_obj, manager, registry, record)
}

func (self *FlowRunner) start(ctx context.Context) {
	self.RunStateMethod(ctx, constants.START_STATE, nil, nil)
	self.checkCompletion(ctx)
}

func (self *FlowRunner) SessionId() string {
	return self.record.Context.SessionId
}

func (self *FlowRunner) ClientId() string {
	return self.record.RunnerArgs.ClientId
}

func (self *FlowRunner) Args() *ordereddict.Dict {
	if self.record.RunnerArgs.Args == nil {
		return ordereddict.NewDict()
	}
	return self.record.RunnerArgs.Args
}

func (self *FlowRunner) ParseArgs(target interface{}) error {
	return utils.ParseIntoStruct(self.Args(), target)
}

func (self *FlowRunner) ConfigObj() *config.Config {
	return self.config_obj
}

func (self *FlowRunner) DB() datastore.DataStore {
	return self.manager.DB()
}

func (self *FlowRunner) Registry() *Registry {
	return self.registry
}

// The persisted record. Callers must not modify it while the runner
// is processing.
func (self *FlowRunner) Record() *flows_proto.FlowRecord {
	return self.record
}

func (self *FlowRunner) queue() string {
	if self.record.RunnerArgs.Queue != "" {
		return self.record.RunnerArgs.Queue
	}
	return SessionId(self.SessionId()).Queue()
}

func (self *FlowRunner) requestLimit() int {
	if self.config_obj.Flows != nil && self.config_obj.Flows.RequestLimit > 0 {
		return self.config_obj.Flows.RequestLimit
	}
	return constants.REQUEST_LIMIT
}

func (self *FlowRunner) maxRetransmissions() int {
	if self.config_obj.Flows != nil && self.config_obj.Flows.MaxRetransmissions > 0 {
		return self.config_obj.Flows.MaxRetransmissions
	}
	return constants.MAX_RETRANSMISSIONS
}

func (self *FlowRunner) IsRunning() bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.record.Context.State == flows_proto.FlowContext_RUNNING
}

func (self *FlowRunner) outstanding() int64 {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.record.Context.OutstandingRequests
}

func (self *FlowRunner) setCurrentState(state string) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.record.Context.CurrentState = state
}

func (self *FlowRunner) Log(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	self.logger.Debug("<green>%v</>: %v", self.SessionId(), message)

	err := writeFlowLog(self.config_obj, self.manager.DB(),
		self.SessionId(), self.ClientId(), message)
	if err != nil {
		self.logger.Error("Writing log for %v: %v", self.SessionId(), err)
	}
}

// Allocate the next request id. The id counter only ever moves
// forward.
func (self *FlowRunner) newRequestState(
	client_id, next_state string,
	options *callOptions) *flows_proto.RequestState {
	self.mu.Lock()
	defer self.mu.Unlock()

	flow_context := self.record.Context
	id := flow_context.NextOutboundId
	flow_context.NextOutboundId++
	flow_context.OutstandingRequests++

	return &flows_proto.RequestState{
		Id:        id,
		SessionId: flow_context.SessionId,
		ClientId:  client_id,
		NextState: next_state,
		Data:      options.request_data,
		StartTime: options.start_time,
	}
}

func (self *FlowRunner) CallClient(
	ctx context.Context,
	action_name string,
	request interface{},
	next_state string,
	opts ...CallOption) error {
	if !self.IsRunning() {
		return fmt.Errorf("%w: %v", utils.FlowTerminatedError, self.SessionId())
	}

	options := getCallOptions(opts)
	client_id := options.client_id
	if client_id == "" {
		client_id = self.ClientId()
	}
	if client_id == "" {
		return fmt.Errorf("%w: CallClient %v needs a client id",
			utils.InvalidArgError, action_name)
	}

	payload, err := actions.EncodeRequest(action_name, request)
	if err != nil {
		return err
	}

	self.mu.Lock()
	code, err := checkQuota(self.record.Context, self.record.RunnerArgs)
	cpu_limit, network_limit := remainingLimits(
		self.record.Context, self.record.RunnerArgs)
	self.mu.Unlock()

	if err != nil {
		self.errorWithCode(ctx, code, "", err.Error())
		return err
	}

	state := self.newRequestState(client_id, next_state, options)
	state.Request = &flows_proto.ClientMessage{
		SessionId:         self.SessionId(),
		RequestId:         state.Id,
		Name:              action_name,
		Payload:           payload,
		CpuLimit:          cpu_limit,
		NetworkBytesLimit: network_limit,
	}

	// Assigns the task id which the request records.
	self.manager.QueueClientMessage(client_id, state.Request, options.start_time)
	self.manager.QueueRequest(state)
	return nil
}

func (self *FlowRunner) CallState(
	ctx context.Context,
	messages []*ordereddict.Dict,
	next_state string,
	opts ...CallOption) error {
	responses := make([]*flows_proto.Message, 0, len(messages)+1)
	for _, message := range messages {
		responses = append(responses, &flows_proto.Message{
			Type:    flows_proto.Message_MESSAGE,
			Payload: message,
		})
	}
	return self.callState(ctx, responses, next_state, getCallOptions(opts))
}

func (self *FlowRunner) callState(
	ctx context.Context,
	messages []*flows_proto.Message,
	next_state string,
	options *callOptions) error {
	if !self.IsRunning() {
		return fmt.Errorf("%w: %v", utils.FlowTerminatedError, self.SessionId())
	}

	state := self.newRequestState(options.client_id, next_state, options)
	self.manager.QueueRequest(state)

	if len(messages) == 0 ||
		messages[len(messages)-1].Type != flows_proto.Message_STATUS {
		messages = append(messages, &flows_proto.Message{
			Type:   flows_proto.Message_STATUS,
			Status: &flows_proto.Status{Status: flows_proto.Status_OK},
		})
	}

	for i, message := range messages {
		self.manager.QueueResponse(&flows_proto.Message{
			SessionId:  state.SessionId,
			RequestId:  state.Id,
			ResponseId: uint64(i + 1),
			Type:       message.Type,
			Payload:    message.Payload,
			Status:     message.Status,
			Source:     message.Source,
		})
	}

	self.manager.QueueNotification(self.SessionId(), self.queue(),
		options.start_time)
	return nil
}

func (self *FlowRunner) CallFlow(
	ctx context.Context,
	flow_name string,
	args interface{},
	next_state string,
	opts ...CallOption) (string, error) {
	if !self.IsRunning() {
		return "", fmt.Errorf("%w: %v", utils.FlowTerminatedError, self.SessionId())
	}

	options := getCallOptions(opts)
	client_id := options.client_id
	if client_id == "" {
		client_id = self.ClientId()
	}

	args_dict, err := utils.ToDict(args)
	if err != nil {
		return "", err
	}

	self.mu.Lock()
	cpu_limit, network_limit := remainingLimits(
		self.record.Context, self.record.RunnerArgs)
	self.mu.Unlock()

	state := self.newRequestState(client_id, next_state, options)
	self.manager.QueueRequest(state)

	child, err := createFlow(self.config_obj, self.manager, self.registry,
		&flows_proto.FlowRunnerArgs{
			FlowName:          flow_name,
			ClientId:          client_id,
			Queue:             constants.DEFAULT_QUEUE,
			Args:              args_dict,
			ParentSessionId:   self.SessionId(),
			RequestId:         state.Id,
			CpuLimit:          cpu_limit,
			NetworkBytesLimit: network_limit,
			Creator:           self.SessionId(),
		})
	if err != nil {
		// The request still completes so the parent does not stall.
		self.manager.QueueResponse(&flows_proto.Message{
			SessionId:  self.SessionId(),
			RequestId:  state.Id,
			ResponseId: 1,
			Type:       flows_proto.Message_STATUS,
			Status: &flows_proto.Status{
				Status:       flows_proto.Status_GENERIC_ERROR,
				ErrorMessage: err.Error(),
			},
		})
		self.manager.QueueNotification(self.SessionId(), self.queue(), 0)
		return "", err
	}

	if options.sync {
		child.start(ctx)
	} else {
		err = child.CallState(ctx, nil, constants.START_STATE)
		if err != nil {
			return "", err
		}
	}

	return child.SessionId(), child.Save()
}

func (self *FlowRunner) SendReply(ctx context.Context, reply *ordereddict.Dict) error {
	_, err := self.output.Add(reply)
	if err != nil {
		return err
	}

	self.mu.Lock()
	args := self.record.RunnerArgs
	flow_context := self.record.Context
	flow_context.TotalReplies++
	self.pending_replies = append(self.pending_replies, reply)

	var response_id uint64
	if args.ParentSessionId != "" {
		flow_context.NextResponseId++
		response_id = flow_context.NextResponseId
	}
	self.mu.Unlock()

	if args.ParentSessionId != "" {
		self.manager.QueueResponse(&flows_proto.Message{
			SessionId:  args.ParentSessionId,
			RequestId:  args.RequestId,
			ResponseId: response_id,
			Type:       flows_proto.Message_MESSAGE,
			Payload:    reply,
			Source:     args.ClientId,
		})
	}
	return nil
}

func (self *FlowRunner) Terminate(ctx context.Context) error {
	return self.terminate(ctx, flows_proto.FlowContext_TERMINATED,
		flows_proto.Status_OK, "", "")
}

func (self *FlowRunner) Error(ctx context.Context, backtrace, message string) {
	self.errorWithCode(ctx, flows_proto.Status_GENERIC_ERROR, backtrace, message)
}

func (self *FlowRunner) errorWithCode(ctx context.Context,
	code flows_proto.Status_Code, backtrace, message string) {
	if !self.IsRunning() {
		return
	}

	self.logger.Error("<red>%v</>: %v", self.SessionId(), message)
	self.Log("Error: %v", message)

	_ = self.terminate(ctx, flows_proto.FlowContext_ERROR, code,
		message, backtrace)
}

func (self *FlowRunner) terminate(
	ctx context.Context,
	state flows_proto.FlowContext_State,
	code flows_proto.Status_Code,
	message, backtrace string) error {

	self.mu.Lock()
	flow_context := self.record.Context
	if flow_context.State != flows_proto.FlowContext_RUNNING {
		self.mu.Unlock()
		return nil
	}

	flow_context.State = state
	flow_context.Status = message
	flow_context.Backtrace = backtrace
	flow_context.KillTimestamp = utils.NowMicro()

	args := self.record.RunnerArgs
	var status_message *flows_proto.Message
	if args.ParentSessionId != "" {
		resources := flow_context.ClientResources
		if resources == nil {
			resources = &flows_proto.ClientResources{}
		}

		flow_context.NextResponseId++
		status_message = &flows_proto.Message{
			SessionId:  args.ParentSessionId,
			RequestId:  args.RequestId,
			ResponseId: flow_context.NextResponseId,
			Type:       flows_proto.Message_STATUS,
			Source:     args.ClientId,
			Status: &flows_proto.Status{
				Status:           code,
				ErrorMessage:     message,
				Backtrace:        backtrace,
				UserCpuTime:      resources.UserCpuTime,
				SystemCpuTime:    resources.SystemCpuTime,
				NetworkBytesSent: resources.NetworkBytesSent,
				ChildSessionId:   flow_context.SessionId,
			},
		}
	}
	self.mu.Unlock()

	// Outstanding requests are of no further use.
	self.manager.DestroyFlowStates(self.SessionId())

	if status_message != nil {
		self.manager.QueueResponse(status_message)
		self.manager.QueueNotification(args.ParentSessionId,
			SessionId(args.ParentSessionId).Queue(), 0)
	}
	return nil
}

// Run the named state handler. Failures inside the handler are never
// propagated to the caller.
func (self *FlowRunner) RunStateMethod(
	ctx context.Context,
	method string,
	request *flows_proto.RequestState,
	messages []*flows_proto.Message) {

	handler, pres := self.flow.Handler(method)
	if !pres {
		self.outcomes.handlerFailed(ctx, request, fmt.Sprintf(
			"Flow %v has no state %v", self.record.RunnerArgs.FlowName,
			method), "")
		return
	}

	self.setCurrentState(method)

	var result HandlerResult
	err := utils.RecoverToError(func() error {
		result = handler(ctx, self.handler_runner, newResponses(request, messages))
		return nil
	})
	if err != nil {
		backtrace := ""
		var panic_err *utils.PanicError
		if errors.As(err, &panic_err) {
			backtrace = panic_err.Backtrace
		}
		self.outcomes.handlerFailed(ctx, request, err.Error(), backtrace)
		return
	}

	switch result.Kind {
	case ResultTerminateSuccess:
		self.outcomes.handlerDone(ctx, request)

	case ResultTerminateError:
		message := "Unknown error"
		backtrace := ""
		if result.Err != nil {
			message = result.Err.Error()
			backtrace = fmt.Sprintf("%+v", result.Err)
		}
		self.outcomes.handlerFailed(ctx, request, message, backtrace)

	case ResultRetryLater:
		options := &callOptions{
			start_time: utils.TimeToMicro(utils.Now().Add(result.Delay)),
		}
		if request != nil {
			options.client_id = request.ClientId
			options.request_data = request.Data
		}

		err := self.callState(ctx, messages, method, options)
		if err != nil {
			self.Log("Unable to retry %v: %v", method, err)
		}
	}
}

func (self *FlowRunner) handlerFailed(ctx context.Context,
	request *flows_proto.RequestState, message, backtrace string) {
	self.Error(ctx, backtrace, message)
}

func (self *FlowRunner) handlerDone(ctx context.Context,
	request *flows_proto.RequestState) {
	_ = self.Terminate(ctx)
}

// Process all completed requests that are ready.
func (self *FlowRunner) ProcessCompletedRequests(
	ctx context.Context, notification *flows_proto.Notification) error {
	for {
		again, err := self.processPass(ctx)
		if err != nil {
			return err
		}

		err = self.Flush(ctx)
		if err != nil {
			return err
		}

		if !again {
			return nil
		}
	}
}

// Fetch the completed requests and remove their client tasks so the
// client does not lease a request the flow already moved past.
func (self *FlowRunner) fetchCompleted(ctx context.Context, start uint64) (
	[]*queue_manager.CompletedRequest, bool, error) {
	completed, err := self.manager.FetchCompletedResponsesFrom(
		self.SessionId(), start, self.requestLimit())
	more_data := false
	if errors.Is(err, utils.MoreDataError) {
		more_data = true
	} else if err != nil {
		return nil, false, err
	}

	for _, item := range completed {
		request := item.Request
		if request.Request != nil && request.ClientId != "" &&
			request.Request.TaskId != 0 {
			self.manager.DeQueueClientRequest(request.ClientId,
				request.Request.TaskId)
		}
	}

	return completed, more_data, self.manager.Flush(ctx)
}

// Returns true if the pass stopped because of a partial scan and
// should be repeated.
func (self *FlowRunner) processPass(ctx context.Context) (bool, error) {
	completed, more_data, err := self.fetchCompleted(ctx, 0)
	if err != nil {
		return false, err
	}

	if !self.IsRunning() {
		self.manager.DestroyFlowStates(self.SessionId())
		return false, nil
	}

	session_id := self.SessionId()
	now := utils.NowMicro()
	stopped := false

	for _, item := range completed {
		if !self.IsRunning() {
			stopped = true
			break
		}

		request := item.Request

		self.mu.Lock()
		next := self.record.Context.NextProcessedRequest
		self.mu.Unlock()

		// Already processed.
		if request.Id < next {
			self.manager.DeleteRequest(session_id, request.Id)
			continue
		}

		// Not its turn yet.
		if request.Id > next {
			outOfOrderCounter.Inc()
			stopped = true
			break
		}

		// The response arrived before the request was written.
		if item.Orphan {
			stopped = true
			break
		}

		if request.StartTime > now {
			self.manager.QueueNotification(session_id, self.queue(),
				request.StartTime)
			stopped = true
			break
		}

		if !item.IsComplete() {
			self.maybeRetransmit(request)
			stopped = true
			break
		}

		if !self.accountForStatus(ctx, item.Status()) {
			stopped = true
			break
		}

		completedRequestsCounter.Inc()
		self.RunStateMethod(ctx, request.NextState, request, item.Responses)
		self.manager.DeleteRequest(session_id, request.Id)

		self.mu.Lock()
		self.record.Context.NextProcessedRequest++
		if self.record.Context.OutstandingRequests > 0 {
			self.record.Context.OutstandingRequests--
		}
		self.mu.Unlock()
	}

	self.checkCompletion(ctx)
	return more_data && !stopped, nil
}

// Send the request to the client again, up to the retransmission
// limit.
func (self *FlowRunner) maybeRetransmit(request *flows_proto.RequestState) bool {
	if request.Request == nil || request.ClientId == "" {
		return false
	}

	if request.TransmissionCount >= self.maxRetransmissions() {
		return false
	}

	request.TransmissionCount++
	self.manager.QueueRequest(request)
	self.manager.QueueClientMessage(request.ClientId, request.Request, 0)
	retransmissionCounter.Inc()

	self.Log("Retransmitting request %v to %v (%v)", request.Id,
		request.ClientId, request.TransmissionCount)
	return true
}

// Add the status' resource usage. Returns false if the flow ran out
// of quota.
func (self *FlowRunner) accountForStatus(
	ctx context.Context, status *flows_proto.Status) bool {
	self.mu.Lock()
	updateResources(self.record.Context, self.record.RunnerArgs, status)
	code, err := checkResourceLimits(self.record.Context, self.record.RunnerArgs)
	self.mu.Unlock()

	if err != nil {
		self.errorWithCode(ctx, code, "", err.Error())
		return false
	}
	return true
}

// When nothing is outstanding run the End state once and terminate
// unless End issued more requests.
func (self *FlowRunner) checkCompletion(ctx context.Context) {
	if !self.IsRunning() || self.outstanding() > 0 {
		return
	}

	self.mu.Lock()
	current_state := self.record.Context.CurrentState
	self.mu.Unlock()

	if current_state != constants.END_STATE {
		_, pres := self.flow.Handler(constants.END_STATE)
		if pres {
			self.RunStateMethod(ctx, constants.END_STATE, nil, nil)
		} else {
			self.setCurrentState(constants.END_STATE)
		}
	}

	if self.IsRunning() && self.outstanding() <= 0 {
		_ = self.Terminate(ctx)
	}
}

// Write the flow record.
func (self *FlowRunner) Save() error {
	self.mu.Lock()
	defer self.mu.Unlock()

	err := storeFlowState(self.record, self.flow)
	if err != nil {
		return err
	}
	return setFlowRecord(self.config_obj, self.manager.DB(), self.record)
}

// Run output plugins, save the flow and write out all queued
// mutations.
func (self *FlowRunner) Flush(ctx context.Context) error {
	self.mu.Lock()
	replies := self.pending_replies
	self.pending_replies = nil
	self.mu.Unlock()

	for _, err := range runOutputPlugins(ctx, self.plugins, replies) {
		self.Log("%v", err)
	}

	err := self.Save()
	if err != nil {
		return err
	}
	return self.manager.Flush(ctx)
}
