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
	"math"
	"sync"

	"github.com/Velocidex/ordereddict"
	"github.com/alitto/pond/v2"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	pool_mu   sync.Mutex
	hunt_pool pond.Pool
)

// Hunt handlers for different clients run concurrently on this
// pool.
func getHuntPool(config_obj *config.Config) pond.Pool {
	pool_mu.Lock()
	defer pool_mu.Unlock()

	if hunt_pool == nil {
		size := 20
		if config_obj.Worker != nil && config_obj.Worker.HuntThreads > 0 {
			size = config_obj.Worker.HuntThreads
		}
		hunt_pool = pond.NewPool(size)
	}
	return hunt_pool
}

// Runs a flow across many clients. Requests are not ordered: each
// completed request is handled on the hunt pool. Handler failures
// are recorded against the client and never fail the hunt.
//
// The embedded runner's mutex guards all hunt wide state.
type HuntRunner struct {
	*FlowRunner

	pool pond.Pool

	clients      *collections.ClientUrnCollection
	completed    *collections.ClientUrnCollection
	errors       *collections.HuntErrorCollection
	with_results *collections.ClientUrnCollection
	results      *collections.IndexedCollection
}

func newHuntRunner(
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	record *flows_proto.FlowRecord) (*HuntRunner, error) {
	if record.HuntContext == nil {
		return nil, fmt.Errorf("%w: %v is not a hunt",
			utils.InvalidArgError, record.Context.SessionId)
	}

	runner, err := newFlowRunner(config_obj, manager, registry, record)
	if err != nil {
		return nil, err
	}
	runner.logger = logging.GetLogger(config_obj, &logging.HuntRunnerComponent)

	db := manager.DB()
	hunt_path_manager := paths.NewHuntPathManager(record.Context.SessionId)
	result := &HuntRunner{
		FlowRunner: runner,
		pool:       getHuntPool(config_obj),
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

	runner.handler_runner = result
	runner.outcomes = result
	return result, nil
}

func LoadHuntRunner(
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	hunt_id string) (*HuntRunner, error) {
	record, err := GetFlowRecord(config_obj, manager.DB(), hunt_id)
	if err != nil {
		return nil, err
	}
	return newHuntRunner(config_obj, manager, registry, record)
}

func (self *HuntRunner) HuntContext() *flows_proto.HuntContext {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := *self.record.HuntContext
	return &result
}

func (self *HuntRunner) MarkClientDone(ctx context.Context, client_id string) error {
	return self.completed.AddClient(client_id)
}

func (self *HuntRunner) LogClientError(ctx context.Context,
	client_id, message, backtrace string) error {
	self.logger.Info("Hunt <green>%v</>: client %v failed: %v",
		self.SessionId(), client_id, message)

	err := writeFlowLog(self.config_obj, self.manager.DB(),
		self.SessionId(), client_id, message)
	if err != nil {
		return err
	}

	return self.errors.AddError(&flows_proto.HuntError{
		ClientId:   client_id,
		LogMessage: message,
		Backtrace:  backtrace,
	})
}

// Record a result a client produced for the hunt.
func (self *HuntRunner) SendClientReply(ctx context.Context,
	client_id string, reply *ordereddict.Dict) error {
	row := ordereddict.NewDict().
		Set("ClientId", client_id).
		Set("Payload", reply)

	_, err := self.results.Add(row)
	if err != nil {
		return err
	}

	self.mu.Lock()
	self.record.Context.TotalReplies++
	self.pending_replies = append(self.pending_replies, row)
	self.mu.Unlock()

	return self.with_results.AddClient(client_id)
}

func (self *HuntRunner) handlerFailed(ctx context.Context,
	request *flows_proto.RequestState, message, backtrace string) {
	if request == nil || request.ClientId == "" {
		self.Log("Hunt state failed: %v", message)
		return
	}

	err := self.LogClientError(ctx, request.ClientId, message, backtrace)
	if err != nil {
		self.logger.Error("LogClientError %v: %v", self.SessionId(), err)
	}
}

func (self *HuntRunner) handlerDone(ctx context.Context,
	request *flows_proto.RequestState) {
	if request == nil || request.ClientId == "" {
		return
	}

	err := self.MarkClientDone(ctx, request.ClientId)
	if err != nil {
		self.logger.Error("MarkClientDone %v: %v", self.SessionId(), err)
	}
}

// Admit new clients while the hunt is started.
func (self *HuntRunner) Start(ctx context.Context) error {
	self.mu.Lock()
	hunt := self.record.HuntContext
	switch hunt.State {
	case flows_proto.HuntContext_STOPPED, flows_proto.HuntContext_COMPLETED:
		self.mu.Unlock()
		return fmt.Errorf("%w: hunt %v is %v",
			utils.StoppedHuntError, self.SessionId(), hunt.State)

	case flows_proto.HuntContext_STARTED:
		self.mu.Unlock()
		return nil
	}

	now := utils.NowMicro()
	hunt.State = flows_proto.HuntContext_STARTED
	if hunt.StartTime == 0 {
		hunt.StartTime = now
	}

	if hunt.Expires == 0 && self.config_obj.Hunts != nil &&
		self.config_obj.Hunts.DefaultExpirySec > 0 {
		hunt.Expires = now + uint64(self.config_obj.Hunts.DefaultExpirySec)*1000000
	}

	rule := &flows_proto.ForemanRule{
		HuntId:  self.SessionId(),
		Created: now,
		Expires: hunt.Expires,
		Rules:   hunt.Rules,
	}
	self.mu.Unlock()

	err := AddForemanRule(self.config_obj, self.manager.DB(), rule)
	if err != nil {
		return err
	}

	self.mu.Lock()
	hunt.ForemanRuleAdded = true
	self.mu.Unlock()

	self.Log("Hunt started")
	return nil
}

// Stop admitting clients. Clients already admitted carry on.
func (self *HuntRunner) Pause(ctx context.Context) error {
	self.mu.Lock()
	hunt := self.record.HuntContext
	if hunt.State == flows_proto.HuntContext_STARTED {
		hunt.State = flows_proto.HuntContext_PAUSED
	}
	self.mu.Unlock()

	return self.removeForemanRule()
}

// A stopped hunt can never be started again.
func (self *HuntRunner) Stop(ctx context.Context) error {
	self.mu.Lock()
	self.record.HuntContext.State = flows_proto.HuntContext_STOPPED
	self.mu.Unlock()

	self.Log("Hunt stopped")
	return self.removeForemanRule()
}

func (self *HuntRunner) removeForemanRule() error {
	err := RemoveForemanRule(self.config_obj, self.manager.DB(), self.SessionId())
	if err != nil {
		return err
	}

	self.mu.Lock()
	self.record.HuntContext.ForemanRuleAdded = false
	self.mu.Unlock()
	return nil
}

// Moves an expired hunt to COMPLETED. Returns true if the hunt
// expired now.
func (self *HuntRunner) CheckExpiry(ctx context.Context) bool {
	self.mu.Lock()
	hunt := self.record.HuntContext
	expired := hunt.State == flows_proto.HuntContext_STARTED &&
		hunt.Expires > 0 && hunt.Expires < utils.NowMicro()
	if expired {
		hunt.State = flows_proto.HuntContext_COMPLETED
	}
	self.mu.Unlock()

	if expired {
		self.Log("Hunt expired")
		err := self.removeForemanRule()
		if err != nil {
			self.logger.Error("CheckExpiry %v: %v", self.SessionId(), err)
		}
	}
	return expired
}

func (self *HuntRunner) IsHuntStarted(ctx context.Context) bool {
	self.CheckExpiry(ctx)

	self.mu.Lock()
	defer self.mu.Unlock()

	return self.record.HuntContext.State == flows_proto.HuntContext_STARTED
}

// Admission of a client the foreman or an operator added.
func (self *HuntRunner) addClient(ctx context.Context, client_id string) {
	if client_id == "" {
		return
	}

	if !self.IsHuntStarted(ctx) {
		self.logger.Debug("Hunt %v not started: ignoring %v",
			self.SessionId(), client_id)
		return
	}

	self.mu.Lock()
	hunt := self.record.HuntContext
	if hunt.ClientLimit > 0 && hunt.ClientCount >= hunt.ClientLimit {
		limit := hunt.ClientLimit
		self.mu.Unlock()

		self.Log("Client limit %v reached, pausing hunt", limit)
		err := self.Pause(ctx)
		if err != nil {
			self.logger.Error("Pause %v: %v", self.SessionId(), err)
		}
		return
	}

	hunt.ClientCount++
	rate := hunt.ClientRate
	var due uint64
	if rate > 0 {
		now := utils.NowMicro()
		if hunt.NextClientDue < now {
			hunt.NextClientDue = now
		}
		due = hunt.NextClientDue
		hunt.NextClientDue += uint64(math.Ceil(60 / rate * 1000000))
	}
	self.mu.Unlock()

	if rate <= 0 {
		self.registerClient(ctx, client_id)
		return
	}

	err := self.callState(ctx, nil, constants.REGISTER_CLIENT_STATE,
		&callOptions{client_id: client_id, start_time: due})
	if err != nil {
		self.logger.Error("Scheduling %v on %v: %v",
			client_id, self.SessionId(), err)
	}
}

// The client is now part of the hunt: run the hunt flow for it.
func (self *HuntRunner) registerClient(ctx context.Context, client_id string) {
	if self.isStopped() {
		return
	}

	err := self.clients.AddClient(client_id)
	if err != nil {
		self.logger.Error("Registering %v on %v: %v",
			client_id, self.SessionId(), err)
		return
	}

	request := &flows_proto.RequestState{
		SessionId: self.SessionId(),
		ClientId:  client_id,
		NextState: constants.RUN_CLIENT_STATE,
	}

	self.RunStateMethod(ctx, constants.RUN_CLIENT_STATE, request,
		[]*flows_proto.Message{{
			SessionId:  self.SessionId(),
			ResponseId: 1,
			Type:       flows_proto.Message_MESSAGE,
			Payload:    ordereddict.NewDict().Set("client_id", client_id),
			Source:     client_id,
		}, {
			SessionId:  self.SessionId(),
			ResponseId: 2,
			Type:       flows_proto.Message_STATUS,
			Status:     &flows_proto.Status{Status: flows_proto.Status_OK},
			Source:     client_id,
		}})
}

// Progress of one pass over the completed requests.
type huntPass struct {
	// The next pass starts at this request id.
	next_start uint64

	// Earliest start time of a request that is not due yet.
	next_due uint64

	more_data bool
}

// Requests skipped in one pass stay in the ledger, so later passes
// page past them instead of fetching them again.
func (self *HuntRunner) ProcessCompletedRequests(
	ctx context.Context, notification *flows_proto.Notification) error {
	var start, next_due uint64
	for {
		pass, err := self.processPass(ctx, start)
		if err != nil {
			return err
		}

		if pass.next_due > 0 && (next_due == 0 || pass.next_due < next_due) {
			next_due = pass.next_due
		}

		err = self.Flush(ctx)
		if err != nil {
			return err
		}

		if !pass.more_data {
			break
		}
		start = pass.next_start
	}

	// Only wake up for the earliest future request.
	if next_due > 0 && self.IsRunning() {
		self.manager.QueueNotification(self.SessionId(), self.queue(), next_due)
		return self.manager.Flush(ctx)
	}
	return nil
}

func (self *HuntRunner) isStopped() bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.record.HuntContext.State == flows_proto.HuntContext_STOPPED
}

func (self *HuntRunner) processPass(
	ctx context.Context, start uint64) (*huntPass, error) {
	pass := &huntPass{next_start: start}

	completed, more_data, err := self.fetchCompleted(ctx, start)
	if err != nil {
		return nil, err
	}

	if !self.IsRunning() {
		self.manager.DestroyFlowStates(self.SessionId())
		return pass, nil
	}

	session_id := self.SessionId()
	now := utils.NowMicro()

	// A stopped hunt admits nobody and runs no more handlers.
	stopped := self.isStopped()

	group := self.pool.NewGroup()
	for _, item := range completed {
		request := item.Request
		if request.Id >= pass.next_start {
			pass.next_start = request.Id + 1
		}

		if item.Orphan {
			self.manager.DeleteRequest(session_id, request.Id)
			continue
		}

		if request.StartTime > now && !stopped {
			if pass.next_due == 0 || request.StartTime < pass.next_due {
				pass.next_due = request.StartTime
			}
			continue
		}

		if !item.IsComplete() && !stopped {
			self.maybeRetransmit(request)
			continue
		}

		self.mu.Lock()
		updateResources(self.record.Context, self.record.RunnerArgs, item.Status())
		self.mu.Unlock()

		completedRequestsCounter.Inc()
		self.manager.DeleteRequest(session_id, request.Id)

		switch {
		case request.NextState == constants.ADD_CLIENT_STATE:
			// Admission requests are not counted as outstanding.
			self.addClient(ctx, request.ClientId)
			continue

		case stopped:
			self.logger.Debug("Hunt %v stopped: dropping %v for %v",
				session_id, request.NextState, request.ClientId)

		case request.NextState == constants.REGISTER_CLIENT_STATE:
			self.registerClient(ctx, request.ClientId)

		default:
			group.Submit(func() {
				self.RunStateMethod(ctx, request.NextState, request,
					item.Responses)
			})
		}

		self.mu.Lock()
		if self.record.Context.OutstandingRequests > 0 {
			self.record.Context.OutstandingRequests--
		}
		self.mu.Unlock()
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		self.logger.Error("Hunt %v: %v", session_id, err)
	}

	pass.more_data = more_data
	return pass, nil
}
