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

// The ledger of outstanding requests and their responses.
//
// All flow requests, responses and status markers live under the
// flow's session path. Mutations are buffered in the QueueManager and
// only written out on Flush() so a handler's side effects are
// persisted together, before any notification is sent.
package queue_manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/notifications"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	flushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_manager_flush_count",
		Help: "Number of times the queue manager flushed its mutations.",
	})
)

// A request whose STATUS has arrived, together with all responses
// stored so far.
type CompletedRequest struct {
	Request   *flows_proto.RequestState
	Responses []*flows_proto.Message

	// The response id of the STATUS message. The request is only
	// complete when this many responses are stored.
	StatusResponseId uint64

	// Responses arrived for a request that was never stored or was
	// already deleted.
	Orphan bool
}

func (self *CompletedRequest) IsComplete() bool {
	return uint64(len(self.Responses)) == self.StatusResponseId
}

func (self *CompletedRequest) Status() *flows_proto.Status {
	for _, response := range self.Responses {
		if response.Type == flows_proto.Message_STATUS {
			return response.Status
		}
	}
	return nil
}

type clientMessage struct {
	client_id string
	message   *flows_proto.ClientMessage
	eta       uint64
}

type clientTask struct {
	client_id string
	task_id   uint64
}

type requestKey struct {
	session_id string
	request_id uint64
}

type QueueManager struct {
	mu sync.Mutex

	config_obj *config.Config
	db         datastore.DataStore
	notifier   notifications.NotificationQueue
	tasks      *datastore.ClientTaskQueue

	requests           []*flows_proto.RequestState
	responses          []*flows_proto.Message
	client_messages    []*clientMessage
	client_tasks_done  []*clientTask
	requests_to_delete []requestKey
	notifications      []*flows_proto.Notification
	sessions_to_delete []string
}

func NewQueueManager(
	config_obj *config.Config,
	db datastore.DataStore,
	notifier notifications.NotificationQueue) *QueueManager {
	return &QueueManager{
		config_obj: config_obj,
		db:         db,
		notifier:   notifier,
		tasks:      datastore.NewClientTaskQueue(config_obj, db),
	}
}

func (self *QueueManager) DB() datastore.DataStore {
	return self.db
}

func (self *QueueManager) TaskQueue() *datastore.ClientTaskQueue {
	return self.tasks
}

func (self *QueueManager) QueueRequest(request *flows_proto.RequestState) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.requests = append(self.requests, request)
}

// Store a response. A STATUS response also marks the request as
// completed.
func (self *QueueManager) QueueResponse(response *flows_proto.Message) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.responses = append(self.responses, response)
}

// Queue a message for delivery to the client. The message is given
// a task id right away so the request referencing it can record it.
func (self *QueueManager) QueueClientMessage(
	client_id string, message *flows_proto.ClientMessage, eta uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if message.TaskId == 0 {
		message.TaskId = datastore.NewTaskId()
	}

	self.client_messages = append(self.client_messages, &clientMessage{
		client_id: client_id,
		message:   message,
		eta:       eta,
	})
}

// Remove the client task for a request that no longer needs
// delivering.
func (self *QueueManager) DeQueueClientRequest(client_id string, task_id uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.client_tasks_done = append(self.client_tasks_done, &clientTask{
		client_id: client_id,
		task_id:   task_id,
	})
}

// Delete the request with all its responses and its status marker.
func (self *QueueManager) DeleteRequest(session_id string, request_id uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.requests_to_delete = append(self.requests_to_delete, requestKey{
		session_id: session_id,
		request_id: request_id,
	})
}

func (self *QueueManager) QueueNotification(
	session_id, queue string, timestamp uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if timestamp == 0 {
		timestamp = utils.NowMicro()
	}

	self.notifications = append(self.notifications, &flows_proto.Notification{
		SessionId: session_id,
		Queue:     queue,
		Timestamp: timestamp,
	})
}

// Remove all requests, responses and status markers of the session.
func (self *QueueManager) DestroyFlowStates(session_id string) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.sessions_to_delete = append(self.sessions_to_delete, session_id)
}

// Write all buffered mutations. Deletions go first, then new
// records, then notifications so a worker woken by a notification
// always finds the data it was notified about.
func (self *QueueManager) Flush(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	flushCounter.Inc()

	for _, session_id := range self.sessions_to_delete {
		flow_path_manager := paths.NewFlowPathManager(session_id)
		for _, urn := range []paths.DSPathSpec{
			flow_path_manager.Requests(),
			flow_path_manager.AllResponses(),
			flow_path_manager.AllStatus(),
		} {
			err := self.db.DeleteTree(self.config_obj, urn)
			if err != nil {
				return err
			}
		}
	}
	self.sessions_to_delete = nil

	for _, key := range self.requests_to_delete {
		flow_path_manager := paths.NewFlowPathManager(key.session_id)
		err := self.db.DeleteSubject(self.config_obj,
			flow_path_manager.Status(key.request_id))
		if err != nil {
			return err
		}

		err = self.db.DeleteTree(self.config_obj,
			flow_path_manager.Responses(key.request_id))
		if err != nil {
			return err
		}

		err = self.db.DeleteSubject(self.config_obj,
			flow_path_manager.Request(key.request_id))
		if err != nil {
			return err
		}
	}
	self.requests_to_delete = nil

	for _, request := range self.requests {
		flow_path_manager := paths.NewFlowPathManager(request.SessionId)
		err := self.db.SetSubject(self.config_obj,
			flow_path_manager.Request(request.Id), request)
		if err != nil {
			return err
		}
	}
	self.requests = nil

	for _, response := range self.responses {
		flow_path_manager := paths.NewFlowPathManager(response.SessionId)
		err := self.db.SetSubject(self.config_obj,
			flow_path_manager.Response(response.RequestId, response.ResponseId),
			response)
		if err != nil {
			return err
		}

		if response.Type == flows_proto.Message_STATUS {
			err := self.db.SetSubject(self.config_obj,
				flow_path_manager.Status(response.RequestId),
				&flows_proto.StatusMarker{ResponseId: response.ResponseId})
			if err != nil {
				return err
			}
		}
	}
	self.responses = nil

	for _, task := range self.client_tasks_done {
		err := self.tasks.UnQueueMessageForClient(task.client_id, task.task_id)
		if err != nil {
			return err
		}
	}
	self.client_tasks_done = nil

	for _, message := range self.client_messages {
		_, err := self.tasks.QueueMessageForClient(
			message.client_id, message.message, message.eta)
		if err != nil {
			return err
		}
	}
	self.client_messages = nil

	for _, notification := range self.notifications {
		err := self.notifier.QueueNotification(ctx, notification)
		if err != nil {
			return err
		}
	}
	self.notifications = nil

	return nil
}

func parseRequestId(name string) (uint64, error) {
	return strconv.ParseUint(name, 16, 64)
}

// Requests whose STATUS has arrived, in ascending request id. If
// there are more than limit, the first limit are returned together
// with utils.MoreDataError.
func (self *QueueManager) FetchCompletedRequests(
	session_id string, limit int) ([]*CompletedRequest, error) {
	return self.FetchCompletedRequestsFrom(session_id, 0, limit)
}

// Like FetchCompletedRequests but starts at request id start.
func (self *QueueManager) FetchCompletedRequestsFrom(
	session_id string, start uint64, limit int) ([]*CompletedRequest, error) {
	flow_path_manager := paths.NewFlowPathManager(session_id)

	start_name := ""
	if start > 0 {
		start_name = paths.RequestName(start)
	}

	// One extra entry tells us if there is more.
	scan_limit := limit
	if limit > 0 {
		scan_limit = limit + 1
	}

	children, err := self.db.ScanChildren(self.config_obj,
		flow_path_manager.AllStatus(), start_name, scan_limit)
	if err != nil {
		return nil, err
	}

	more_data := limit > 0 && len(children) > limit
	if more_data {
		children = children[:limit]
	}

	result := make([]*CompletedRequest, 0, len(children))
	for _, child := range children {
		request_id, err := parseRequestId(child.Name)
		if err != nil {
			continue
		}

		marker := &flows_proto.StatusMarker{}
		err = json.Unmarshal(child.Data, marker)
		if err != nil {
			continue
		}

		completed := &CompletedRequest{
			StatusResponseId: marker.ResponseId,
		}

		request := &flows_proto.RequestState{}
		err = self.db.GetSubject(self.config_obj,
			flow_path_manager.Request(request_id), request)
		if datastore.IsNotFound(err) {
			request = &flows_proto.RequestState{
				Id:        request_id,
				SessionId: session_id,
			}
			completed.Orphan = true
		} else if err != nil {
			return nil, err
		}
		completed.Request = request

		result = append(result, completed)
	}

	if more_data {
		return result, fmt.Errorf("%w: more than %v completed requests",
			utils.MoreDataError, limit)
	}

	return result, nil
}

// Like FetchCompletedRequests but also reads the stored responses of
// each request.
func (self *QueueManager) FetchCompletedResponses(
	session_id string, limit int) ([]*CompletedRequest, error) {
	return self.FetchCompletedResponsesFrom(session_id, 0, limit)
}

func (self *QueueManager) FetchCompletedResponsesFrom(
	session_id string, start uint64, limit int) ([]*CompletedRequest, error) {
	completed, fetch_err := self.FetchCompletedRequestsFrom(
		session_id, start, limit)
	if fetch_err != nil && len(completed) == 0 {
		return nil, fetch_err
	}

	for _, request := range completed {
		responses, err := self.FetchResponses(session_id, request.Request.Id)
		if err != nil {
			return nil, err
		}
		request.Responses = responses
	}

	return completed, fetch_err
}

func (self *QueueManager) FetchResponses(
	session_id string, request_id uint64) ([]*flows_proto.Message, error) {
	flow_path_manager := paths.NewFlowPathManager(session_id)
	children, err := self.db.ScanChildren(self.config_obj,
		flow_path_manager.Responses(request_id), "", 0)
	if err != nil {
		return nil, err
	}

	result := make([]*flows_proto.Message, 0, len(children))
	for _, child := range children {
		response := &flows_proto.Message{}
		err := json.Unmarshal(child.Data, response)
		if err != nil {
			continue
		}
		result = append(result, response)
	}
	return result, nil
}

// All stored requests and whatever responses they have, completed or
// not. Used for inspecting stuck flows.
func (self *QueueManager) FetchRequestsAndResponses(
	session_id string) ([]*CompletedRequest, error) {
	flow_path_manager := paths.NewFlowPathManager(session_id)
	children, err := self.db.ScanChildren(self.config_obj,
		flow_path_manager.Requests(), "", 0)
	if err != nil {
		return nil, err
	}

	result := make([]*CompletedRequest, 0, len(children))
	for _, child := range children {
		request := &flows_proto.RequestState{}
		err := json.Unmarshal(child.Data, request)
		if err != nil {
			continue
		}

		responses, err := self.FetchResponses(session_id, request.Id)
		if err != nil {
			return nil, err
		}

		item := &CompletedRequest{
			Request:   request,
			Responses: responses,
		}

		marker := &flows_proto.StatusMarker{}
		err = self.db.GetSubject(self.config_obj,
			flow_path_manager.Status(request.Id), marker)
		if err == nil {
			item.StatusResponseId = marker.ResponseId
		}

		result = append(result, item)
	}

	return result, nil
}
