package actions

import (
	"runtime/debug"
	"sync"

	"github.com/Velocidex/ordereddict"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

// Builds the responses to one client request. Response ids start at
// 1 and the STATUS is always last.
type Responder struct {
	mu sync.Mutex

	request   *flows_proto.ClientMessage
	next_id   uint64
	responses []*flows_proto.Message
	done      bool

	// Resources reported in the status.
	start_time float64
	bytes_sent uint64
}

func NewResponder(request *flows_proto.ClientMessage) *Responder {
	return &Responder{
		request:    request,
		start_time: float64(utils.Now().UnixNano()) / 1e9,
	}
}

func (self *Responder) AddResponse(payload *ordereddict.Dict) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.done {
		return
	}

	self.next_id++
	self.responses = append(self.responses, &flows_proto.Message{
		SessionId:  self.request.SessionId,
		RequestId:  self.request.RequestId,
		ResponseId: self.next_id,
		Type:       flows_proto.Message_MESSAGE,
		Payload:    payload,
		TaskId:     self.request.TaskId,
	})
}

// Account for bytes the action uploaded.
func (self *Responder) AddNetworkBytes(count uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.bytes_sent += count
}

func (self *Responder) sendStatus(status *flows_proto.Status) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.done {
		return
	}
	self.done = true

	status.UserCpuTime = float64(utils.Now().UnixNano())/1e9 - self.start_time
	status.NetworkBytesSent = self.bytes_sent

	self.next_id++
	self.responses = append(self.responses, &flows_proto.Message{
		SessionId:  self.request.SessionId,
		RequestId:  self.request.RequestId,
		ResponseId: self.next_id,
		Type:       flows_proto.Message_STATUS,
		Status:     status,
		TaskId:     self.request.TaskId,
	})
}

func (self *Responder) RaiseError(message string) {
	self.sendStatus(&flows_proto.Status{
		Status:       flows_proto.Status_GENERIC_ERROR,
		ErrorMessage: message,
		Backtrace:    string(debug.Stack()),
	})
}

func (self *Responder) Return() {
	self.sendStatus(&flows_proto.Status{Status: flows_proto.Status_OK})
}

// All responses so far. Ends with the status once Return() or
// RaiseError() was called.
func (self *Responder) Responses() []*flows_proto.Message {
	self.mu.Lock()
	defer self.mu.Unlock()

	return append([]*flows_proto.Message{}, self.responses...)
}
