package proto

import (
	"github.com/Velocidex/ordereddict"
)

type Message_Type string

const (
	Message_MESSAGE Message_Type = "MESSAGE"
	Message_STATUS  Message_Type = "STATUS"
)

type Status_Code string

const (
	Status_OK                     Status_Code = "OK"
	Status_GENERIC_ERROR          Status_Code = "GENERIC_ERROR"
	Status_CPU_LIMIT_EXCEEDED     Status_Code = "CPU_LIMIT_EXCEEDED"
	Status_NETWORK_LIMIT_EXCEEDED Status_Code = "NETWORK_LIMIT_EXCEEDED"
)

// A request sent to the client to run an action.
type ClientMessage struct {
	SessionId string            `json:"session_id"`
	RequestId uint64            `json:"request_id"`
	Name      string            `json:"name"`
	Payload   *ordereddict.Dict `json:"payload,omitempty"`
	TaskId    uint64            `json:"task_id,omitempty"`

	// Remaining quota the client should enforce.
	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
}

// A request awaiting its responses.
type RequestState struct {
	Id        uint64 `json:"id"`
	SessionId string `json:"session_id"`

	// Empty for continuations that do not involve a client.
	ClientId  string `json:"client_id,omitempty"`
	NextState string `json:"next_state"`

	Request *ClientMessage `json:"request,omitempty"`

	// Opaque data passed back to the handler.
	Data *ordereddict.Dict `json:"data,omitempty"`

	TransmissionCount int    `json:"transmission_count,omitempty"`
	StartTime         uint64 `json:"start_time,omitempty"`
}

type Status struct {
	Status           Status_Code `json:"status"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	Backtrace        string      `json:"backtrace,omitempty"`
	UserCpuTime      float64     `json:"user_cpu_time,omitempty"`
	SystemCpuTime    float64     `json:"system_cpu_time,omitempty"`
	NetworkBytesSent uint64      `json:"network_bytes_sent,omitempty"`
	ChildSessionId   string      `json:"child_session_id,omitempty"`
}

func (self *Status) OK() bool {
	return self == nil || self.Status == "" || self.Status == Status_OK
}

// A single response to a request. The final response for each
// request is a STATUS.
type Message struct {
	SessionId  string            `json:"session_id"`
	RequestId  uint64            `json:"request_id"`
	ResponseId uint64            `json:"response_id"`
	Type       Message_Type      `json:"type"`
	Payload    *ordereddict.Dict `json:"payload,omitempty"`
	Status     *Status           `json:"status,omitempty"`

	// The client that sent this.
	Source string `json:"source,omitempty"`
	TaskId uint64 `json:"task_id,omitempty"`
}

// Written alongside the STATUS message so completed requests can be
// found without reading all responses.
type StatusMarker struct {
	ResponseId uint64 `json:"response_id"`
}

type ClientTask struct {
	TaskId   uint64         `json:"task_id"`
	ClientId string         `json:"client_id"`
	Message  *ClientMessage `json:"message"`

	// Not offered before this time.
	Eta         uint64 `json:"eta,omitempty"`
	LeasedUntil uint64 `json:"leased_until,omitempty"`

	// How many more times the task may be leased.
	Ttl int `json:"ttl"`
}

// A request to process a session at or after the due time.
type Notification struct {
	SessionId string `json:"session_id"`
	Queue     string `json:"queue,omitempty"`
	Timestamp uint64 `json:"timestamp"`

	// Set once a worker claimed the notification.
	InProgress bool `json:"in_progress,omitempty"`
}
