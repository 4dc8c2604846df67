// The flow execution engine.
//
// A flow is a state machine driven by the responses to its requests.
// Each request names the state handler that receives its responses.
// Handlers may issue more requests (CallClient, CallFlow, CallState),
// send replies and terminate the flow. Between handler invocations
// the flow is persisted so any worker may resume it.
package flows

import (
	"context"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

type ResultKind int

const (
	ResultContinue ResultKind = iota
	ResultTerminateSuccess
	ResultTerminateError
	ResultRetryLater
)

// What a state handler wants the runner to do next.
type HandlerResult struct {
	Kind ResultKind

	// Set for ResultTerminateError
	Err error

	// Set for ResultRetryLater
	Delay time.Duration
}

func Continue() HandlerResult {
	return HandlerResult{Kind: ResultContinue}
}

func TerminateSuccess() HandlerResult {
	return HandlerResult{Kind: ResultTerminateSuccess}
}

func TerminateError(err error) HandlerResult {
	return HandlerResult{Kind: ResultTerminateError, Err: err}
}

// Run the same state again with the same responses after the delay.
func RetryLater(delay time.Duration) HandlerResult {
	return HandlerResult{Kind: ResultRetryLater, Delay: delay}
}

type StateHandler func(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult

// A flow implementation. Flows are created fresh by their factory
// each time they are loaded. The runner deserializes the persisted
// state into State() before calling any handler and serializes it
// again when the flow is saved.
type Flow interface {
	Handler(name string) (StateHandler, bool)

	// A pointer to the flow's state struct.
	State() interface{}
}

// The responses to a single request.
type Responses struct {
	Request  *flows_proto.RequestState
	Messages []*flows_proto.Message
	Status   *flows_proto.Status
}

func newResponses(
	request *flows_proto.RequestState,
	messages []*flows_proto.Message) *Responses {
	result := &Responses{Request: request}
	for _, message := range messages {
		if message.Type == flows_proto.Message_STATUS {
			result.Status = message.Status
			continue
		}
		result.Messages = append(result.Messages, message)
	}
	return result
}

func (self *Responses) Success() bool {
	return self.Status.OK()
}

func (self *Responses) Len() int {
	return len(self.Messages)
}

func (self *Responses) Payloads() []*ordereddict.Dict {
	result := make([]*ordereddict.Dict, 0, len(self.Messages))
	for _, message := range self.Messages {
		if message.Payload != nil {
			result = append(result, message.Payload)
		}
	}
	return result
}

func (self *Responses) First() *ordereddict.Dict {
	for _, message := range self.Messages {
		if message.Payload != nil {
			return message.Payload
		}
	}
	return ordereddict.NewDict()
}

// The client this request was addressed to, if any.
func (self *Responses) ClientId() string {
	if self.Request == nil {
		return ""
	}
	return self.Request.ClientId
}

// The request data given to CallClient/CallFlow/CallState.
func (self *Responses) Data() *ordereddict.Dict {
	if self.Request == nil || self.Request.Data == nil {
		return ordereddict.NewDict()
	}
	return self.Request.Data
}

func (self *Responses) ErrorMessage() string {
	if self.Status == nil {
		return ""
	}
	return self.Status.ErrorMessage
}

// The API state handlers use to drive their flow.
type Runner interface {
	SessionId() string
	ClientId() string

	// The flow's arguments as given when it was started.
	Args() *ordereddict.Dict
	ParseArgs(target interface{}) error

	ConfigObj() *config.Config
	DB() datastore.DataStore
	Registry() *Registry

	// Send a request to the client. Responses are delivered to
	// next_state.
	CallClient(ctx context.Context, action_name string,
		request interface{}, next_state string, opts ...CallOption) error

	// Start a child flow. Its replies and final status are delivered
	// to next_state. Returns the child's session id.
	CallFlow(ctx context.Context, flow_name string,
		args interface{}, next_state string, opts ...CallOption) (string, error)

	// Deliver messages to next_state without involving the client.
	CallState(ctx context.Context, messages []*ordereddict.Dict,
		next_state string, opts ...CallOption) error

	SendReply(ctx context.Context, reply *ordereddict.Dict) error

	Log(format string, args ...interface{})
	Error(ctx context.Context, backtrace, message string)
	Terminate(ctx context.Context) error
	IsRunning() bool
}

// Extra operations available to handlers of hunt flows. Handlers
// get at them with a type assertion on their Runner.
type HuntOps interface {
	MarkClientDone(ctx context.Context, client_id string) error
	LogClientError(ctx context.Context,
		client_id, message, backtrace string) error
	SendClientReply(ctx context.Context,
		client_id string, reply *ordereddict.Dict) error
	HuntContext() *flows_proto.HuntContext
}

type callOptions struct {
	client_id    string
	request_data *ordereddict.Dict
	start_time   uint64
	sync         bool
}

type CallOption func(options *callOptions)

func WithClientId(client_id string) CallOption {
	return func(options *callOptions) {
		options.client_id = client_id
	}
}

func WithRequestData(data *ordereddict.Dict) CallOption {
	return func(options *callOptions) {
		options.request_data = data
	}
}

// The request is not processed before this time.
func WithStartTime(start_time time.Time) CallOption {
	return func(options *callOptions) {
		options.start_time = utils.TimeToMicro(start_time)
	}
}

// Child flows started with sync run their Start state right away,
// otherwise Start is scheduled for a worker.
func WithSync(sync bool) CallOption {
	return func(options *callOptions) {
		options.sync = sync
	}
}

func getCallOptions(opts []CallOption) *callOptions {
	result := &callOptions{sync: true}
	for _, opt := range opts {
		opt(result)
	}
	return result
}
