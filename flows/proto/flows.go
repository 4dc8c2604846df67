// Persisted records of the flow engine. All records serialize to
// json and are stored in the datastore.
package proto

import (
	"github.com/Velocidex/ordereddict"
)

type FlowContext_State string

const (
	FlowContext_RUNNING    FlowContext_State = "RUNNING"
	FlowContext_TERMINATED FlowContext_State = "TERMINATED"
	FlowContext_ERROR      FlowContext_State = "ERROR"
)

type OutputPluginDescriptor struct {
	PluginName string            `json:"plugin_name"`
	Args       *ordereddict.Dict `json:"args,omitempty"`
}

type OutputPluginState struct {
	PluginName   string   `json:"plugin_name"`
	SuccessCount uint64   `json:"success_count,omitempty"`
	ErrorCount   uint64   `json:"error_count,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// How a flow was started.
type FlowRunnerArgs struct {
	FlowName string `json:"flow_name"`
	ClientId string `json:"client_id,omitempty"`

	// The notification queue the flow is scheduled on.
	Queue string `json:"queue,omitempty"`

	Args *ordereddict.Dict `json:"args,omitempty"`

	// Set for child flows. Replies and the final status are sent to
	// this request in the parent.
	ParentSessionId string `json:"parent_session_id,omitempty"`
	RequestId       uint64 `json:"request_id,omitempty"`

	// Total CPU seconds and network bytes the flow may use on the
	// client. 0 is unlimited.
	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`

	Creator string `json:"creator,omitempty"`

	OutputPlugins []*OutputPluginDescriptor `json:"output_plugins,omitempty"`
}

type ClientResources struct {
	UserCpuTime      float64 `json:"user_cpu_time,omitempty"`
	SystemCpuTime    float64 `json:"system_cpu_time,omitempty"`
	NetworkBytesSent uint64  `json:"network_bytes_sent,omitempty"`
}

func (self *ClientResources) TotalCpu() float64 {
	if self == nil {
		return 0
	}
	return self.UserCpuTime + self.SystemCpuTime
}

type FlowContext struct {
	SessionId    string            `json:"session_id"`
	CurrentState string            `json:"current_state,omitempty"`
	State        FlowContext_State `json:"state"`
	Status       string            `json:"status,omitempty"`
	Backtrace    string            `json:"backtrace,omitempty"`

	// Ids of the next request created and the next request to be
	// processed.
	NextOutboundId       uint64 `json:"next_outbound_id"`
	NextProcessedRequest uint64 `json:"next_processed_request"`
	OutstandingRequests  int64  `json:"outstanding_requests"`

	CreateTime    uint64 `json:"create_time,omitempty"`
	KillTimestamp uint64 `json:"kill_timestamp,omitempty"`

	ClientResources   *ClientResources `json:"client_resources,omitempty"`
	RemainingCpuQuota float64          `json:"remaining_cpu_quota,omitempty"`

	// Collection receiving the flow's replies.
	Output string `json:"output,omitempty"`

	OutputPluginsStates []*OutputPluginState `json:"output_plugins_states,omitempty"`

	// Numbers replies forwarded to the parent flow.
	NextResponseId uint64 `json:"next_response_id,omitempty"`

	TotalReplies uint64 `json:"total_replies,omitempty"`
}

// The persisted form of a flow or hunt.
type FlowRecord struct {
	RunnerArgs  *FlowRunnerArgs `json:"runner_args"`
	Context     *FlowContext    `json:"context"`
	HuntContext *HuntContext    `json:"hunt_context,omitempty"`

	// The flow implementation's own state.
	State *ordereddict.Dict `json:"state,omitempty"`
}
