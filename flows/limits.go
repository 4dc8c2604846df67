package flows

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	retransmissionCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_request_retransmissions",
		Help: "Number of client requests retransmitted because their responses were incomplete.",
	})

	outOfOrderCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_requests_out_of_order",
		Help: "Number of completed requests deferred because an earlier request was still outstanding.",
	})

	completedRequestsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_completed_requests",
		Help: "Number of completed requests passed to state handlers.",
	})
)

// Account for the resources the client reported in a status.
func updateResources(
	flow_context *flows_proto.FlowContext,
	args *flows_proto.FlowRunnerArgs,
	status *flows_proto.Status) {
	if status == nil {
		return
	}

	if flow_context.ClientResources == nil {
		flow_context.ClientResources = &flows_proto.ClientResources{}
	}

	resources := flow_context.ClientResources
	resources.UserCpuTime += status.UserCpuTime
	resources.SystemCpuTime += status.SystemCpuTime
	resources.NetworkBytesSent += status.NetworkBytesSent

	if args.CpuLimit > 0 {
		flow_context.RemainingCpuQuota = args.CpuLimit - resources.TotalCpu()
	}
}

// The flow used more than it was allowed to.
func checkResourceLimits(
	flow_context *flows_proto.FlowContext,
	args *flows_proto.FlowRunnerArgs) (flows_proto.Status_Code, error) {
	resources := flow_context.ClientResources
	if resources == nil {
		return flows_proto.Status_OK, nil
	}

	if args.CpuLimit > 0 && args.CpuLimit < resources.TotalCpu() {
		return flows_proto.Status_CPU_LIMIT_EXCEEDED,
			fmt.Errorf("%w: CPU limit exceeded.", utils.QuotaExceededError)
	}

	if args.NetworkBytesLimit > 0 &&
		args.NetworkBytesLimit < resources.NetworkBytesSent {
		return flows_proto.Status_NETWORK_LIMIT_EXCEEDED,
			fmt.Errorf("%w: Network bytes limit exceeded.", utils.QuotaExceededError)
	}

	return flows_proto.Status_OK, nil
}

// Is there any quota left for another client request?
func checkQuota(
	flow_context *flows_proto.FlowContext,
	args *flows_proto.FlowRunnerArgs) (flows_proto.Status_Code, error) {
	resources := flow_context.ClientResources
	if resources == nil {
		return flows_proto.Status_OK, nil
	}

	if args.CpuLimit > 0 && resources.TotalCpu() >= args.CpuLimit {
		return flows_proto.Status_CPU_LIMIT_EXCEEDED,
			fmt.Errorf("%w: CPU limit exceeded.", utils.QuotaExceededError)
	}

	if args.NetworkBytesLimit > 0 &&
		resources.NetworkBytesSent >= args.NetworkBytesLimit {
		return flows_proto.Status_NETWORK_LIMIT_EXCEEDED,
			fmt.Errorf("%w: Network bytes limit exceeded.", utils.QuotaExceededError)
	}

	return flows_proto.Status_OK, nil
}

// The quota left for a single request. 0 is unlimited.
func remainingLimits(
	flow_context *flows_proto.FlowContext,
	args *flows_proto.FlowRunnerArgs) (float64, uint64) {
	var cpu float64
	var network uint64

	resources := flow_context.ClientResources
	if resources == nil {
		resources = &flows_proto.ClientResources{}
	}

	if args.CpuLimit > 0 {
		cpu = args.CpuLimit - resources.TotalCpu()
	}

	if args.NetworkBytesLimit > 0 &&
		args.NetworkBytesLimit > resources.NetworkBytesSent {
		network = args.NetworkBytesLimit - resources.NetworkBytesSent
	}
	return cpu, network
}
