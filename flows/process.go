package flows

import (
	"context"

	"www.velocidex.com/golang/velofleet/config"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/queue_manager"
)

// Workers advance flows and hunts through this interface.
type SessionRunner interface {
	SessionId() string
	ProcessCompletedRequests(
		ctx context.Context, notification *flows_proto.Notification) error
}

// Load the runner for a session. Hunts get a HuntRunner, everything
// else a FlowRunner.
func LoadSessionRunner(
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	registry *Registry,
	session_id string) (SessionRunner, error) {
	record, err := GetFlowRecord(config_obj, manager.DB(), session_id)
	if err != nil {
		return nil, err
	}

	if record.HuntContext != nil {
		return newHuntRunner(config_obj, manager, registry, record)
	}
	return newFlowRunner(config_obj, manager, registry, record)
}
