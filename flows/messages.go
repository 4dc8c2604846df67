package flows

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/velofleet/actions"
	"www.velocidex.com/golang/velofleet/config"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/queue_manager"
)

var (
	receivedMessagesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_received_messages",
		Help: "Number of responses received from clients.",
	})
)

// Store responses sent by a client. Sessions are notified once the
// STATUS for one of their requests arrives.
func ReceiveClientMessages(
	ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	client_id string,
	messages []*flows_proto.Message) error {
	notified := make(map[string]bool)

	for _, message := range messages {
		if message.SessionId == "" {
			continue
		}

		message.Source = client_id
		manager.QueueResponse(message)
		receivedMessagesCounter.Inc()

		if message.Type == flows_proto.Message_STATUS &&
			!notified[message.SessionId] {
			notified[message.SessionId] = true
			manager.QueueNotification(message.SessionId,
				SessionId(message.SessionId).Queue(), 0)
		}
	}

	return manager.Flush(ctx)
}

// Lease the client's outstanding tasks, run them on the client and
// deliver the responses. Returns the number of tasks run.
func ProcessClientTasks(
	ctx context.Context,
	config_obj *config.Config,
	manager *queue_manager.QueueManager,
	client *actions.Client) (int, error) {
	tasks, err := manager.TaskQueue().LeaseClientTasks(
		client.ClientId, config_obj.ClientLeaseTime(), 0)
	if err != nil {
		return 0, err
	}

	if len(tasks) == 0 {
		return 0, nil
	}

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Debug("Client <green>%v</> leased %v tasks",
		client.ClientId, len(tasks))

	responses := []*flows_proto.Message{}
	for _, task := range tasks {
		responses = append(responses, client.RunMessage(ctx, task.Message)...)
	}

	return len(tasks), ReceiveClientMessages(
		ctx, config_obj, manager, client.ClientId, responses)
}
