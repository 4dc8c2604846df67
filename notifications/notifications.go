// Durable notifications telling workers that a session has work to
// do at or after a due time.
package notifications

import (
	"context"
	"errors"
	"sync"

	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	mu      sync.Mutex
	handles = make(map[string]NotificationQueue)
)

type NotificationQueue interface {
	// Request that the session be processed at or after
	// notification.Timestamp. Notifications for the same session
	// may be coalesced but are never lost.
	QueueNotification(ctx context.Context,
		notification *flows_proto.Notification) error

	// Remove and return up to limit notifications on the queue that
	// are due at now. Each notification is returned to exactly one
	// caller.
	ClaimNotifications(ctx context.Context,
		queue string, now uint64, limit int) ([]*flows_proto.Notification, error)

	Close()
}

// Notifications that are due now also wake up any local worker
// listening on the queue.
type wakingQueue struct {
	NotificationQueue
}

func (self wakingQueue) QueueNotification(ctx context.Context,
	notification *flows_proto.Notification) error {
	err := self.NotificationQueue.QueueNotification(ctx, notification)
	if err != nil {
		return err
	}

	if notification.Timestamp <= utils.NowMicro() {
		wakeQueue(notification.Queue)
	}
	return nil
}

func GetNotificationQueue(config_obj *config.Config) (NotificationQueue, error) {
	if config_obj.Notifier == nil {
		return nil, errors.New("no notifier configured")
	}

	mu.Lock()
	defer mu.Unlock()

	switch config_obj.Notifier.Implementation {
	case "", "Datastore":
		db, err := datastore.GetDB(config_obj)
		if err != nil {
			return nil, err
		}
		return wakingQueue{NewDatastoreNotificationQueue(config_obj, db)}, nil

	case "Redis":
		key := "Redis:" + config_obj.Notifier.RedisAddress
		queue, pres := handles[key]
		if pres {
			return queue, nil
		}

		redis_queue, err := NewRedisNotificationQueue(config_obj)
		if err != nil {
			return nil, err
		}
		queue = wakingQueue{redis_queue}
		handles[key] = queue
		return queue, nil

	default:
		return nil, errors.New("no notifier implementation " +
			config_obj.Notifier.Implementation)
	}
}

func CloseAll() {
	mu.Lock()
	defer mu.Unlock()

	for k, queue := range handles {
		queue.Close()
		delete(handles, k)
	}
}
