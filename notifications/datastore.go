package notifications

import (
	"context"
	"sync"
	"time"

	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

// Notifications stored in the datastore. Each notification is a
// subject named by its due time so a scan returns them in due order.
type DatastoreNotificationQueue struct {
	mu sync.Mutex

	config_obj *config.Config
	db         datastore.DataStore
	owner      string
}

func NewDatastoreNotificationQueue(
	config_obj *config.Config,
	db datastore.DataStore) *DatastoreNotificationQueue {
	return &DatastoreNotificationQueue{
		config_obj: config_obj,
		db:         db,
		owner:      "notifier-" + utils.GetUUID(),
	}
}

func (self *DatastoreNotificationQueue) QueueNotification(
	ctx context.Context, notification *flows_proto.Notification) error {
	return self.db.SetSubject(self.config_obj,
		paths.Notification(notification.Queue,
			notification.Timestamp, notification.SessionId),
		notification)
}

func (self *DatastoreNotificationQueue) ClaimNotifications(
	ctx context.Context,
	queue string, now uint64, limit int) ([]*flows_proto.Notification, error) {

	self.mu.Lock()
	defer self.mu.Unlock()

	// Serialize claims with other processes sharing the datastore.
	queue_path := paths.NotificationQueue(queue)
	err := utils.RetryOn(ctx, utils.LeaseHeldError, func() error {
		return self.db.LeaseSubject(self.config_obj, queue_path,
			self.owner, 10*time.Second)
	}, 10, 50*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer self.db.ReleaseLease(self.config_obj, queue_path, self.owner)

	children, err := self.db.ScanChildren(self.config_obj, queue_path, "", limit)
	if err != nil {
		return nil, err
	}

	result := []*flows_proto.Notification{}
	for _, child := range children {
		notification := &flows_proto.Notification{}
		err := json.Unmarshal(child.Data, notification)
		if err != nil {
			// Corrupt entries are removed.
			_ = self.db.DeleteSubject(self.config_obj, child.Urn)
			continue
		}

		if notification.Timestamp > now {
			break
		}

		err = self.db.DeleteSubject(self.config_obj, child.Urn)
		if err != nil {
			return result, err
		}

		notification.InProgress = true
		result = append(result, notification)
	}

	return result, nil
}

func (self *DatastoreNotificationQueue) Close() {}
