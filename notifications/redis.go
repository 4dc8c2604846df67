package notifications

import (
	"context"
	"strconv"

	errors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"www.velocidex.com/golang/velofleet/config"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
)

// Notifications kept in one redis sorted set per queue:
//
//	<prefix>notifications:<queue>
//
// Members are session ids scored by their due time. A session has at
// most one pending notification, at its earliest due time.
type RedisNotificationQueue struct {
	client *redis.Client
	prefix string
}

func NewRedisNotificationQueue(
	config_obj *config.Config) (*RedisNotificationQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config_obj.Notifier.RedisAddress,
		Password: config_obj.Notifier.RedisPassword,
		DB:       config_obj.Notifier.RedisDb,
	})

	err := client.Ping(context.Background()).Err()
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "NewRedisNotificationQueue")
	}

	return NewRedisNotificationQueueFromClient(
		client, config_obj.Notifier.RedisPrefix), nil
}

func NewRedisNotificationQueueFromClient(
	client *redis.Client, prefix string) *RedisNotificationQueue {
	return &RedisNotificationQueue{
		client: client,
		prefix: prefix,
	}
}

func (self *RedisNotificationQueue) key(queue string) string {
	return self.prefix + "notifications:" + queue
}

func (self *RedisNotificationQueue) QueueNotification(
	ctx context.Context, notification *flows_proto.Notification) error {

	// LT keeps the earliest due time when the session is already
	// queued.
	return self.client.ZAddArgs(ctx, self.key(notification.Queue),
		redis.ZAddArgs{
			LT: true,
			Members: []redis.Z{{
				Score:  float64(notification.Timestamp),
				Member: notification.SessionId,
			}},
		}).Err()
}

func (self *RedisNotificationQueue) ClaimNotifications(
	ctx context.Context,
	queue string, now uint64, limit int) ([]*flows_proto.Notification, error) {

	key := self.key(queue)
	count := int64(limit)
	if count <= 0 {
		count = -1
	}

	members, err := self.client.ZRangeByScoreWithScores(ctx, key,
		&redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatUint(now, 10),
			Count: count,
		}).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	result := []*flows_proto.Notification{}
	for _, member := range members {
		session_id, ok := member.Member.(string)
		if !ok {
			continue
		}

		// Whoever removes the member owns the notification.
		removed, err := self.client.ZRem(ctx, key, session_id).Result()
		if err != nil {
			return result, errors.WithStack(err)
		}
		if removed == 0 {
			continue
		}

		result = append(result, &flows_proto.Notification{
			SessionId:  session_id,
			Queue:      queue,
			Timestamp:  uint64(member.Score),
			InProgress: true,
		})
	}

	return result, nil
}

func (self *RedisNotificationQueue) Close() {
	self.client.Close()
}
