package notifications

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
)

type QueueTestSuite struct {
	suite.Suite

	queue NotificationQueue
	ctx   context.Context
}

func (self *QueueTestSuite) TestClaimInDueOrder() {
	for _, n := range []*flows_proto.Notification{
		{SessionId: "W/Test/F:3", Queue: "W", Timestamp: 300},
		{SessionId: "W/Test/F:1", Queue: "W", Timestamp: 100},
		{SessionId: "W/Test/F:2", Queue: "W", Timestamp: 200},
		{SessionId: "H:1234", Queue: "H", Timestamp: 100},
	} {
		require.NoError(self.T(), self.queue.QueueNotification(self.ctx, n))
	}

	// Nothing is due yet.
	claimed, err := self.queue.ClaimNotifications(self.ctx, "W", 50, 10)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(claimed))

	claimed, err = self.queue.ClaimNotifications(self.ctx, "W", 250, 10)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 2, len(claimed))
	assert.Equal(self.T(), "W/Test/F:1", claimed[0].SessionId)
	assert.Equal(self.T(), "W/Test/F:2", claimed[1].SessionId)
	assert.Equal(self.T(), uint64(200), claimed[1].Timestamp)
	assert.True(self.T(), claimed[0].InProgress)

	// Claimed notifications are gone.
	claimed, err = self.queue.ClaimNotifications(self.ctx, "W", 250, 10)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(claimed))

	// A limit of 0 claims everything that is due.
	claimed, err = self.queue.ClaimNotifications(self.ctx, "W", 1000, 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(claimed))
	assert.Equal(self.T(), "W/Test/F:3", claimed[0].SessionId)

	// Other queues are separate.
	claimed, err = self.queue.ClaimNotifications(self.ctx, "H", 1000, 1)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(claimed))
	assert.Equal(self.T(), "H:1234", claimed[0].SessionId)
}

func (self *QueueTestSuite) TestNotificationsAreNotLost() {
	// A notification due later must not hide an earlier one.
	require.NoError(self.T(), self.queue.QueueNotification(self.ctx,
		&flows_proto.Notification{
			SessionId: "W/Test/F:1", Queue: "W", Timestamp: 500}))
	require.NoError(self.T(), self.queue.QueueNotification(self.ctx,
		&flows_proto.Notification{
			SessionId: "W/Test/F:1", Queue: "W", Timestamp: 100}))

	claimed, err := self.queue.ClaimNotifications(self.ctx, "W", 100, 10)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(claimed))
	assert.Equal(self.T(), "W/Test/F:1", claimed[0].SessionId)
}

type DatastoreQueueTestSuite struct {
	QueueTestSuite
}

func (self *DatastoreQueueTestSuite) SetupTest() {
	self.ctx = context.Background()
	self.queue = NewDatastoreNotificationQueue(
		config.GetDefaultConfig(), datastore.NewMemoryDataStore())
}

func TestDatastoreNotificationQueue(t *testing.T) {
	suite.Run(t, &DatastoreQueueTestSuite{})
}

type RedisQueueTestSuite struct {
	QueueTestSuite

	client *redis.Client
}

func (self *RedisQueueTestSuite) SetupTest() {
	self.ctx = context.Background()
	prefix := "velofleet:test:"
	for _, queue := range []string{"W", "H"} {
		err := self.client.Del(self.ctx, prefix+"notifications:"+queue).Err()
		require.NoError(self.T(), err)
	}
	self.queue = NewRedisNotificationQueueFromClient(self.client, prefix)
}

func TestRedisNotificationQueue(t *testing.T) {
	address := os.Getenv("VELOFLEET_TEST_REDIS")
	if address == "" {
		t.Skip("VELOFLEET_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: address})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	suite.Run(t, &RedisQueueTestSuite{client: client})
}

func TestNotificationPool(t *testing.T) {
	pool := NewNotificationPool()
	c, cancel := pool.Listen("W")
	defer cancel()

	assert.True(t, pool.IsListening("W"))

	pool.Notify("W")
	select {
	case <-c:
	case <-time.After(time.Second):
		t.Fatalf("listener was not woken")
	}
	assert.False(t, pool.IsListening("W"))

	// A second listener replaces the first.
	c1, _ := pool.Listen("H")
	c2, cancel2 := pool.Listen("H")
	_, ok := <-c1
	assert.False(t, ok)

	cancel2()
	_, ok = <-c2
	assert.False(t, ok)
}
