package foreman

import (
	"context"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/flows"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/notifications"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
	"www.velocidex.com/golang/velofleet/vtesting"
)

type ForemanTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         *datastore.MemoryDataStore
	notifier   notifications.NotificationQueue
	manager    *queue_manager.QueueManager
	registry   *flows.Registry
	foreman    *Foreman
	clock      *utils.MockClock
	restore    func()
	ctx        context.Context
}

func (self *ForemanTestSuite) SetupTest() {
	self.clock = &utils.MockClock{MockNow: time.Unix(1700000000, 0)}
	self.restore = utils.MockTime(self.clock)

	self.config_obj = vtesting.GetTestConfig()
	self.config_obj.Foreman.CheckIntervalSec = 0
	self.db = datastore.NewMemoryDataStore()
	self.notifier = notifications.NewDatastoreNotificationQueue(
		self.config_obj, self.db)
	self.manager = queue_manager.NewQueueManager(
		self.config_obj, self.db, self.notifier)
	self.registry = flows.NewDefaultRegistry()
	self.foreman = NewForeman(self.config_obj, self.db, self.notifier)
	self.ctx = context.Background()

	self.setPlatform("C.linux", "linux")
	self.setPlatform("C.windows", "windows")
}

func (self *ForemanTestSuite) TearDownTest() {
	self.foreman.Close()
	self.restore()
}

func (self *ForemanTestSuite) setPlatform(client_id, system string) {
	err := self.db.SetSubject(self.config_obj,
		paths.NewClientPathManager(client_id).InfoItem("Platform"),
		ordereddict.NewDict().Set("System", system))
	require.NoError(self.T(), err)
}

func (self *ForemanTestSuite) startHunt(
	rules ...*flows_proto.ForemanRuleDescriptor) string {
	hunt_id, err := flows.CreateHunt(self.ctx, self.config_obj, self.manager,
		self.registry, &flows.HuntArgs{
			Args:  &flows.GenericHuntArgs{FlowName: "Interrogate"},
			Rules: rules,
		})
	require.NoError(self.T(), err)

	require.NoError(self.T(), flows.StartHunt(self.ctx, self.config_obj,
		self.manager, self.registry, hunt_id))

	// Rules created later must sort after this one.
	self.clock.Advance(time.Second)
	return hunt_id
}

// Clients waiting to be admitted to the hunt.
func (self *ForemanTestSuite) pendingClients(hunt_id string) []string {
	requests, err := self.manager.FetchRequestsAndResponses(hunt_id)
	require.NoError(self.T(), err)

	result := []string{}
	for _, item := range requests {
		if item.Request.NextState == constants.ADD_CLIENT_STATE {
			result = append(result, item.Request.ClientId)
		}
	}
	return result
}

func (self *ForemanTestSuite) TestAssignMatchingClients() {
	hunt_id := self.startHunt(&flows_proto.ForemanRuleDescriptor{
		Type: "regex", Attribute: "System", Regex: "linux"})

	hunts, err := self.foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Equal(self.T(), []string{hunt_id}, hunts)

	hunts, err = self.foreman.AssignTasksToClient(self.ctx, "C.windows")
	require.NoError(self.T(), err)
	assert.Empty(self.T(), hunts)

	// The rule was seen already.
	hunts, err = self.foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Empty(self.T(), hunts)

	assert.Equal(self.T(), []string{"C.linux"}, self.pendingClients(hunt_id))

	state := &flows_proto.ForemanClientState{}
	require.NoError(self.T(), self.db.GetSubject(self.config_obj,
		paths.NewClientPathManager("C.linux").Foreman(), state))
	assert.True(self.T(), state.LastRuleTime > 0)
}

func (self *ForemanTestSuite) TestNewHuntsOnly() {
	first := self.startHunt()

	hunts, err := self.foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Equal(self.T(), []string{first}, hunts)

	second := self.startHunt()
	hunts, err = self.foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Equal(self.T(), []string{second}, hunts)

	assert.Equal(self.T(), []string{"C.linux"}, self.pendingClients(first))
	assert.Equal(self.T(), []string{"C.linux"}, self.pendingClients(second))
}

func (self *ForemanTestSuite) TestPausedAndExpiredHunts() {
	paused := self.startHunt()
	require.NoError(self.T(), flows.PauseHunt(self.ctx, self.config_obj,
		self.manager, self.registry, paused))

	err := self.foreman.AddRule("H.EXPIRED", nil, utils.Now().Add(-time.Minute))
	require.NoError(self.T(), err)

	hunts, err := self.foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Empty(self.T(), hunts)

	require.NoError(self.T(), self.foreman.RemoveRule("H.EXPIRED"))
	rules, err := flows.GetForemanRules(self.config_obj, self.db)
	require.NoError(self.T(), err)
	assert.Empty(self.T(), rules)
}

func (self *ForemanTestSuite) TestInvalidRule() {
	err := self.foreman.AddRule("H.1234", []*flows_proto.ForemanRuleDescriptor{
		{Type: "regex", Regex: "("}}, time.Time{})
	assert.ErrorIs(self.T(), err, utils.InvalidArgError)
}

// Clients are not evaluated again within the check interval.
func (self *ForemanTestSuite) TestCheckInterval() {
	self.config_obj.Foreman.CheckIntervalSec = 3600
	foreman := NewForeman(self.config_obj, self.db, self.notifier)
	defer foreman.Close()

	hunts, err := foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Empty(self.T(), hunts)

	hunt_id := self.startHunt()
	hunts, err = foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Empty(self.T(), hunts)

	foreman.ForgetClient("C.linux")
	hunts, err = foreman.AssignTasksToClient(self.ctx, "C.linux")
	require.NoError(self.T(), err)
	assert.Equal(self.T(), []string{hunt_id}, hunts)
}

func TestForeman(t *testing.T) {
	suite.Run(t, &ForemanTestSuite{})
}
