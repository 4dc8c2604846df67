package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/actions"
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

// Records sessions whose handlers run at the same time.
type overlapTracker struct {
	mu       sync.Mutex
	active   map[string]bool
	overlaps []string
	calls    int
}

func (self *overlapTracker) enter(session_id string) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.active[session_id] {
		self.overlaps = append(self.overlaps, session_id)
	}
	self.active[session_id] = true
	self.calls++
}

func (self *overlapTracker) exit(session_id string) {
	self.mu.Lock()
	defer self.mu.Unlock()

	delete(self.active, session_id)
}

type probeState struct {
	Seen int `json:"seen"`
}

type probeFlow struct {
	state   probeState
	tracker *overlapTracker
}

func (self *probeFlow) State() interface{} {
	return &self.state
}

func (self *probeFlow) Handler(name string) (flows.StateHandler, bool) {
	switch name {
	case "Start":
		return self.Start, true
	case "Process":
		return self.Process, true
	}
	return nil, false
}

func (self *probeFlow) Start(ctx context.Context, runner flows.Runner,
	responses *flows.Responses) flows.HandlerResult {
	for i := 0; i < 3; i++ {
		err := runner.CallClient(ctx, "Echo",
			&actions.EchoRequest{Data: fmt.Sprintf("probe %d", i)}, "Process")
		if err != nil {
			return flows.TerminateError(err)
		}
	}
	return flows.Continue()
}

func (self *probeFlow) Process(ctx context.Context, runner flows.Runner,
	responses *flows.Responses) flows.HandlerResult {
	self.tracker.enter(runner.SessionId())
	defer self.tracker.exit(runner.SessionId())

	time.Sleep(time.Millisecond)
	self.state.Seen++

	for _, payload := range responses.Payloads() {
		err := runner.SendReply(ctx, payload)
		if err != nil {
			return flows.TerminateError(err)
		}
	}
	return flows.Continue()
}

// Fails all record reads while broken is set.
type flakyDataStore struct {
	*datastore.MemoryDataStore

	mu     sync.Mutex
	broken bool
}

var errDiskGone = errors.New("disk gone")

func (self *flakyDataStore) setBroken(broken bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.broken = broken
}

func (self *flakyDataStore) GetSubject(config_obj *config.Config,
	urn paths.DSPathSpec, message interface{}) error {
	self.mu.Lock()
	broken := self.broken
	self.mu.Unlock()

	if broken {
		return errDiskGone
	}
	return self.MemoryDataStore.GetSubject(config_obj, urn, message)
}

type WorkerTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         *datastore.MemoryDataStore
	notifier   notifications.NotificationQueue
	manager    *queue_manager.QueueManager
	registry   *flows.Registry
	tracker    *overlapTracker
	ctx        context.Context
}

func (self *WorkerTestSuite) SetupTest() {
	self.config_obj = vtesting.GetTestConfig()
	self.config_obj.Worker.Threads = 4
	self.db = datastore.NewMemoryDataStore()
	self.notifier = notifications.NewDatastoreNotificationQueue(
		self.config_obj, self.db)
	self.manager = queue_manager.NewQueueManager(
		self.config_obj, self.db, self.notifier)
	self.tracker = &overlapTracker{active: make(map[string]bool)}
	self.ctx = context.Background()

	self.registry = flows.NewDefaultRegistry()
	self.registry.RegisterFlow("Probe", func() flows.Flow {
		return &probeFlow{tracker: self.tracker}
	})
}

func (self *WorkerTestSuite) newWorker() *FlowWorker {
	return NewFlowWorker(self.config_obj, self.db, self.notifier, self.registry)
}

func (self *WorkerTestSuite) startFlow(flow_name, client_id string) string {
	session_id, err := flows.StartFlow(self.ctx, self.config_obj,
		self.manager, self.registry, &flows_proto.FlowRunnerArgs{
			FlowName: flow_name,
			ClientId: client_id,
			Args:     ordereddict.NewDict(),
		})
	require.NoError(self.T(), err)
	return session_id
}

func (self *WorkerTestSuite) runClients(client_ids ...string) int {
	count := 0
	for _, client_id := range client_ids {
		n, err := flows.ProcessClientTasks(self.ctx, self.config_obj,
			self.manager, actions.NewClient(client_id))
		require.NoError(self.T(), err)
		count += n
	}
	return count
}

// Run all the workers at the same time, then the clients, until
// nothing is left to do.
func (self *WorkerTestSuite) pump(workers []*FlowWorker, client_ids ...string) {
	for i := 0; i < 100; i++ {
		var mu sync.Mutex
		processed := 0

		wg := &sync.WaitGroup{}
		for _, worker := range workers {
			wg.Add(1)
			go func(worker *FlowWorker) {
				defer wg.Done()

				count, err := worker.RunOnce(self.ctx)
				assert.NoError(self.T(), err)

				mu.Lock()
				processed += count
				mu.Unlock()
			}(worker)
		}
		wg.Wait()

		if processed+self.runClients(client_ids...) == 0 {
			return
		}
	}
	self.T().Fatal("Work did not settle")
}

func (self *WorkerTestSuite) getRecord(session_id string) *flows_proto.FlowRecord {
	record, err := flows.GetFlowRecord(self.config_obj, self.db, session_id)
	require.NoError(self.T(), err)
	return record
}

func (self *WorkerTestSuite) TestInterrogate() {
	session_id := self.startFlow("Interrogate", "C.1")
	self.pump([]*FlowWorker{self.newWorker()}, "C.1")

	record := self.getRecord(session_id)
	assert.Equal(self.T(), flows_proto.FlowContext_TERMINATED, record.Context.State)

	client_info := &flows_proto.ClientInfo{}
	err := self.db.GetSubject(self.config_obj,
		paths.NewClientPathManager("C.1").Info(), client_info)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), "C.1", client_info.ClientId)
	assert.Equal(self.T(), "C.1", utils.GetString(client_info.Info, "ClientId"))
}

// A session leased by someone else is not processed. The notification
// comes back after the retry delay.
func (self *WorkerTestSuite) TestLeaseContention() {
	clock := &utils.MockClock{MockNow: time.Unix(1700000000, 0)}
	defer utils.MockTime(clock)()

	self.config_obj.Worker.LeaseRetryDelayMs = 5000

	session_id := self.startFlow("Probe", "C.1")
	assert.Equal(self.T(), 3, self.runClients("C.1"))

	lease := paths.NewFlowPathManager(session_id).Lease()
	require.NoError(self.T(), self.db.LeaseSubject(
		self.config_obj, lease, "someone-else", time.Minute))

	worker := self.newWorker()
	before := testutil.ToFloat64(leaseContentionCounter)

	count, err := worker.RunOnce(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, count)
	assert.Equal(self.T(), float64(1),
		testutil.ToFloat64(leaseContentionCounter)-before)
	assert.Equal(self.T(), uint64(0), self.getRecord(session_id).Context.TotalReplies)

	require.NoError(self.T(), self.db.ReleaseLease(
		self.config_obj, lease, "someone-else"))

	// Not due yet.
	count, err = worker.RunOnce(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, count)

	clock.Advance(6 * time.Second)
	count, err = worker.RunOnce(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 1, count)

	record := self.getRecord(session_id)
	assert.Equal(self.T(), uint64(3), record.Context.TotalReplies)
	assert.Equal(self.T(), flows_proto.FlowContext_TERMINATED, record.Context.State)
}

// A pass that fails on a storage error keeps the session queued.
func (self *WorkerTestSuite) TestStorageErrorRequeues() {
	clock := &utils.MockClock{MockNow: time.Unix(1700000000, 0)}
	defer utils.MockTime(clock)()

	self.config_obj.Worker.LeaseRetryDelayMs = 5000

	session_id := self.startFlow("Probe", "C.1")
	assert.Equal(self.T(), 3, self.runClients("C.1"))

	flaky := &flakyDataStore{MemoryDataStore: self.db, broken: true}
	worker := NewFlowWorker(self.config_obj, flaky, self.notifier, self.registry)
	before := testutil.ToFloat64(sessionErrorsCounter)

	count, err := worker.RunOnce(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, count)
	assert.Equal(self.T(), float64(1),
		testutil.ToFloat64(sessionErrorsCounter)-before)

	// The session is queued again at the retry delay.
	pending, err := self.notifier.ClaimNotifications(self.ctx,
		constants.DEFAULT_QUEUE, utils.NowMicro(), 10)
	require.NoError(self.T(), err)
	assert.Empty(self.T(), pending)

	flaky.setBroken(false)
	clock.Advance(6 * time.Second)

	count, err = worker.RunOnce(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 1, count)

	record := self.getRecord(session_id)
	assert.Equal(self.T(), uint64(3), record.Context.TotalReplies)
	assert.Equal(self.T(), flows_proto.FlowContext_TERMINATED, record.Context.State)
}

// Sessions are never processed by two workers at once.
func (self *WorkerTestSuite) TestConcurrentWorkers() {
	workers := []*FlowWorker{self.newWorker(), self.newWorker(), self.newWorker()}

	client_ids := []string{}
	session_ids := []string{}
	for i := 0; i < 10; i++ {
		client_id := fmt.Sprintf("C.%d", i)
		client_ids = append(client_ids, client_id)
		session_ids = append(session_ids, self.startFlow("Probe", client_id))
	}

	self.pump(workers, client_ids...)

	assert.Empty(self.T(), self.tracker.overlaps)
	assert.Equal(self.T(), 30, self.tracker.calls)

	for _, session_id := range session_ids {
		record := self.getRecord(session_id)
		assert.Equal(self.T(), flows_proto.FlowContext_TERMINATED,
			record.Context.State)
		assert.Equal(self.T(), uint64(3), record.Context.TotalReplies)
	}
}

func (self *WorkerTestSuite) TestHunt() {
	hunt_id, err := flows.CreateHunt(self.ctx, self.config_obj, self.manager,
		self.registry, &flows.HuntArgs{
			Args: &flows.GenericHuntArgs{FlowName: "Probe"},
		})
	require.NoError(self.T(), err)
	require.NoError(self.T(), flows.StartHunt(self.ctx, self.config_obj,
		self.manager, self.registry, hunt_id))

	client_ids := []string{"C.1", "C.2", "C.3", "C.4"}
	require.NoError(self.T(), flows.StartClients(self.ctx, self.config_obj,
		self.manager, hunt_id, client_ids))

	self.pump([]*FlowWorker{self.newWorker(), self.newWorker()}, client_ids...)

	status := flows.GetClientsByStatus(self.ctx, self.config_obj, self.db, hunt_id)
	assert.Equal(self.T(), 4, len(status[constants.HUNT_COMPLETED]))
	assert.Equal(self.T(), 0, len(status["ERROR"]))
	assert.Equal(self.T(), int64(12),
		flows.GetResultsCount(self.ctx, self.config_obj, self.db, hunt_id))
	assert.Empty(self.T(), self.tracker.overlaps)
}

func (self *WorkerTestSuite) TestUnknownSession() {
	err := self.notifier.QueueNotification(self.ctx, &flows_proto.Notification{
		SessionId: "F.NOSUCHFLOW",
		Queue:     constants.DEFAULT_QUEUE,
	})
	require.NoError(self.T(), err)

	count, err := self.newWorker().RunOnce(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, count)
}

func (self *WorkerTestSuite) TestStartAndStop() {
	session_id := self.startFlow("Probe", "C.1")

	ctx, cancel := context.WithCancel(self.ctx)
	wg := &sync.WaitGroup{}
	self.newWorker().Start(ctx, wg)

	// The background worker picks up the client responses.
	vtesting.WaitUntil(5*time.Second, self.T(), func() bool {
		self.runClients("C.1")
		return self.getRecord(session_id).Context.State ==
			flows_proto.FlowContext_TERMINATED
	})

	cancel()
	wg.Wait()

	vtesting.MemoryLogsContain(self.T(), "Flow worker .+ stopped")
}

func TestWorker(t *testing.T) {
	suite.Run(t, &WorkerTestSuite{})
}
