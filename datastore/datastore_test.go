package datastore

import (
	"errors"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/config"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

type testRecord struct {
	Source string `json:"source"`
}

// Tests that every datastore implementation must pass.
type BaseTestSuite struct {
	suite.Suite

	config_obj *config.Config
	datastore  DataStore
}

func (self *BaseTestSuite) TestSetGetSubject() {
	for _, path := range []paths.DSPathSpec{
		paths.NewDSPathSpec("a", "b/c", "d"),
		paths.NewDSPathSpec("a", "b/c", "d/a"),
		paths.NewDSPathSpec("a", "b/c", "d?\""),
	} {
		err := self.datastore.SetSubject(
			self.config_obj, path, &testRecord{Source: path.Base()})
		assert.NoError(self.T(), err)

		read_message := &testRecord{}
		err = self.datastore.GetSubject(self.config_obj, path, read_message)
		assert.NoError(self.T(), err)
		assert.Equal(self.T(), path.Base(), read_message.Source)
	}

	// Now test that ScanChildren works properly.
	children, err := self.datastore.ScanChildren(
		self.config_obj, paths.NewDSPathSpec("a", "b/c"), "", 0)
	assert.NoError(self.T(), err)

	results := []string{}
	for _, i := range children {
		results = append(results, i.Name)
	}
	assert.Equal(self.T(), []string{"d", "d/a", "d?\""}, results)

	// Missing subjects return NotFoundError
	err = self.datastore.GetSubject(self.config_obj,
		paths.NewDSPathSpec("a", "missing"), &testRecord{})
	assert.True(self.T(), errors.Is(err, utils.NotFoundError))
}

func (self *BaseTestSuite) TestOverwrite() {
	urn := paths.NewDSPathSpec("x", "y")
	require.NoError(self.T(), self.datastore.SetSubjectData(
		self.config_obj, urn, []byte("1")))
	require.NoError(self.T(), self.datastore.SetSubjectData(
		self.config_obj, urn, []byte("2")))

	data, err := self.datastore.GetSubjectData(self.config_obj, urn)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), "2", string(data))
}

func (self *BaseTestSuite) TestScanChildrenPaged() {
	root := paths.NewDSPathSpec("scan")
	for i := 0; i < 10; i++ {
		require.NoError(self.T(), self.datastore.SetSubjectData(
			self.config_obj, root.AddChild(paths.RequestName(uint64(i))),
			[]byte{byte(i)}))
	}

	// Other subtrees are not included.
	require.NoError(self.T(), self.datastore.SetSubjectData(
		self.config_obj, root.AddChild("0000000000000003", "nested"),
		[]byte("x")))

	children, err := self.datastore.ScanChildren(
		self.config_obj, root, paths.RequestName(3), 4)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 4, len(children))

	for idx, child := range children {
		assert.Equal(self.T(), paths.RequestName(uint64(idx+3)), child.Name)
		assert.Equal(self.T(), []byte{byte(idx + 3)}, child.Data)
	}
}

func (self *BaseTestSuite) TestDeleteTree() {
	root := paths.NewDSPathSpec("tree", "a")
	for _, p := range []paths.DSPathSpec{
		root,
		root.AddChild("b"),
		root.AddChild("b", "c"),
		paths.NewDSPathSpec("tree", "a-sibling"),
		paths.NewDSPathSpec("tree", "a-sibling", "b"),
	} {
		require.NoError(self.T(), self.datastore.SetSubjectData(
			self.config_obj, p, []byte("x")))
	}

	require.NoError(self.T(), self.datastore.DeleteTree(self.config_obj, root))

	children, err := self.datastore.ScanChildren(
		self.config_obj, paths.NewDSPathSpec("tree"), "", 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(children))
	assert.Equal(self.T(), "a-sibling", children[0].Name)

	_, err = self.datastore.GetSubjectData(self.config_obj, root.AddChild("b", "c"))
	assert.True(self.T(), errors.Is(err, utils.NotFoundError))

	_, err = self.datastore.GetSubjectData(self.config_obj,
		paths.NewDSPathSpec("tree", "a-sibling", "b"))
	assert.NoError(self.T(), err)
}

func (self *BaseTestSuite) TestLeases() {
	clock := &utils.MockClock{MockNow: time.Unix(1000, 0)}
	defer utils.MockTime(clock)()

	urn := paths.NewDSPathSpec("flows", "W", "F:1")

	assert.NoError(self.T(), self.datastore.LeaseSubject(
		self.config_obj, urn, "owner1", time.Minute))

	// Renewal by the owner is fine.
	assert.NoError(self.T(), self.datastore.LeaseSubject(
		self.config_obj, urn, "owner1", time.Minute))

	err := self.datastore.LeaseSubject(
		self.config_obj, urn, "owner2", time.Minute)
	assert.True(self.T(), errors.Is(err, utils.LeaseHeldError))

	// Expired leases may be taken over.
	clock.Advance(2 * time.Minute)
	assert.NoError(self.T(), self.datastore.LeaseSubject(
		self.config_obj, urn, "owner2", time.Minute))

	// Releasing someone else's lease does nothing.
	assert.NoError(self.T(), self.datastore.ReleaseLease(
		self.config_obj, urn, "owner1"))
	err = self.datastore.LeaseSubject(
		self.config_obj, urn, "owner1", time.Minute)
	assert.True(self.T(), errors.Is(err, utils.LeaseHeldError))

	assert.NoError(self.T(), self.datastore.ReleaseLease(
		self.config_obj, urn, "owner2"))
	assert.NoError(self.T(), self.datastore.LeaseSubject(
		self.config_obj, urn, "owner1", time.Minute))
}

func (self *BaseTestSuite) TestClientTaskLeasing() {
	clock := &utils.MockClock{MockNow: time.Unix(1000, 0)}
	defer utils.MockTime(clock)()

	self.config_obj.Flows.ClientTaskTtl = 2
	queue := NewClientTaskQueue(self.config_obj, self.datastore)

	task_id, err := queue.QueueMessageForClient("C.1",
		&flows_proto.ClientMessage{SessionId: "W/Test/F:1", RequestId: 1},
		utils.NowMicro())
	require.NoError(self.T(), err)

	// Not due until later.
	_, err = queue.QueueMessageForClient("C.1",
		&flows_proto.ClientMessage{SessionId: "W/Test/F:1", RequestId: 2},
		utils.NowMicro()+uint64(time.Hour/time.Microsecond))
	require.NoError(self.T(), err)

	tasks, err := queue.LeaseClientTasks("C.1", time.Minute, 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(tasks))
	assert.Equal(self.T(), task_id, tasks[0].TaskId)
	assert.Equal(self.T(), 1, tasks[0].Ttl)

	// Still leased.
	tasks, err = queue.LeaseClientTasks("C.1", time.Minute, 0)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(tasks))

	// Lease expired - the task is offered again.
	clock.Advance(2 * time.Minute)
	tasks, err = queue.LeaseClientTasks("C.1", time.Minute, 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(tasks))
	assert.Equal(self.T(), 0, tasks[0].Ttl)

	// Ttl exhausted - the task is dropped.
	clock.Advance(2 * time.Minute)
	tasks, err = queue.LeaseClientTasks("C.1", time.Minute, 0)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(tasks))

	all_tasks, err := queue.GetClientTasks("C.1")
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(all_tasks))
	assert.Equal(self.T(), uint64(2), all_tasks[0].Message.RequestId)

	require.NoError(self.T(), queue.UnQueueMessageForClient(
		"C.1", all_tasks[0].TaskId))
	all_tasks, err = queue.GetClientTasks("C.1")
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(all_tasks))
}
