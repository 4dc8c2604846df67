package collections

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
	"www.velocidex.com/golang/velofleet/vtesting"
)

var (
	base_time = time.Unix(1700000000, 0)
)

type CollectionsTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         *datastore.MemoryDataStore
	clock      *utils.MockClock
	restore    func()
	ctx        context.Context
	urn        paths.DSPathSpec
}

func (self *CollectionsTestSuite) SetupTest() {
	self.config_obj = vtesting.GetTestConfig()
	self.db = datastore.NewMemoryDataStore()
	self.clock = &utils.MockClock{MockNow: base_time}
	self.restore = utils.MockTime(self.clock)
	self.ctx = context.Background()
	self.urn = paths.NewDSPathSpec("flows", "W", "Test", "F:1234", "output")
}

func (self *CollectionsTestSuite) TearDownTest() {
	self.restore()
}

func (self *CollectionsTestSuite) row(i int) *ordereddict.Dict {
	return ordereddict.NewDict().Set("Row", int64(i))
}

func (self *CollectionsTestSuite) TestScanOrderAndRestart() {
	collection := NewSequentialCollection(self.config_obj, self.db, self.urn)

	// Add out of order.
	for _, i := range []int{5, 1, 3, 2, 4} {
		_, err := collection.AddAt(self.row(i),
			utils.TimeToMicro(base_time)+uint64(i), 0)
		require.NoError(self.T(), err)
	}

	rows := []int64{}
	var last *Position
	for record := range collection.Scan(self.ctx, nil, 2) {
		rows = append(rows, utils.GetInt64(record.Value, "Row"))
		position := record.Position
		last = &position
	}
	assert.Equal(self.T(), []int64{1, 2}, rows)

	// Continue from the last position.
	for record := range collection.Scan(self.ctx, last, 0) {
		rows = append(rows, utils.GetInt64(record.Value, "Row"))
	}
	assert.Equal(self.T(), []int64{1, 2, 3, 4, 5}, rows)
	assert.Equal(self.T(), int64(5), collection.Length(self.ctx))
}

func (self *CollectionsTestSuite) TestScanAcrossBatches() {
	self.config_obj.Collections.ScanBatchSize = 3
	collection := NewSequentialCollection(self.config_obj, self.db, self.urn)

	for i := 0; i < 10; i++ {
		_, err := collection.AddAt(self.row(i),
			utils.TimeToMicro(base_time)+uint64(i), 1)
		require.NoError(self.T(), err)
	}

	rows := []int64{}
	for record := range collection.Scan(self.ctx, nil, 0) {
		rows = append(rows, utils.GetInt64(record.Value, "Row"))
	}
	assert.Equal(self.T(), []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, rows)
}

// Writing the same position twice replaces the record and leaves the
// neighbours alone.
func (self *CollectionsTestSuite) TestDuplicatePosition() {
	collection := NewSequentialCollection(self.config_obj, self.db, self.urn)
	ts := utils.TimeToMicro(base_time)

	_, err := collection.AddAt(self.row(1), ts, 0x10)
	require.NoError(self.T(), err)
	_, err = collection.AddAt(self.row(2), ts, 0x11)
	require.NoError(self.T(), err)
	_, err = collection.AddAt(self.row(3), ts, 0x10)
	require.NoError(self.T(), err)

	records := []*Record{}
	for record := range collection.Scan(self.ctx, nil, 0) {
		records = append(records, record)
	}
	require.Equal(self.T(), 2, len(records))
	assert.Equal(self.T(), uint32(0x10), records[0].Suffix)
	assert.Equal(self.T(), int64(3), utils.GetInt64(records[0].Value, "Row"))
	assert.Equal(self.T(), uint32(0x11), records[1].Suffix)
	assert.Equal(self.T(), int64(2), utils.GetInt64(records[1].Value, "Row"))
}

// A zero suffix is a position like any other.
func (self *CollectionsTestSuite) TestZeroSuffixPosition() {
	collection := NewSequentialCollection(self.config_obj, self.db, self.urn)
	ts := utils.TimeToMicro(base_time)

	position, err := collection.AddAt(self.row(1), ts, 0)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), Position{Timestamp: ts}, position)

	_, err = collection.AddAt(self.row(2), ts, 0)
	require.NoError(self.T(), err)

	records := []*Record{}
	for record := range collection.Scan(self.ctx, nil, 0) {
		records = append(records, record)
	}
	require.Equal(self.T(), 1, len(records))
	assert.Equal(self.T(), uint32(0), records[0].Suffix)
	assert.Equal(self.T(), int64(2), utils.GetInt64(records[0].Value, "Row"))
}

func (self *CollectionsTestSuite) TestIndexedCollection() {
	collection := NewIndexedCollection(self.config_obj, self.db, self.urn)
	start := utils.TimeToMicro(base_time)

	for i := 0; i < 5000; i++ {
		_, err := collection.AddAt(self.row(i), start+uint64(i), 1)
		require.NoError(self.T(), err)
	}

	// No index yet so this is a full scan.
	assert.Equal(self.T(), int64(5000), collection.CalculateLength(self.ctx))

	// Records are too recent to be indexed.
	require.NoError(self.T(), collection.UpdateIndex(self.ctx))
	markers, err := collection.readIndex()
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(markers))

	self.clock.Advance(self.config_obj.IndexWriteDelay() + time.Second)
	require.NoError(self.T(), collection.UpdateIndex(self.ctx))

	markers, err = collection.readIndex()
	require.NoError(self.T(), err)
	ordinals := []int64{}
	for _, m := range markers {
		ordinals = append(ordinals, m.Ordinal)
	}
	assert.Equal(self.T(), []int64{1024, 2048, 3072, 4096}, ordinals)

	// Seeking to an indexed record reads no more than a single batch.
	before := collection.RecordsRead()
	record, err := collection.GetItem(self.ctx, 4096)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), int64(4096), utils.GetInt64(record.Value, "Row"))
	assert.LessOrEqual(self.T(), collection.RecordsRead()-before,
		int64(self.config_obj.Collections.ScanBatchSize))

	record, err = collection.GetItem(self.ctx, 4100)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), int64(4100), utils.GetInt64(record.Value, "Row"))

	// The length now only walks the tail.
	before = collection.RecordsRead()
	assert.Equal(self.T(), int64(5000), collection.CalculateLength(self.ctx))
	assert.Equal(self.T(), int64(5000-4096), collection.RecordsRead()-before)

	rows := []int64{}
	for record := range collection.GenerateItems(self.ctx, 4998) {
		rows = append(rows, utils.GetInt64(record.Value, "Row"))
	}
	assert.Equal(self.T(), []int64{4998, 4999}, rows)

	_, err = collection.GetItem(self.ctx, 5000)
	assert.ErrorIs(self.T(), err, utils.NotFoundError)

	before = collection.RecordsRead()
	_, err = collection.GetItem(self.ctx, -1)
	assert.ErrorIs(self.T(), err, utils.InvalidArgError)
	assert.Equal(self.T(), int64(0), collection.RecordsRead()-before)

	// Updating again does not write new markers.
	require.NoError(self.T(), collection.UpdateIndex(self.ctx))
	markers, err = collection.readIndex()
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 4, len(markers))
}

// Index writes to a read only datastore are ignored.
func (self *CollectionsTestSuite) TestIndexPermissionDenied() {
	collection := NewIndexedCollection(self.config_obj, self.db, self.urn)
	start := utils.TimeToMicro(base_time)
	for i := 0; i < 2000; i++ {
		_, err := collection.AddAt(self.row(i), start+uint64(i), 1)
		require.NoError(self.T(), err)
	}

	self.clock.Advance(time.Hour)

	read_only := NewIndexedCollection(self.config_obj,
		datastore.NewReadOnlyDataStore(self.db), self.urn)
	assert.NoError(self.T(), read_only.UpdateIndex(self.ctx))
	assert.Equal(self.T(), int64(2000), read_only.CalculateLength(self.ctx))
}

func (self *CollectionsTestSuite) TestIndexUpdater() {
	self.config_obj.Collections.IndexUpdaterDelaySec = 60
	collection := NewIndexedCollection(self.config_obj, self.db, self.urn)
	start := utils.TimeToMicro(base_time)
	for i := 0; i < 1500; i++ {
		_, err := collection.AddAt(self.row(i), start+uint64(i), 1)
		require.NoError(self.T(), err)
	}

	require.NoError(self.T(), QueueIndexUpdate(self.config_obj, self.db, self.urn))
	updater := NewIndexUpdater(self.config_obj, self.db)

	// Not due yet.
	count, err := updater.ProcessDue(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, count)

	self.clock.Advance(time.Hour)
	count, err = updater.ProcessDue(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 1, count)

	markers, err := collection.readIndex()
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(markers))
	assert.Equal(self.T(), int64(1024), markers[0].Ordinal)

	// The queue entry is consumed.
	count, err = updater.ProcessDue(self.ctx)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), 0, count)
}

func (self *CollectionsTestSuite) TestTypedCollections() {
	clients := NewClientUrnCollection(self.config_obj, self.db,
		self.urn.AddChild("AllClients"))
	for _, c := range []string{"C.1", "C.2", "C.1", "C.3"} {
		require.NoError(self.T(), clients.AddClient(c))
		self.clock.Advance(time.Second)
	}
	assert.Equal(self.T(), []string{"C.1", "C.2", "C.3"},
		clients.ListClients(self.ctx))

	error_collection := NewHuntErrorCollection(self.config_obj, self.db,
		self.urn.AddChild("ErrorClients"))
	require.NoError(self.T(), error_collection.AddError(&flows_proto.HuntError{
		ClientId:   "C.2",
		LogMessage: "Boom",
		Backtrace:  "stack",
	}))

	hunt_errors := error_collection.ListErrors(self.ctx)
	require.Equal(self.T(), 1, len(hunt_errors))
	assert.Equal(self.T(), "C.2", hunt_errors[0].ClientId)
	assert.Equal(self.T(), "Boom", hunt_errors[0].LogMessage)
	assert.Equal(self.T(), utils.TimeToMicro(self.clock.Now()),
		hunt_errors[0].Timestamp)
}

func TestCollections(t *testing.T) {
	suite.Run(t, &CollectionsTestSuite{})
}

// CalculateLength never exceeds the stored count, and converges once
// the late records age past the write delay.
func TestIndexedLengthProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("length is bounded and converges", prop.ForAll(
		func(old_count int, late_count int) bool {
			config_obj := vtesting.GetTestConfig()
			config_obj.Collections.IndexSpacing = 4

			clock := &utils.MockClock{MockNow: base_time}
			defer utils.MockTime(clock)()

			db := datastore.NewMemoryDataStore()
			urn := paths.NewDSPathSpec("collection")
			collection := NewIndexedCollection(config_obj, db, urn)
			ctx := context.Background()

			delay := config_obj.IndexWriteDelay()
			old_start := utils.TimeToMicro(base_time.Add(-2 * delay))
			for i := 0; i < old_count; i++ {
				_, err := collection.AddAt(ordereddict.NewDict(),
					old_start+uint64(i), 0)
				if err != nil {
					return false
				}
			}

			if collection.UpdateIndex(ctx) != nil {
				return false
			}

			late_start := utils.TimeToMicro(base_time.Add(-delay))
			for i := 0; i < late_count; i++ {
				_, err := collection.AddAt(ordereddict.NewDict(),
					late_start+uint64(i), 0)
				if err != nil {
					return false
				}
			}

			total := int64(old_count + late_count)
			if collection.CalculateLength(ctx) > total {
				return false
			}

			clock.Advance(delay + time.Minute)
			if collection.UpdateIndex(ctx) != nil {
				return false
			}

			markers, err := collection.readIndex()
			if err != nil {
				return false
			}
			expected_markers := 0
			if total > 0 {
				expected_markers = int((total - 1) / 4)
			}

			return collection.CalculateLength(ctx) == total &&
				len(markers) == expected_markers
		},
		gen.IntRange(0, 40),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func ExamplePosition_Name() {
	fmt.Println(Position{Timestamp: 0x5f5e100, Suffix: 0xabc}.Name())
	// Output: 0000000005f5e100:000abc
}
