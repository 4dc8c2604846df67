package collections

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Velocidex/ordereddict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	indexMarkersWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collection_index_markers_written",
		Help: "Number of sparse index markers written.",
	})
)

// A marker records that record number Ordinal is at Position.
type indexMarker struct {
	Ordinal  int64
	Position Position
}

// A sequential collection with a sparse index. Every index_spacing
// records a marker maps the record's ordinal to its position so
// length and seeks can start from the nearest marker.
//
// Markers are only written for records older than the index write
// delay. A writer may still land a record with a slightly older
// timestamp; a marker written before it would be wrong.
type IndexedCollection struct {
	*SequentialCollection
}

func NewIndexedCollection(
	config_obj *config.Config,
	db datastore.DataStore,
	urn paths.DSPathSpec) *IndexedCollection {
	return &IndexedCollection{
		SequentialCollection: NewSequentialCollection(config_obj, db, urn),
	}
}

func (self *IndexedCollection) spacing() int64 {
	if self.config_obj.Collections != nil &&
		self.config_obj.Collections.IndexSpacing > 0 {
		return int64(self.config_obj.Collections.IndexSpacing)
	}
	return constants.INDEX_SPACING
}

func (self *IndexedCollection) Add(value *ordereddict.Dict) (Position, error) {
	position, err := self.SequentialCollection.Add(value)
	if err != nil {
		return position, err
	}
	self.maybeQueueIndexUpdate()
	return position, nil
}

func (self *IndexedCollection) AddAt(
	value *ordereddict.Dict, timestamp uint64, suffix uint32) (Position, error) {
	position, err := self.SequentialCollection.AddAt(value, timestamp, suffix)
	if err != nil {
		return position, err
	}
	self.maybeQueueIndexUpdate()
	return position, nil
}

func (self *IndexedCollection) maybeQueueIndexUpdate() {
	if self.config_obj.Collections == nil {
		return
	}

	probability := self.config_obj.Collections.IndexUpdateProbability
	if probability <= 0 || utils.RandUint32()%uint32(probability) != 0 {
		return
	}

	err := QueueIndexUpdate(self.config_obj, self.db, self.urn)
	if err != nil && !errors.Is(err, utils.PermissionDenied) {
		logger := logging.GetLogger(self.config_obj, &logging.CollectionsComponent)
		logger.Error("QueueIndexUpdate %v: %v", self.urn, err)
	}
}

func markerName(ordinal int64) string {
	return fmt.Sprintf("%s%08x", constants.INDEX_ATTRIBUTE_PREFIX, ordinal)
}

// All markers in ascending ordinal order.
func (self *IndexedCollection) readIndex() ([]*indexMarker, error) {
	children, err := self.db.ScanChildren(self.config_obj, self.urn,
		constants.INDEX_ATTRIBUTE_PREFIX, 0)
	if err != nil {
		return nil, err
	}

	result := []*indexMarker{}
	for _, child := range children {
		if !strings.HasPrefix(child.Name, constants.INDEX_ATTRIBUTE_PREFIX) {
			break
		}

		ordinal, err := strconv.ParseInt(strings.TrimPrefix(
			child.Name, constants.INDEX_ATTRIBUTE_PREFIX), 16, 64)
		if err != nil {
			continue
		}

		position := Position{}
		err = json.Unmarshal(child.Data, &position)
		if err != nil {
			continue
		}

		result = append(result, &indexMarker{
			Ordinal: ordinal, Position: position})
	}
	return result, nil
}

// The highest marker at or below the ordinal. Returns nil when there
// is none and the walk has to start at the beginning.
func (self *IndexedCollection) nearestMarker(ordinal int64) *indexMarker {
	markers, err := self.readIndex()
	if err != nil {
		return nil
	}

	var result *indexMarker
	for _, marker := range markers {
		if marker.Ordinal > ordinal {
			break
		}
		result = marker
	}
	return result
}

// Walks from the highest marker to the end. Never larger than the
// number of stored records.
func (self *IndexedCollection) CalculateLength(ctx context.Context) int64 {
	marker := self.nearestMarker(1 << 62)
	if marker == nil {
		return self.countFrom(ctx, nil)
	}

	return marker.Ordinal + self.countFrom(ctx, &marker.Position)
}

// Stream records starting at ordinal offset.
func (self *IndexedCollection) GenerateItems(
	ctx context.Context, offset int64) <-chan *Record {
	output_chan := make(chan *Record)

	go func() {
		defer close(output_chan)

		var start *Position
		current := int64(0)

		marker := self.nearestMarker(offset)
		if marker != nil {
			start = &marker.Position
			current = marker.Ordinal
		}

		sub_ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for record := range self.scan(sub_ctx, start, true, 0) {
			if current >= offset {
				select {
				case <-ctx.Done():
					return
				case output_chan <- record:
				}
			}
			current++
		}
	}()

	return output_chan
}

// The record with the given ordinal.
func (self *IndexedCollection) GetItem(
	ctx context.Context, index int64) (*Record, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative item %v", utils.InvalidArgError, index)
	}

	var start *Position
	current := int64(0)

	marker := self.nearestMarker(index)
	if marker != nil {
		start = &marker.Position
		current = marker.Ordinal
	}

	sub_ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for record := range self.scan(sub_ctx, start, true, int(index-current+1)) {
		if current == index {
			return record, nil
		}
		current++
	}

	return nil, fmt.Errorf("%w: item %v in %v", utils.NotFoundError,
		index, self.urn)
}

// Write markers for all records that are old enough. Walks from the
// highest existing marker. Storage that does not accept writes is
// ignored since the index is only an optimization.
func (self *IndexedCollection) UpdateIndex(ctx context.Context) error {
	delay := self.config_obj.IndexWriteDelay()
	cutoff := utils.TimeToMicro(utils.Now().Add(-delay))
	spacing := self.spacing()

	var start *Position
	current := int64(0)

	marker := self.nearestMarker(1 << 62)
	if marker != nil {
		start = &marker.Position
		current = marker.Ordinal
	}

	sub_ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for record := range self.scan(sub_ctx, start, true, 0) {
		// Records are in time order so all later records are too
		// new as well.
		if record.Timestamp >= cutoff {
			break
		}

		if current > 0 && current%spacing == 0 &&
			(marker == nil || current > marker.Ordinal) {
			err := self.db.SetSubject(self.config_obj,
				self.urn.AddChild(markerName(current)), record.Position)
			if errors.Is(err, utils.PermissionDenied) {
				return nil
			}
			if err != nil {
				return err
			}
			indexMarkersWritten.Inc()
		}
		current++
	}

	return nil
}

func (self *IndexedCollection) String() string {
	return fmt.Sprintf("IndexedCollection(%v)", self.urn)
}
