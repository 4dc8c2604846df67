// Append only collections of records ordered by time.
//
// Records live under <urn>/Results and are named by their timestamp
// and a random suffix. Concurrent writers therefore never collide
// even when they write the same collection at the same time.
package collections

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

// Where a record sits in the collection.
type Position struct {
	Timestamp uint64 `json:"timestamp"`
	Suffix    uint32 `json:"suffix"`
}

func (self Position) Name() string {
	return fmt.Sprintf("%016x:%06x", self.Timestamp, self.Suffix)
}

func ParsePosition(name string) (Position, error) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) != 2 {
		return Position{}, fmt.Errorf("%w: invalid record name %v",
			utils.InvalidArgError, name)
	}

	ts, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: invalid record name %v",
			utils.InvalidArgError, name)
	}

	suffix, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return Position{}, fmt.Errorf("%w: invalid record name %v",
			utils.InvalidArgError, name)
	}

	return Position{Timestamp: ts, Suffix: uint32(suffix)}, nil
}

type Record struct {
	Position
	Value *ordereddict.Dict
}

func ResultsPath(urn paths.DSPathSpec) paths.DSPathSpec {
	return urn.AddChild("Results")
}

// Write a single record at exactly position. Writing the same
// position twice replaces the earlier record.
func StaticAdd(
	config_obj *config.Config,
	db datastore.DataStore,
	urn paths.DSPathSpec,
	value *ordereddict.Dict,
	position Position) (Position, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return position, err
	}

	return position, db.SetSubjectData(config_obj,
		ResultsPath(urn).AddChild(position.Name()), serialized)
}

type SequentialCollection struct {
	config_obj *config.Config
	db         datastore.DataStore
	urn        paths.DSPathSpec

	// Total records read from storage. Used to measure seek cost.
	records_read int64
}

func NewSequentialCollection(
	config_obj *config.Config,
	db datastore.DataStore,
	urn paths.DSPathSpec) *SequentialCollection {
	return &SequentialCollection{
		config_obj: config_obj,
		db:         db,
		urn:        urn,
	}
}

func (self *SequentialCollection) Urn() paths.DSPathSpec {
	return self.urn
}

func (self *SequentialCollection) RecordsRead() int64 {
	return atomic.LoadInt64(&self.records_read)
}

// Append at the current time with a random suffix so concurrent
// writers do not collide.
func (self *SequentialCollection) Add(value *ordereddict.Dict) (Position, error) {
	return StaticAdd(self.config_obj, self.db, self.urn, value, Position{
		Timestamp: utils.NowMicro(),
		Suffix:    utils.RandSuffix(),
	})
}

func (self *SequentialCollection) AddAt(
	value *ordereddict.Dict, timestamp uint64, suffix uint32) (Position, error) {
	return StaticAdd(self.config_obj, self.db, self.urn, value, Position{
		Timestamp: timestamp,
		Suffix:    suffix,
	})
}

func (self *SequentialCollection) batchSize() int {
	if self.config_obj.Collections != nil &&
		self.config_obj.Collections.ScanBatchSize > 0 {
		return self.config_obj.Collections.ScanBatchSize
	}
	return 1000
}

// Read up to limit records starting at start. If inclusive is false
// the record at start itself is skipped. full is set when storage
// returned limit entries, so there may be more.
func (self *SequentialCollection) readBatch(
	start *Position, inclusive bool, limit int) (
	result []*Record, full bool, err error) {
	start_name := ""
	if start != nil {
		start_name = start.Name()
		if !inclusive {
			start_name += "\x00"
		}
	}

	children, err := self.db.ScanChildren(self.config_obj,
		ResultsPath(self.urn), start_name, limit)
	if err != nil {
		return nil, false, err
	}
	atomic.AddInt64(&self.records_read, int64(len(children)))

	result = make([]*Record, 0, len(children))
	for _, child := range children {
		position, err := ParsePosition(child.Name)
		if err != nil {
			continue
		}

		value := ordereddict.NewDict()
		err = json.Unmarshal(child.Data, value)
		if err != nil {
			continue
		}
		result = append(result, &Record{Position: position, Value: value})
	}
	return result, len(children) >= limit, nil
}

// Scan records in time order strictly after the position. A nil
// position scans from the start. A max_records of 0 reads everything.
// Scanning may be resumed by passing the last record's position.
func (self *SequentialCollection) Scan(
	ctx context.Context, after *Position, max_records int) <-chan *Record {
	return self.scan(ctx, after, false, max_records)
}

func (self *SequentialCollection) scan(
	ctx context.Context, start *Position, inclusive bool,
	max_records int) <-chan *Record {
	output_chan := make(chan *Record)

	go func() {
		defer close(output_chan)

		count := 0
		for {
			limit := self.batchSize()
			if max_records > 0 && max_records-count < limit {
				limit = max_records - count
			}

			batch, full, err := self.readBatch(start, inclusive, limit)
			if err != nil || len(batch) == 0 {
				return
			}

			for _, record := range batch {
				select {
				case <-ctx.Done():
					return
				case output_chan <- record:
				}
				count++
			}

			if max_records > 0 && count >= max_records {
				return
			}

			if !full {
				return
			}

			last := batch[len(batch)-1].Position
			start = &last
			inclusive = false
		}
	}()

	return output_chan
}

// The number of records by a full scan.
func (self *SequentialCollection) Length(ctx context.Context) int64 {
	return self.countFrom(ctx, nil)
}

// Count records at or after start.
func (self *SequentialCollection) countFrom(
	ctx context.Context, start *Position) int64 {
	count := int64(0)
	for range self.scan(ctx, start, true, 0) {
		count++
	}
	return count
}
