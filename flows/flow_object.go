package flows

import (
	"context"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

// Read the persisted flow or hunt.
func GetFlowRecord(
	config_obj *config.Config,
	db datastore.DataStore,
	session_id string) (*flows_proto.FlowRecord, error) {
	record := &flows_proto.FlowRecord{}
	err := db.GetSubject(config_obj,
		paths.NewFlowPathManager(session_id).Path(), record)
	if err != nil {
		return nil, errors.WithMessage(err, "GetFlowRecord "+session_id)
	}

	if record.RunnerArgs == nil || record.Context == nil {
		return nil, errors.WithMessage(utils.InvalidArgError,
			"corrupt flow record "+session_id)
	}
	return record, nil
}

func setFlowRecord(
	config_obj *config.Config,
	db datastore.DataStore,
	record *flows_proto.FlowRecord) error {
	return db.SetSubject(config_obj,
		paths.NewFlowPathManager(record.Context.SessionId).Path(), record)
}

// Restore the flow's state struct from the record.
func loadFlowState(record *flows_proto.FlowRecord, flow Flow) error {
	state := flow.State()
	if state == nil || record.State == nil {
		return nil
	}
	return utils.ParseIntoStruct(record.State, state)
}

func storeFlowState(record *flows_proto.FlowRecord, flow Flow) error {
	state := flow.State()
	if state == nil {
		return nil
	}

	dict, err := utils.ToDict(state)
	if err != nil {
		return err
	}
	record.State = dict
	return nil
}

// Up to count replies the flow sent, starting at offset. A count of 0
// returns all of them.
func GetFlowResults(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	session_id string, offset int64, count int) []*ordereddict.Dict {
	sub_ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := []*ordereddict.Dict{}
	output := collections.NewIndexedCollection(config_obj, db,
		paths.NewFlowPathManager(session_id).Output())
	for record := range output.GenerateItems(sub_ctx, offset) {
		result = append(result, record.Value)
		if count > 0 && len(result) >= count {
			break
		}
	}
	return result
}
