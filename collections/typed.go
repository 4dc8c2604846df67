package collections

import (
	"context"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

// A collection of client ids. Hunts keep one for each client
// outcome.
type ClientUrnCollection struct {
	*IndexedCollection
}

func NewClientUrnCollection(
	config_obj *config.Config,
	db datastore.DataStore,
	urn paths.DSPathSpec) *ClientUrnCollection {
	return &ClientUrnCollection{
		IndexedCollection: NewIndexedCollection(config_obj, db, urn),
	}
}

func (self *ClientUrnCollection) AddClient(client_id string) error {
	_, err := self.Add(ordereddict.NewDict().Set("client_id", client_id))
	return err
}

// All client ids in the order they were added. A client added more
// than once is only listed once.
func (self *ClientUrnCollection) ListClients(ctx context.Context) []string {
	result := []string{}
	for record := range self.Scan(ctx, nil, 0) {
		client_id := utils.GetString(record.Value, "client_id")
		if client_id != "" {
			result = append(result, client_id)
		}
	}
	return utils.Uniquify(result)
}

type HuntErrorCollection struct {
	*IndexedCollection
}

func NewHuntErrorCollection(
	config_obj *config.Config,
	db datastore.DataStore,
	urn paths.DSPathSpec) *HuntErrorCollection {
	return &HuntErrorCollection{
		IndexedCollection: NewIndexedCollection(config_obj, db, urn),
	}
}

func (self *HuntErrorCollection) AddError(hunt_error *flows_proto.HuntError) error {
	if hunt_error.Timestamp == 0 {
		hunt_error.Timestamp = utils.NowMicro()
	}

	value, err := utils.ToDict(hunt_error)
	if err != nil {
		return err
	}
	_, err = self.Add(value)
	return err
}

func (self *HuntErrorCollection) ListErrors(
	ctx context.Context) []*flows_proto.HuntError {
	result := []*flows_proto.HuntError{}
	for record := range self.Scan(ctx, nil, 0) {
		hunt_error := &flows_proto.HuntError{}
		err := utils.ParseIntoStruct(record.Value, hunt_error)
		if err == nil {
			result = append(result, hunt_error)
		}
	}
	return result
}
