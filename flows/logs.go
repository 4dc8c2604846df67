package flows

import (
	"context"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

type LogEntry struct {
	Timestamp uint64 `json:"timestamp"`
	ClientId  string `json:"client_id,omitempty"`
	Message   string `json:"message"`
}

func writeFlowLog(
	config_obj *config.Config,
	db datastore.DataStore,
	session_id, client_id, message string) error {
	_, err := collections.NewSequentialCollection(config_obj, db,
		paths.NewFlowPathManager(session_id).Logs()).Add(
		ordereddict.NewDict().
			Set("timestamp", utils.NowMicro()).
			Set("client_id", client_id).
			Set("message", message))
	return err
}

// The log messages of a flow or hunt in the order they were written.
func GetFlowLogs(
	ctx context.Context,
	config_obj *config.Config,
	db datastore.DataStore,
	session_id string) []*LogEntry {
	result := []*LogEntry{}
	logs := collections.NewSequentialCollection(config_obj, db,
		paths.NewFlowPathManager(session_id).Logs())
	for record := range logs.Scan(ctx, nil, 0) {
		entry := &LogEntry{}
		err := utils.ParseIntoStruct(record.Value, entry)
		if err == nil {
			result = append(result, entry)
		}
	}
	return result
}
