package flows

import (
	"context"
	"fmt"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/collections"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

// Only the most recent errors are kept in the plugin state.
const maxOutputPluginErrors = 10

// Output plugins receive the flow's replies in batches.
type OutputPlugin interface {
	ProcessResponses(ctx context.Context, replies []*ordereddict.Dict) error
	Flush(ctx context.Context) error
}

type outputPluginRunner struct {
	plugin OutputPlugin
	state  *flows_proto.OutputPluginState
}

// Run a batch of replies through all plugins. A failing plugin has
// the error recorded in its state and does not affect the others.
func runOutputPlugins(
	ctx context.Context,
	plugins []*outputPluginRunner,
	replies []*ordereddict.Dict) []error {
	var result []error
	if len(replies) == 0 {
		return nil
	}

	for _, plugin := range plugins {
		err := utils.RecoverToError(func() error {
			err := plugin.plugin.ProcessResponses(ctx, replies)
			if err != nil {
				return err
			}
			return plugin.plugin.Flush(ctx)
		})

		if err != nil {
			plugin.state.ErrorCount++
			plugin.state.Errors = append(plugin.state.Errors, err.Error())
			if len(plugin.state.Errors) > maxOutputPluginErrors {
				plugin.state.Errors = plugin.state.Errors[1:]
			}
			result = append(result, fmt.Errorf("output plugin %v: %w",
				plugin.state.PluginName, err))
			continue
		}
		plugin.state.SuccessCount += uint64(len(replies))
	}
	return result
}

// Copies replies into another collection. Args:
// path: the collection's datastore path.
type CollectionOutputPlugin struct {
	collection *collections.IndexedCollection
	session_id string
}

func NewCollectionOutputPlugin(
	config_obj *config.Config,
	db datastore.DataStore,
	session_id string,
	args *ordereddict.Dict) (OutputPlugin, error) {
	path := utils.GetString(args, "path")
	if path == "" {
		return nil, fmt.Errorf("%w: Collection output plugin needs a path",
			utils.InvalidArgError)
	}

	return &CollectionOutputPlugin{
		collection: collections.NewIndexedCollection(config_obj, db,
			paths.ParseDSPathSpec(path)),
		session_id: session_id,
	}, nil
}

func (self *CollectionOutputPlugin) ProcessResponses(
	ctx context.Context, replies []*ordereddict.Dict) error {
	for _, reply := range replies {
		row := ordereddict.NewDict().
			Set("SessionId", self.session_id).
			Set("Reply", reply)
		_, err := self.collection.Add(row)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *CollectionOutputPlugin) Flush(ctx context.Context) error {
	return nil
}
