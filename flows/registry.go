package flows

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/utils"
)

type FlowFactory func() Flow

type OutputPluginFactory func(
	config_obj *config.Config,
	db datastore.DataStore,
	session_id string,
	args *ordereddict.Dict) (OutputPlugin, error)

// The table of known flows and output plugins. A registry is built
// at startup and handed to everything that needs to create flows.
type Registry struct {
	mu sync.Mutex

	flows          map[string]FlowFactory
	output_plugins map[string]OutputPluginFactory
}

func NewRegistry() *Registry {
	return &Registry{
		flows:          make(map[string]FlowFactory),
		output_plugins: make(map[string]OutputPluginFactory),
	}
}

// A registry with all built in flows and output plugins.
func NewDefaultRegistry() *Registry {
	result := NewRegistry()
	result.RegisterFlow("Interrogate", func() Flow { return &Interrogate{} })
	result.RegisterFlow("FileFinder", NewFileFinder)
	result.RegisterFlow("GenericHunt", func() Flow { return &GenericHunt{} })
	result.RegisterOutputPlugin("Collection", NewCollectionOutputPlugin)
	return result
}

func (self *Registry) RegisterFlow(name string, factory FlowFactory) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.flows[name] = factory
}

func (self *Registry) NewFlow(name string) (Flow, error) {
	self.mu.Lock()
	factory, pres := self.flows[name]
	self.mu.Unlock()

	if !pres {
		return nil, fmt.Errorf("%w: unknown flow %v", utils.InvalidArgError, name)
	}
	return factory(), nil
}

func (self *Registry) Flows() []string {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := make([]string, 0, len(self.flows))
	for k := range self.flows {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

func (self *Registry) RegisterOutputPlugin(
	name string, factory OutputPluginFactory) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.output_plugins[name] = factory
}

func (self *Registry) NewOutputPlugin(
	config_obj *config.Config,
	db datastore.DataStore,
	session_id, name string,
	args *ordereddict.Dict) (OutputPlugin, error) {
	self.mu.Lock()
	factory, pres := self.output_plugins[name]
	self.mu.Unlock()

	if !pres {
		return nil, fmt.Errorf("%w: unknown output plugin %v",
			utils.InvalidArgError, name)
	}
	return factory(config_obj, db, session_id, args)
}
