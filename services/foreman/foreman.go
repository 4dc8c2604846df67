// The foreman decides which running hunts a client should join when
// it checks in. Each started hunt installs a rule; clients are
// matched against rules created since their last check.
package foreman

import (
	"context"
	"errors"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/Velocidex/ttlcache/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/flows"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/notifications"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	assignedClientsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_assigned_clients",
		Help: "Number of clients the foreman added to hunts.",
	})
)

type Foreman struct {
	config_obj *config.Config
	db         datastore.DataStore
	notifier   notifications.NotificationQueue

	// Clients checked recently are not evaluated again until they
	// expire from the cache.
	checked *ttlcache.Cache

	logger *logging.LogContext
}

func NewForeman(
	config_obj *config.Config,
	db datastore.DataStore,
	notifier notifications.NotificationQueue) *Foreman {
	result := &Foreman{
		config_obj: config_obj,
		db:         db,
		notifier:   notifier,
		logger:     logging.GetLogger(config_obj, &logging.ForemanComponent),
	}

	if config_obj.Foreman != nil && config_obj.Foreman.CheckIntervalSec > 0 {
		result.checked = ttlcache.NewCache()
		result.checked.SetCacheSizeLimit(config_obj.Foreman.CacheSize)
		_ = result.checked.SetTTL(
			time.Duration(config_obj.Foreman.CheckIntervalSec) * time.Second)
	}
	return result
}

func (self *Foreman) Close() {
	if self.checked != nil {
		self.checked.Close()
	}
}

func (self *Foreman) AddRule(
	hunt_id string,
	rules []*flows_proto.ForemanRuleDescriptor,
	expires time.Time) error {

	// Refuse rules we could never evaluate.
	rule := &flows_proto.ForemanRule{
		HuntId:  hunt_id,
		Created: utils.NowMicro(),
		Expires: utils.TimeToMicro(expires),
		Rules:   rules,
	}
	_, err := newHuntRules(rule)
	if err != nil {
		return err
	}

	return flows.AddForemanRule(self.config_obj, self.db, rule)
}

func (self *Foreman) RemoveRule(hunt_id string) error {
	return flows.RemoveForemanRule(self.config_obj, self.db, hunt_id)
}

// Forget that the client was checked so the next check in evaluates
// the rules again.
func (self *Foreman) ForgetClient(client_id string) {
	if self.checked != nil {
		_ = self.checked.Remove(client_id)
	}
}

// Match the client against hunt rules it has not seen yet and add it
// to each matching hunt. Returns the hunts the client was added to.
func (self *Foreman) AssignTasksToClient(
	ctx context.Context, client_id string) ([]string, error) {
	if self.checked != nil {
		_, err := self.checked.Get(client_id)
		if err == nil {
			return nil, nil
		}
		_ = self.checked.Set(client_id, true)
	}

	client_path_manager := paths.NewClientPathManager(client_id)
	state := &flows_proto.ForemanClientState{}
	err := self.db.GetSubject(self.config_obj,
		client_path_manager.Foreman(), state)
	if err != nil && !errors.Is(err, utils.NotFoundError) {
		return nil, err
	}

	rules, err := flows.GetForemanRules(self.config_obj, self.db)
	if err != nil {
		return nil, err
	}

	now := utils.NowMicro()
	latest := state.LastRuleTime
	objects := make(map[string]*ordereddict.Dict)
	hunt_ids := []string{}

	for _, rule := range rules {
		if rule.Created <= state.LastRuleTime {
			continue
		}

		if rule.Expires > 0 && rule.Expires < now {
			continue
		}

		if rule.Created > latest {
			latest = rule.Created
		}

		hunt_rules, err := newHuntRules(rule)
		if err != nil {
			self.logger.Error("Foreman rule for %v: %v", rule.HuntId, err)
			continue
		}

		self.loadObjects(client_id, hunt_rules.GetPathsToCheck(), objects)
		if hunt_rules.Evaluate(objects, client_id) {
			hunt_ids = append(hunt_ids, rule.HuntId)
		}
	}

	if len(hunt_ids) > 0 {
		manager := queue_manager.NewQueueManager(
			self.config_obj, self.db, self.notifier)
		for _, hunt_id := range hunt_ids {
			self.logger.Info("Foreman: adding <green>%v</> to hunt %v",
				client_id, hunt_id)

			err := flows.StartClients(ctx, self.config_obj, manager,
				hunt_id, []string{client_id})
			if err != nil {
				return nil, err
			}
			assignedClientsCounter.Inc()
		}
	}

	if latest > state.LastRuleTime {
		state.LastRuleTime = latest
		err = self.db.SetSubject(self.config_obj,
			client_path_manager.Foreman(), state)
		if err != nil {
			return nil, err
		}
	}

	return hunt_ids, nil
}

// Load the client info items the rules inspect. Items already loaded
// are kept.
func (self *Foreman) loadObjects(client_id string,
	names []string, objects map[string]*ordereddict.Dict) {
	client_path_manager := paths.NewClientPathManager(client_id)
	for _, name := range names {
		_, pres := objects[name]
		if pres {
			continue
		}

		item := ordereddict.NewDict()
		err := self.db.GetSubject(self.config_obj,
			client_path_manager.InfoItem(name), item)
		if err != nil {
			self.logger.Debug("Foreman: %v has no %v: %v", client_id, name, err)
			continue
		}
		objects[name] = item
	}
}
