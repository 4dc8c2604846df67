package flows

import (
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/paths"
)

// Foreman rules are stored one per hunt. Hunts install their rule
// when started and remove it when paused, stopped or expired.
func AddForemanRule(
	config_obj *config.Config,
	db datastore.DataStore,
	rule *flows_proto.ForemanRule) error {
	return db.SetSubject(config_obj, paths.ForemanRule(rule.HuntId), rule)
}

// Removing a rule that is not there is not an error.
func RemoveForemanRule(
	config_obj *config.Config,
	db datastore.DataStore,
	hunt_id string) error {
	return db.DeleteSubject(config_obj, paths.ForemanRule(hunt_id))
}

func GetForemanRules(
	config_obj *config.Config,
	db datastore.DataStore) ([]*flows_proto.ForemanRule, error) {
	children, err := db.ScanChildren(config_obj, paths.ForemanRules(), "", 0)
	if err != nil {
		return nil, err
	}

	result := make([]*flows_proto.ForemanRule, 0, len(children))
	for _, child := range children {
		rule := &flows_proto.ForemanRule{}
		err := json.Unmarshal(child.Data, rule)
		if err != nil {
			continue
		}
		result = append(result, rule)
	}
	return result, nil
}
