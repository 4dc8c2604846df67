package paths

import (
	"www.velocidex.com/golang/velofleet/constants"
)

// Hunts are flows so all flow paths apply. The hunt keeps a number of
// extra collections.
type HuntPathManager struct {
	*FlowPathManager
}

func NewHuntPathManager(hunt_id string) *HuntPathManager {
	return &HuntPathManager{
		FlowPathManager: NewFlowPathManager(hunt_id),
	}
}

// Clients admitted to the hunt.
func (self *HuntPathManager) Clients() DSPathSpec {
	return self.path.AddChild("AllClients")
}

func (self *HuntPathManager) CompletedClients() DSPathSpec {
	return self.path.AddChild("CompletedClients")
}

func (self *HuntPathManager) ErrorClients() DSPathSpec {
	return self.path.AddChild("ErrorClients")
}

func (self *HuntPathManager) ClientsWithResults() DSPathSpec {
	return self.path.AddChild("ClientsWithResults")
}

func (self *HuntPathManager) Results() DSPathSpec {
	return self.path.AddChild("Results")
}

// An index of all hunts so they can be listed.
func HuntIndex() DSPathSpec {
	return NewDSPathSpec(constants.HUNTS_ROOT)
}

func HuntIndexEntry(hunt_id string) DSPathSpec {
	return HuntIndex().AddChild(hunt_id)
}
