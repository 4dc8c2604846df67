package paths

import (
	"www.velocidex.com/golang/velofleet/constants"
)

type ClientPathManager struct {
	path      DSPathSpec
	client_id string
}

func NewClientPathManager(client_id string) *ClientPathManager {
	return &ClientPathManager{
		path:      NewDSPathSpec(constants.CLIENTS_ROOT, client_id),
		client_id: client_id,
	}
}

func (self *ClientPathManager) Path() DSPathSpec {
	return self.path
}

// Pending client messages
func (self *ClientPathManager) Tasks() DSPathSpec {
	return self.path.AddChild("tasks")
}

func (self *ClientPathManager) Task(task_id uint64) DSPathSpec {
	return self.Tasks().AddChild(RequestName(task_id))
}

// Information collected about the client, e.g. by Interrogate.
func (self *ClientPathManager) Info() DSPathSpec {
	return self.path.AddChild("info")
}

func (self *ClientPathManager) InfoItem(name string) DSPathSpec {
	return self.Info().AddChild(name)
}

// Foreman bookkeeping for this client.
func (self *ClientPathManager) Foreman() DSPathSpec {
	return self.path.AddChild("foreman")
}
