package paths

import (
	"fmt"
	"strings"

	"www.velocidex.com/golang/velofleet/constants"
)

// Where flow state lives. The session id "W/Interrogate/F:1234ABCD"
// maps to /flows/W/Interrogate/F:1234ABCD
type FlowPathManager struct {
	path       DSPathSpec
	session_id string
}

func NewFlowPathManager(session_id string) *FlowPathManager {
	components := []string{constants.FLOWS_ROOT}
	for _, c := range strings.Split(session_id, "/") {
		if c != "" {
			components = append(components, c)
		}
	}

	return &FlowPathManager{
		path:       NewDSPathSpec(components...),
		session_id: session_id,
	}
}

func (self *FlowPathManager) SessionId() string {
	return self.session_id
}

// The flow object itself.
func (self *FlowPathManager) Path() DSPathSpec {
	return self.path
}

// Session leases are taken on this subject.
func (self *FlowPathManager) Lease() DSPathSpec {
	return self.path.AddChild("lease")
}

func (self *FlowPathManager) Requests() DSPathSpec {
	return self.path.AddChild("requests")
}

func (self *FlowPathManager) Request(request_id uint64) DSPathSpec {
	return self.Requests().AddChild(RequestName(request_id))
}

func (self *FlowPathManager) AllResponses() DSPathSpec {
	return self.path.AddChild("responses")
}

func (self *FlowPathManager) Responses(request_id uint64) DSPathSpec {
	return self.AllResponses().AddChild(RequestName(request_id))
}

func (self *FlowPathManager) Response(request_id, response_id uint64) DSPathSpec {
	return self.Responses(request_id).AddChild(RequestName(response_id))
}

func (self *FlowPathManager) AllStatus() DSPathSpec {
	return self.path.AddChild("status")
}

// Written when the STATUS message for the request arrives.
func (self *FlowPathManager) Status(request_id uint64) DSPathSpec {
	return self.AllStatus().AddChild(RequestName(request_id))
}

// The collection holding the flow's replies.
func (self *FlowPathManager) Output() DSPathSpec {
	return self.path.AddChild("output")
}

func (self *FlowPathManager) Logs() DSPathSpec {
	return self.path.AddChild("logs")
}

// Names sort in numeric order.
func RequestName(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
