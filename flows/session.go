package flows

import (
	"fmt"
	"strings"

	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/utils"
)

// A session id names a flow's namespace, e.g.
// W/Interrogate/F:1A2B3C4D
type SessionId string

func NewSessionId(queue, flow_name, prefix string) SessionId {
	return SessionId(fmt.Sprintf("%s/%s/%s%s",
		queue, flow_name, prefix, utils.RandHex8()))
}

func (self SessionId) parts() []string {
	return strings.SplitN(string(self), "/", 3)
}

func (self SessionId) Queue() string {
	parts := self.parts()
	if len(parts) != 3 {
		return constants.DEFAULT_QUEUE
	}
	return parts[0]
}

func (self SessionId) FlowName() string {
	parts := self.parts()
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func (self SessionId) Suffix() string {
	parts := self.parts()
	if len(parts) != 3 {
		return string(self)
	}
	return parts[2]
}

func (self SessionId) IsHunt() bool {
	return strings.HasPrefix(self.Suffix(), constants.HUNT_PREFIX)
}

func (self SessionId) String() string {
	return string(self)
}
