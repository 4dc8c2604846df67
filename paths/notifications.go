package paths

import (
	"fmt"

	"www.velocidex.com/golang/velofleet/constants"
)

func NotificationQueue(queue string) DSPathSpec {
	return NewDSPathSpec(constants.NOTIFICATIONS_ROOT, queue)
}

// Notifications sort by due time.
func Notification(queue string, due uint64, session_id string) DSPathSpec {
	return NotificationQueue(queue).AddChild(
		fmt.Sprintf("%016x:%s", due, session_id))
}

func ForemanRules() DSPathSpec {
	return NewDSPathSpec(constants.FOREMAN_ROOT, "rules")
}

func ForemanRule(hunt_id string) DSPathSpec {
	return ForemanRules().AddChild(hunt_id)
}

// Work queue of collections waiting for an index update.
func IndexUpdateQueue() DSPathSpec {
	return NewDSPathSpec(constants.INDEX_QUEUE_ROOT)
}

func IndexUpdateEntry(urn DSPathSpec) DSPathSpec {
	return IndexUpdateQueue().AddChild(urn.String())
}
