package constants

import "time"

var (
	VERSION = "0.3.0"

	// Prefixes of the random part of session ids.
	FLOW_PREFIX = "F:"
	HUNT_PREFIX = "H:"

	// The default queue flows are scheduled on.
	DEFAULT_QUEUE = "W"

	// The queue name for hunts.
	HUNTS_QUEUE = "H"
)

const (
	// A request whose responses never fully arrive is retransmitted
	// at most this many times.
	MAX_RETRANSMISSIONS = 5

	// Number of times a client task is offered before it is dropped.
	CLIENT_TASK_TTL = 5

	// A sparse index marker is written every this many records.
	INDEX_SPACING = 1024

	// Index markers are only written for records older than this
	// since later records may still be inserted before them.
	INDEX_WRITE_DELAY = 3 * time.Minute

	// Attribute prefix of index markers in the collection subject.
	INDEX_ATTRIBUTE_PREFIX = "index:sc_"

	// Page size used when fetching completed requests from the
	// ledger.
	REQUEST_LIMIT = 1000000
)

// Well known state names
const (
	START_STATE           = "Start"
	END_STATE             = "End"
	ADD_CLIENT_STATE      = "AddClient"
	REGISTER_CLIENT_STATE = "RegisterClient"
	RUN_CLIENT_STATE      = "RunClient"
)

// Hunt admission states
const (
	HUNT_PAUSED    = "PAUSED"
	HUNT_STARTED   = "STARTED"
	HUNT_STOPPED   = "STOPPED"
	HUNT_COMPLETED = "COMPLETED"
)
