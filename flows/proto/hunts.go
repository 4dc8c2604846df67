package proto

import (
	"github.com/Velocidex/ordereddict"
)

type HuntContext_State string

const (
	HuntContext_PAUSED    HuntContext_State = "PAUSED"
	HuntContext_STARTED   HuntContext_State = "STARTED"
	HuntContext_STOPPED   HuntContext_State = "STOPPED"
	HuntContext_COMPLETED HuntContext_State = "COMPLETED"
)

type HuntContext struct {
	State HuntContext_State `json:"state"`

	// 0 is unlimited.
	ClientLimit uint64 `json:"client_limit,omitempty"`

	// Clients admitted per minute. 0 admits immediately.
	ClientRate float64 `json:"client_rate,omitempty"`

	Expires       uint64 `json:"expires,omitempty"`
	NextClientDue uint64 `json:"next_client_due,omitempty"`
	ClientCount   uint64 `json:"client_count"`
	StartTime     uint64 `json:"start_time,omitempty"`

	ForemanRuleAdded bool `json:"foreman_rule_added,omitempty"`

	// Rules installed in the foreman when the hunt is started.
	Rules []*ForemanRuleDescriptor `json:"rules,omitempty"`
}

type HuntError struct {
	ClientId   string `json:"client_id"`
	LogMessage string `json:"log_message"`
	Backtrace  string `json:"backtrace,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
}

// Describes a single foreman condition.
type ForemanRuleDescriptor struct {
	// One of "regex", "label", "integer"
	Type string `json:"type"`

	// The client info item and field the rule inspects.
	Path      string `json:"path,omitempty"`
	Attribute string `json:"attribute,omitempty"`

	Regex    string   `json:"regex,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Value    int64    `json:"value,omitempty"`
}

type ForemanRule struct {
	HuntId  string                   `json:"hunt_id"`
	Created uint64                   `json:"created"`
	Expires uint64                   `json:"expires,omitempty"`
	Rules   []*ForemanRuleDescriptor `json:"rules,omitempty"`

	// If set any rule may match, otherwise all rules must match.
	MatchAny bool `json:"match_any,omitempty"`
}

// Foreman state kept per client.
type ForemanClientState struct {
	LastRuleTime uint64 `json:"last_rule_time"`
}

type ClientInfo struct {
	ClientId string            `json:"client_id"`
	Info     *ordereddict.Dict `json:"info,omitempty"`
}
